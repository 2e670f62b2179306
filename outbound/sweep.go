package outbound

func (d *Dispatcher) sweeper() {
	t := d.clk.NewTicker(d.cfg.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-t.C:
			d.Sweep()
		}
	}
}

// SweepResult reports one sweep.
type SweepResult struct {
	Expired int // queues removed
	Dropped int // entries discarded
}

// Sweep evicts queues idle beyond IdleAfter that are not sending and trims queues
// over capacity. It runs on its own every SweepEvery.
func (d *Dispatcher) Sweep() SweepResult {
	now := d.clk.Now()

	var (
		res     SweepResult
		expired []entry
		trimmed []entry
	)
	d.mu.Lock()
	for dest, q := range d.queues {
		if !q.sending && now.Sub(q.lastActive) > d.cfg.IdleAfter {
			expired = append(expired, q.items...)
			delete(d.queues, dest)
			res.Expired++
			d.stats.Evictions++
			continue
		}
		if over := len(q.items) - d.capacity; over > 0 {
			trimmed = append(trimmed, q.items[:over]...)
			q.items = q.items[over:]
		}
	}
	res.Dropped = len(expired) + len(trimmed)
	d.stats.Expired += int64(len(expired))
	d.stats.Drops += int64(len(trimmed))
	d.mu.Unlock()

	if res.Dropped > 0 {
		d.cfg.Metrics.AddQueueDepth(-res.Dropped)
	}
	for range res.Expired {
		d.cfg.Metrics.IncQueueEviction()
	}
	for _, e := range expired {
		notify(e.cb, nil, ErrQueueExpired)
	}
	for _, e := range trimmed {
		d.cfg.Metrics.IncQueueDrop()
		notify(e.cb, nil, ErrQueueOverflow)
	}
	if res.Expired > 0 || res.Dropped > 0 {
		d.log.Info("outbound.sweep", "expired_queues", res.Expired, "dropped", res.Dropped)
	}
	return res
}
