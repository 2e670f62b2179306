package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	v1 "msgrlink/contracts/realtime/v1"
	"msgrlink/errs"
	"msgrlink/internal/clock"
	"msgrlink/internal/ids"
	"msgrlink/internal/metrics"
	"msgrlink/outbound"
	"msgrlink/realtime"
	"msgrlink/refresh"
	"msgrlink/safety"
	"msgrlink/session"
)

const typingTimeout = 10 * time.Second

// Handle is one logged-in session. All methods are safe for concurrent use.
type Handle struct {
	opts Options
	log  *slog.Logger
	clk  clock.Clock
	hc   *http.Client

	store     session.Store
	metrics   *metrics.Metrics
	policy    *safety.Policy
	mgr       *realtime.Manager
	disp      *outbound.Dispatcher
	refresher *refresh.Refresher
	registry  *Registry

	mu   sync.Mutex
	sess session.Session
	boot Bootstrap
	ua   string

	started  time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	unlisten func()
	stopped  atomic.Bool
	stopOnce sync.Once
}

func newHandle(opts Options, hc *http.Client, store session.Store, sess session.Session, boot Bootstrap, ua string) (*Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		opts:     opts,
		log:      opts.Logger.With("user_id", boot.UserID),
		clk:      opts.Clock,
		hc:       hc,
		store:    store,
		registry: opts.Registry,
		sess:     sess,
		boot:     boot,
		ua:       ua,
		ctx:      ctx,
		cancel:   cancel,
	}
	h.metrics = metrics.New(prometheus.Labels{"user_id": boot.UserID})

	h.policy = safety.New(safety.Options{
		UltraSafe: opts.UltraSafeMode,
		Stealth:   opts.Stealth,
		Clock:     opts.Clock,
		Logger:    h.log,
		Metrics:   h.metrics,
		Rand:      opts.Rand,
	})

	rc := opts.Realtime
	if rc.Dialer == nil {
		rc.Dialer = &realtime.WSDialer{Proxy: opts.Proxy, Origin: opts.Origin}
	}
	if rc.DefaultEndpoint == "" {
		rc.DefaultEndpoint = opts.DefaultEndpoint
	}
	rc.AutoReconnect = opts.AutoReconnect
	if opts.MaxReconnectAttempts > 0 {
		rc.MaxReconnectAttempts = opts.MaxReconnectAttempts
	}
	rc.RefreshAuth = h.reauth
	rc.Clock = opts.Clock
	rc.Logger = h.log
	rc.Metrics = h.metrics
	if opts.Rand != nil {
		rc.Rand = opts.Rand
	}
	mgr, err := realtime.NewManager(rc)
	if err != nil {
		cancel()
		return nil, err
	}
	h.mgr = mgr

	disp, err := outbound.New(outbound.Config{
		Send:     h.sendDirect,
		Pacer:    h.policy,
		Queued:   opts.QueueDestinations,
		Capacity: opts.MaxPendingPerDestination,
		Clock:    opts.Clock,
		Logger:   h.log,
		Metrics:  h.metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	h.disp = disp

	rcfg := refresh.DefaultConfig()
	rcfg.Refresh = h.refreshTokens
	rcfg.Channel = mgr
	rcfg.Policy = h.policy
	rcfg.Base = opts.RefreshIntervalBase
	rcfg.OnResult = h.onRefresh
	rcfg.Clock = opts.Clock
	rcfg.Logger = h.log
	rcfg.Metrics = h.metrics
	rcfg.Rand = opts.Rand
	r, err := refresh.New(rcfg)
	if err != nil {
		disp.Close()
		cancel()
		return nil, err
	}
	h.refresher = r

	h.unlisten = mgr.Listen(h.observe)
	return h, nil
}

func (h *Handle) start(ctx context.Context) error {
	h.mu.Lock()
	ac := realtime.AuthContext{
		UserID:          h.boot.UserID,
		SecondaryUserID: h.boot.SecondaryUserID,
		ClientID:        ids.MustULID(h.clk.Now()),
		Region:          h.boot.Region,
		Endpoint:        h.boot.Endpoint,
		Token:           h.boot.Token,
		UserAgent:       h.ua,
		Cookies:         h.sess.Clone(),
	}
	h.mu.Unlock()

	if err := h.mgr.Start(ctx, ac); err != nil {
		return err
	}
	h.started = h.clk.Now()

	g, gctx := errgroup.WithContext(h.ctx)
	g.Go(func() error { return h.policy.Run(gctx) })
	g.Go(func() error { return h.refresher.Run(gctx) })
	h.group = g
	return nil
}

// observe feeds channel failures into the safety counters.
func (h *Handle) observe(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventError, realtime.EventSafetyAlert:
		if ev.Err != nil {
			h.policy.RecordError(ev.Err)
		}
	}
}

func (h *Handle) record(err error) {
	switch {
	case err == nil:
		h.policy.RecordRequest(false)
	case errors.Is(err, errs.ErrSafetyAlert):
		// already counted through the EventSafetyAlert the manager emitted
	default:
		h.policy.RecordError(err)
	}
}

// reauth hands the manager the latest cookies and token before every reconnect.
// A session that fails essential-cookie validation is never dialled.
func (h *Handle) reauth(_ context.Context, prev realtime.AuthContext) (realtime.AuthContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := session.ValidateEssential(h.sess, h.clk.Now(), h.opts.SessionGrace); err != nil {
		return prev, err
	}
	prev.Cookies = h.sess.Clone()
	prev.Token = h.boot.Token
	if h.boot.Endpoint != "" {
		prev.Endpoint = h.boot.Endpoint
	}
	return prev, nil
}

// refreshTokens re-reads the bootstrap page with the current cookies and keeps the new
// token and any rotated cookies.
func (h *Handle) refreshTokens(ctx context.Context) error {
	if h.opts.BootstrapURL == "" {
		return nil
	}
	h.mu.Lock()
	sess := h.sess.Clone()
	h.mu.Unlock()

	html, updated, err := fetchBootstrap(ctx, h.hc, h.opts.BootstrapURL, sess, h.ua, h.opts.CookieDomain, h.clk.Now())
	if err != nil {
		return err
	}
	boot, err := ParseBootstrap(html, updated, h.opts.Region)
	if err != nil {
		if errors.Is(err, errs.ErrSafetyAlert) {
			h.mgr.Emit(realtime.Event{Kind: realtime.EventSafetyAlert, Time: h.clk.Now(), Err: err, Reason: "refresh"})
		}
		return err
	}
	if boot.Token == "" {
		return fmt.Errorf("%w: no token on page", ErrBootstrap)
	}
	if err := session.ValidateEssential(updated, h.clk.Now(), h.opts.SessionGrace); err != nil {
		h.log.Warn("client.refresh.session_invalid", "err", err)
		return err
	}

	h.mu.Lock()
	h.sess = updated
	h.boot = boot
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.Save(ctx, updated, session.Metadata{Created: h.clk.Now(), Source: session.SourceRefresh}); err != nil {
			h.log.Warn("client.session.save_failed", "err", err)
		}
	}
	return nil
}

func (h *Handle) onRefresh(res refresh.Result) {
	reason := "scheduled"
	if res.Manual {
		reason = "manual"
	}
	h.mgr.Emit(realtime.Event{Kind: realtime.EventRefresh, Time: h.clk.Now(), Reason: reason, Err: res.Err})
}

func (h *Handle) sendDirect(ctx context.Context, dest string, payload any) (json.RawMessage, error) {
	body, ok := payload.(v1.MessageBody)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload %T", ErrBadArgs, payload)
	}
	body.ThreadID = dest
	res, err := h.mgr.Publish(ctx, v1.TopicSendMessage, body)
	h.record(err)
	return res, err
}

func (h *Handle) publish(ctx context.Context, topic string, body any, paced bool) (json.RawMessage, error) {
	if h.stopped.Load() {
		return nil, ErrStopped
	}
	if paced {
		if err := h.policy.Pace(ctx); err != nil {
			return nil, err
		}
	}
	res, err := h.mgr.Publish(ctx, topic, body)
	h.record(err)
	return res, err
}

// SendMessage queues msg for dest and reports the outcome to cb. Sends to one queued
// destination are delivered in call order.
func (h *Handle) SendMessage(dest string, msg v1.MessageBody, cb outbound.Callback) error {
	if h.stopped.Load() {
		return ErrStopped
	}
	if dest == "" {
		return outbound.ErrNoDestination
	}
	if h.opts.AutoTyping {
		go func() {
			ctx, cancel := context.WithTimeout(h.ctx, typingTimeout)
			defer cancel()
			if err := h.SendTyping(ctx, dest, true); err != nil {
				h.log.Debug("client.typing.failed", "dest", dest, "err", err)
			}
		}()
	}
	return h.disp.Enqueue(dest, msg, cb)
}

// EditMessage replaces the text of one of our messages.
func (h *Handle) EditMessage(ctx context.Context, threadID, messageID, text string) (json.RawMessage, error) {
	return h.publish(ctx, v1.TopicEditMessage, v1.EditBody{ThreadID: threadID, MessageID: messageID, Text: text}, true)
}

// SetReaction reacts to a message. An empty reaction removes ours.
func (h *Handle) SetReaction(ctx context.Context, threadID, messageID, reaction string) (json.RawMessage, error) {
	return h.publish(ctx, v1.TopicReaction, v1.ReactionBody{ThreadID: threadID, MessageID: messageID, Reaction: reaction}, true)
}

// SendTyping toggles the typing indicator. It is not paced.
func (h *Handle) SendTyping(ctx context.Context, threadID string, typing bool) error {
	_, err := h.publish(ctx, v1.TopicTyping, v1.TypingBody{ThreadID: threadID, Typing: typing}, false)
	return err
}

// MarkRead marks threadID read up to upto, or up to now when upto is zero.
func (h *Handle) MarkRead(ctx context.Context, threadID string, upto time.Time) error {
	if upto.IsZero() {
		upto = h.clk.Now()
	}
	_, err := h.publish(ctx, v1.TopicMarkRead, v1.MarkReadBody{ThreadID: threadID, Upto: upto.UTC()}, true)
	return err
}

// Do runs the registered action name with JSON args.
func (h *Handle) Do(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	a, err := h.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	return a.Do(ctx, h, args)
}

// Listen subscribes fn to every event of this handle.
func (h *Handle) Listen(fn realtime.Listener) (stop func()) {
	return h.mgr.Listen(fn)
}

// RefreshToken refreshes the session tokens now and returns the failure, if any.
func (h *Handle) RefreshToken(ctx context.Context) error {
	return h.refresher.RefreshNow(ctx)
}

// Flush sends everything queued for dest immediately.
func (h *Handle) Flush(ctx context.Context, dest string) int {
	return h.disp.Flush(ctx, dest)
}

// SetQueueCapacity changes the per-destination queue bound.
func (h *Handle) SetQueueCapacity(n int) { h.disp.SetCapacity(n) }

// Session returns a copy of the current cookies.
func (h *Handle) Session() session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess.Clone()
}

// UserID is the acting user.
func (h *Handle) UserID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boot.UserID
}

// Metrics exposes the handle's collectors, e.g. for a /metrics endpoint.
func (h *Handle) Metrics() *metrics.Metrics { return h.metrics }

// Policy exposes the handle's safety policy.
func (h *Handle) Policy() *safety.Policy { return h.policy }

// Done is closed once Stop has been called.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Stop tears the handle down. Queued sends fail with outbound.ErrClosed. It does not wait for
// background goroutines, so it may be called from a listener; use Wait for that.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.stopped.Store(true)
		if h.unlisten != nil {
			h.unlisten()
		}
		h.cancel()
		h.refresher.Stop()
		h.disp.Close()
		h.mgr.Stop()
		h.log.Info("client.stopped")
	})
}

// Wait blocks until the background loops have exited after Stop.
func (h *Handle) Wait() error {
	if h.group == nil {
		return nil
	}
	if err := h.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
