package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnected(true)
		m.IncReconnect()
		m.ObserveEvent("message")
		m.ObserveSend(nil)
		m.AddQueueDepth(1)
		m.IncQueueDrop()
		m.ObserveRefresh(errors.New("x"))
		m.SetRisk(2)
	})
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	t.Parallel()

	a := New(prometheus.Labels{"user_id": "1"})
	b := New(prometheus.Labels{"user_id": "2"})

	a.IncReconnect()
	a.IncReconnect()
	b.IncReconnect()

	assert.Contains(t, scrape(t, a), `msgrlink_reconnects_total{user_id="1"} 2`)
	assert.Contains(t, scrape(t, b), `msgrlink_reconnects_total{user_id="2"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New(nil)
	m.ObserveSend(nil)
	m.ObserveSend(errors.New("boom"))
	m.SetConnected(true)

	out := scrape(t, m)
	assert.True(t, strings.Contains(out, `msgrlink_sends_total{result="ok"} 1`), out)
	assert.True(t, strings.Contains(out, `msgrlink_sends_total{result="error"} 1`), out)
	assert.True(t, strings.Contains(out, "msgrlink_connected 1"), out)
}
