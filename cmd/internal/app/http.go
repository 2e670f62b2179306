package app

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"msgrlink/client"
	"msgrlink/internal/metrics"
)

// healthSource is the slice of *client.Handle the HTTP surface reads.
type healthSource interface {
	HealthMetrics() client.Health
	Metrics() *metrics.Metrics
}

// registerHTTP mounts the operational endpoints. current returns nil until login completes.
func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	current func() healthSource,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		src := current()
		if src == nil {
			http.Error(w, "client not logged in", http.StatusServiceUnavailable)
			return
		}
		if cfg.ReadinessRequireConnected && !src.HealthMetrics().Connected {
			http.Error(w, "realtime not connected", http.StatusServiceUnavailable)
			return
		}
		if dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		src := current()
		if src == nil {
			http.Error(w, "client not logged in", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(src.HealthMetrics()); err != nil {
			log.Warn("status.encode.fail", "err", err)
		}
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		src := current()
		if src == nil {
			http.Error(w, "client not logged in", http.StatusServiceUnavailable)
			return
		}
		src.Metrics().Handler().ServeHTTP(w, r)
	})
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
