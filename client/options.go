package client

import (
	"log/slog"
	"time"

	"msgrlink/auth"
	"msgrlink/internal/clock"
	"msgrlink/realtime"
	"msgrlink/safety"
	"msgrlink/session"
)

// Options configures Login. Platform endpoints and the signing key are never built in.
type Options struct {
	AutoReconnect            bool
	MaxReconnectAttempts     int
	MaxPendingPerDestination int
	RefreshIntervalBase      time.Duration
	UltraSafeMode            bool
	Stealth                  safety.StealthConfig
	Proxy                    string
	RandomUserAgent          bool
	UserAgent                string
	AutoTyping               bool

	// Region overrides the region found on the bootstrap page.
	Region string

	// QueueDestinations reports whether sends to dest go through the ordered queue.
	// Nil queues group threads (ids of 15 characters or more) and sends the rest directly.
	QueueDestinations func(dest string) bool

	// Persistence. Store wins over SessionPath when both are set.
	Store       session.Store
	SessionPath string
	BackupDir   string
	DevicePath  string
	Backups     session.BackupPolicy

	// SessionPassphrase seals the SessionPath file and its backups at rest.
	SessionPassphrase string

	// Platform endpoints.
	LoginURL         string
	BootstrapURL     string
	TokenExchangeURL string
	DefaultEndpoint  string
	Origin           string
	CookieDomain     string

	// Login form signing.
	SigningMode string
	SigningKey  []byte
	APIKey      string
	AccessToken string

	// LoginGuard spaces credential attempts. Nil shares one guard per username across
	// every Login in the process.
	LoginGuard *auth.AttemptGuard

	// SessionGrace is how long past expiry the essential cookies are still accepted.
	SessionGrace time.Duration

	// Realtime tunables. Zero fields take realtime.DefaultConfig.
	Realtime realtime.Config

	Registry *Registry
	Clock    clock.Clock
	Logger   *slog.Logger
	Rand     func() float64
}

// DefaultOptions returns the options used by the binary unless overridden.
func DefaultOptions() Options {
	return Options{
		AutoReconnect:            true,
		MaxPendingPerDestination: 100,
		RefreshIntervalBase:      45 * time.Minute,
		AutoTyping:               true,
		Backups:                  session.DefaultBackupPolicy(),
		CookieDomain:             ".facebook.com",
		SessionGrace:             24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxPendingPerDestination <= 0 {
		o.MaxPendingPerDestination = d.MaxPendingPerDestination
	}
	if o.RefreshIntervalBase <= 0 {
		o.RefreshIntervalBase = d.RefreshIntervalBase
	}
	if o.CookieDomain == "" {
		o.CookieDomain = d.CookieDomain
	}
	if o.Backups == (session.BackupPolicy{}) {
		o.Backups = d.Backups
	}
	if o.QueueDestinations == nil {
		o.QueueDestinations = isGroupThread
	}
	if o.Registry == nil {
		o.Registry = DefaultRegistry
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

func isGroupThread(dest string) bool { return len(dest) >= 15 }

func (o Options) userAgent() string {
	switch {
	case o.UserAgent != "":
		return o.UserAgent
	case o.RandomUserAgent:
		return safety.RandomUserAgent()
	default:
		return safety.UserAgents[0]
	}
}

func (o Options) store() (session.Store, error) {
	if o.Store != nil {
		return o.Store, nil
	}
	if o.SessionPath == "" {
		return nil, nil
	}
	fs, err := session.NewFileStore(o.SessionPath, o.BackupDir, o.Backups)
	if err != nil {
		return nil, err
	}
	if o.SessionPassphrase != "" {
		if fs.Sealer, err = session.NewSealer(o.SessionPassphrase, session.SealParams{}); err != nil {
			return nil, err
		}
	}
	return fs, nil
}
