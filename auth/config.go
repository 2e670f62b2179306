package auth

import (
	"log/slog"
	"net/http"
	"time"

	"msgrlink/internal/clock"
	"msgrlink/session"
)

// Config defines the login endpoint, form constants, and collaborators of an Authenticator.
type Config struct {
	// LoginURL receives the signed form as application/x-www-form-urlencoded. Required.
	LoginURL string

	// APIKey and AccessToken are sent as the api_key form field and the OAuth header.
	APIKey      string
	AccessToken string

	// Signer computes the sig field. Required.
	Signer Signer

	// TokenExchangeURL, when set, is called after login to obtain a secondary token.
	TokenExchangeURL   string
	TokenExchangeAppID string

	Locale      string
	CountryCode string
	AppVersion  string

	// MinAttemptInterval is the minimum spacing between attempts. Zero disables the guard.
	MinAttemptInterval time.Duration

	// Guard carries the spacing between Authenticators. Nil gives this Authenticator its own.
	Guard *AttemptGuard

	// RotateDevice forces a fresh device profile on every attempt.
	RotateDevice bool

	// CookieDomain is used for the secondary identity cookie and for cookies without a domain.
	CookieDomain string

	Expiry session.ExpiryOptions

	HTTPClient *http.Client
	Store      session.Store
	Devices    *DeviceStore
	Clock      clock.Clock
	Logger     *slog.Logger

	// Observer, when set, is called on every phase transition.
	Observer func(Phase)
}

// DefaultConfig returns the form constants and timing used unless overridden.
func DefaultConfig() Config {
	return Config{
		Locale:             "en_US",
		CountryCode:        "US",
		AppVersion:         "392.0.0.0.66",
		MinAttemptInterval: 30 * time.Second,
		CookieDomain:       ".facebook.com",
		Expiry:             session.DefaultExpiryOptions(),
	}
}
