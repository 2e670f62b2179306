package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"msgrlink/auth"
)

// minSigningKeyBytes is the shortest signing key accepted for HMAC signing.
const minSigningKeyBytes = 16

// ValidateSecurityConfig rejects configurations that would send credentials unsigned,
// over a plaintext endpoint, or to nowhere. It runs before any network call.
func ValidateSecurityConfig(cfg Config) error {
	var problems []error

	if cfg.Password != "" && strings.TrimSpace(cfg.Username) == "" {
		problems = append(problems, errors.New("MSGRLINK_PASSWORD is set but MSGRLINK_USERNAME is empty"))
	}

	if cfg.hasCredentials() {
		if cfg.LoginURL == "" {
			problems = append(problems, errors.New("credentials are set but MSGRLINK_LOGIN_URL is empty"))
		}
		if cfg.SigningKey == "" {
			problems = append(problems, errors.New("credentials are set but MSGRLINK_SIGNING_KEY is empty"))
		}
	}

	if cfg.SigningKey != "" {
		if _, err := auth.NewSigner(cfg.SigningMode, []byte(cfg.SigningKey)); err != nil {
			problems = append(problems, err)
		}
		mode := strings.ToLower(strings.TrimSpace(cfg.SigningMode))
		if (mode == "" || mode == auth.SignHMACSHA256) && len(cfg.SigningKey) < minSigningKeyBytes {
			problems = append(problems, fmt.Errorf("MSGRLINK_SIGNING_KEY is too short (min %d bytes)", minSigningKeyBytes))
		}
	}

	for _, ep := range []struct{ name, raw string }{
		{"MSGRLINK_LOGIN_URL", cfg.LoginURL},
		{"MSGRLINK_BOOTSTRAP_URL", cfg.BootstrapURL},
		{"MSGRLINK_TOKEN_EXCHANGE_URL", cfg.TokenExchangeURL},
	} {
		if err := requireHTTPS(ep.name, ep.raw); err != nil {
			problems = append(problems, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "", "json", "pretty", "text":
	default:
		problems = append(problems, fmt.Errorf("unknown MSGRLINK_LOG_FORMAT %q", cfg.LogFormat))
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("security policy: %w", errors.Join(problems...))
}

// requireHTTPS allows plain http only for loopback hosts.
func requireHTTPS(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s is not an absolute URL", name)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("%s must use https", name)
	default:
		return fmt.Errorf("%s has unsupported scheme %q", name, u.Scheme)
	}
}
