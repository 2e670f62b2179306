package session

import (
	"fmt"
	"time"
)

// CriticalCookies must be present for a session to be considered whole.
var CriticalCookies = []string{"c_user", "xs", "fr", "datr", "sb", "spin"}

// ExpiryOptions configures FixExpiry.
type ExpiryOptions struct {
	DefaultExpiryDays  int
	CriticalExpiryDays int
}

// DefaultExpiryOptions returns the usual extension windows.
func DefaultExpiryOptions() ExpiryOptions {
	return ExpiryOptions{DefaultExpiryDays: 90, CriticalExpiryDays: 90}
}

const shortExpiryWindow = 7 * 24 * time.Hour

func isCritical(key string) bool {
	for _, k := range CriticalCookies {
		if k == key {
			return true
		}
	}
	return false
}

// FixExpiry returns a copy of s with lapsing expiries pushed forward, and the names that
// were extended.
//
// Critical cookies expiring before now+CriticalExpiryDays-1d (or without expiry) are set
// to now+CriticalExpiryDays. Other cookies without expiry, or expiring within seven days,
// are set to now+DefaultExpiryDays.
func FixExpiry(s Session, opts ExpiryOptions, now time.Time) (Session, []string) {
	if opts.DefaultExpiryDays <= 0 {
		opts.DefaultExpiryDays = DefaultExpiryOptions().DefaultExpiryDays
	}
	if opts.CriticalExpiryDays <= 0 {
		opts.CriticalExpiryDays = DefaultExpiryOptions().CriticalExpiryDays
	}

	day := 24 * time.Hour
	criticalTarget := now.Add(time.Duration(opts.CriticalExpiryDays) * day).UTC()
	criticalFloor := criticalTarget.Add(-day)
	defaultTarget := now.Add(time.Duration(opts.DefaultExpiryDays) * day).UTC()
	shortFloor := now.Add(shortExpiryWindow)

	out := s.Clone()
	var extended []string
	for i := range out {
		c := &out[i]
		if isCritical(c.Key) {
			if c.Expires.IsZero() || c.Expires.Before(criticalFloor) {
				c.Expires = criticalTarget
				extended = append(extended, c.Key)
			}
			continue
		}
		if c.Expires.IsZero() || c.Expires.Before(shortFloor) {
			c.Expires = defaultTarget
			extended = append(extended, c.Key)
		}
	}
	return out, extended
}

// Validation is the result of ValidateCritical.
type Validation struct {
	Valid   bool
	Missing []string
}

// ValidateCritical reports which critical cookies are absent. Valid is true iff none are.
func ValidateCritical(s Session) Validation {
	var missing []string
	for _, k := range CriticalCookies {
		if _, ok := s.Get(k); !ok {
			missing = append(missing, k)
		}
	}
	return Validation{Valid: len(missing) == 0, Missing: missing}
}

// ValidateEssential checks the user id (c_user or i_user) and the session secret (xs).
// Cookies that expired more than grace before now count as missing.
func ValidateEssential(s Session, now time.Time, grace time.Duration) error {
	live := func(key string) bool {
		c, ok := s.Get(key)
		if !ok || c.Value == "" {
			return false
		}
		return c.Expires.IsZero() || c.Expires.Add(grace).After(now)
	}

	if !live("c_user") && !live("i_user") {
		return fmt.Errorf("%w: user id cookie missing or expired", ErrInvalid)
	}
	if !live("xs") {
		return fmt.Errorf("%w: xs cookie missing or expired", ErrInvalid)
	}
	return nil
}
