package safety

import (
	"time"

	"msgrlink/session"
)

// Verdict is the result of a safety validation.
type Verdict struct {
	Safe   bool
	Reason string
}

// staleAge is how long past expiry a cookie counts as stale.
const staleAge = 30 * 24 * time.Hour

var loginMarkers = []string{"c_user", "xs", "datr", "sb"}

// ValidateLogin checks a stored session before it is used: at least one identifying cookie
// must be present and no more than half the cookies may have expired over thirty days ago.
func ValidateLogin(s session.Session, now time.Time) Verdict {
	if len(s) == 0 {
		return Verdict{Reason: "Session is empty"}
	}

	found := false
	for _, k := range loginMarkers {
		if _, ok := s.Get(k); ok {
			found = true
			break
		}
	}
	if !found {
		return Verdict{Reason: "Missing essential authentication cookies"}
	}

	stale := 0
	for _, c := range s {
		if !c.Expires.IsZero() && now.Sub(c.Expires) > staleAge {
			stale++
		}
	}
	if float64(stale) > float64(len(s))*0.5 {
		return Verdict{Reason: "Most cookies are too old, refresh the session"}
	}
	return Verdict{Safe: true, Reason: "Login credentials validated"}
}
