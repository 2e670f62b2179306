package realtime

import (
	"strings"

	"msgrlink/session"
)

// DefaultRegion is used when neither the bootstrap page nor the options name one.
const DefaultRegion = "PRN"

// AuthContext identifies one session on the realtime endpoint.
type AuthContext struct {
	UserID          string
	SecondaryUserID string
	ClientID        string
	Region          string
	Endpoint        string
	// Token is the CSRF-like token scraped at bootstrap.
	Token     string
	UserAgent string
	Cookies   session.Session

	// Mutation counters, advanced by the Manager for every publish.
	RequestNumber int64
	TaskNumber    int64
}

// Validate reports whether the context can open a session.
func (a AuthContext) Validate() error {
	if strings.TrimSpace(a.UserID) == "" {
		return ErrInvalidAuth
	}
	return nil
}

func (a AuthContext) region() string {
	if a.Region == "" {
		return DefaultRegion
	}
	return strings.ToUpper(a.Region)
}
