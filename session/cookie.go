package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Cookie is one entry of a session.
type Cookie struct {
	Key      string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time // zero when the cookie carries no expiry
	HTTPOnly bool
	Secure   bool
}

type cookieJSON struct {
	Key      string          `json:"key"`
	Name     string          `json:"name,omitempty"`
	Value    string          `json:"value"`
	Domain   string          `json:"domain,omitempty"`
	Path     string          `json:"path,omitempty"`
	Expires  json.RawMessage `json:"expires,omitempty"`
	HTTPOnly bool            `json:"httpOnly,omitempty"`
	Secure   bool            `json:"secure,omitempty"`
}

// MarshalJSON writes expires as an HTTP-date.
func (c Cookie) MarshalJSON() ([]byte, error) {
	out := cookieJSON{
		Key:      c.Key,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if !c.Expires.IsZero() {
		b, err := json.Marshal(c.Expires.UTC().Format(http.TimeFormat))
		if err != nil {
			return nil, err
		}
		out.Expires = b
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts "name" as an alias for "key", and an expiry given as an HTTP-date,
// RFC3339 timestamp, or unix seconds (milliseconds are detected by magnitude).
func (c *Cookie) UnmarshalJSON(b []byte) error {
	var in cookieJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}

	key := in.Key
	if key == "" {
		key = in.Name
	}
	if key == "" {
		return fmt.Errorf("cookie without key")
	}

	exp, err := ParseExpiryJSON(in.Expires)
	if err != nil {
		return fmt.Errorf("cookie %q: %w", key, err)
	}

	*c = Cookie{
		Key:      key,
		Value:    in.Value,
		Domain:   in.Domain,
		Path:     in.Path,
		Expires:  exp,
		HTTPOnly: in.HTTPOnly,
		Secure:   in.Secure,
	}
	return nil
}

// ParseExpiryJSON parses an expiry given as a JSON string or number. Null or absent means none.
func ParseExpiryJSON(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, nil
	}

	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, err
		}
		return ParseExpiry(str)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("expires: %w", err)
	}
	return unixExpiry(f), nil
}

// ParseExpiry parses an HTTP-date, RFC3339, or numeric unix timestamp. "Infinity" and the
// empty string mean no expiry.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "infinity") || strings.EqualFold(s, "session") {
		return time.Time{}, nil
	}
	if t, err := http.ParseTime(s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return unixExpiry(f), nil
	}
	return time.Time{}, fmt.Errorf("expires: unrecognized format %q", s)
}

func unixExpiry(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	// Values past year 33658 in seconds are milliseconds.
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Unix(int64(f), 0).UTC()
}

// Session is an ordered list of cookies.
type Session []Cookie

// Get returns the first cookie named key.
func (s Session) Get(key string) (Cookie, bool) {
	for _, c := range s {
		if c.Key == key {
			return c, true
		}
	}
	return Cookie{}, false
}

// Value returns the value of cookie key, or "".
func (s Session) Value(key string) string {
	c, _ := s.Get(key)
	return c.Value
}

// Set replaces the first cookie with the same key or appends c.
func (s Session) Set(c Cookie) Session {
	out := s.Clone()
	for i := range out {
		if out[i].Key == c.Key {
			out[i] = c
			return out
		}
	}
	return append(out, c)
}

// Clone returns a copy that shares nothing with s.
func (s Session) Clone() Session {
	if s == nil {
		return nil
	}
	out := make(Session, len(s))
	copy(out, s)
	return out
}

// UserID returns the acting user id, preferring the secondary identity.
func (s Session) UserID() string {
	if v := s.Value("i_user"); v != "" {
		return v
	}
	return s.Value("c_user")
}

// Parse decodes a session from JSON. Both a bare cookie array and a backup wrapper
// ({"session": [...], "metadata": {...}}) are accepted.
func Parse(b []byte) (Session, error) {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "{") {
		var w backupRecord
		if err := json.Unmarshal(b, &w); err != nil {
			return nil, corrupt(err)
		}
		if w.Session == nil {
			return nil, corrupt(fmt.Errorf("backup without session"))
		}
		return w.Session, nil
	}

	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, corrupt(err)
	}
	return s, nil
}
