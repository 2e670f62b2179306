package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"msgrlink/session"
)

type loginResponse struct {
	SessionCookies []responseCookie `json:"session_cookies"`
	AccessToken    string           `json:"access_token"`
	UID            flexString       `json:"uid"`
	Error          *responseError   `json:"error"`

	status int
}

type responseCookie struct {
	Name     string          `json:"name"`
	Value    string          `json:"value"`
	Domain   string          `json:"domain"`
	Path     string          `json:"path"`
	Expires  json.RawMessage `json:"expires"`
	HTTPOnly bool            `json:"httponly"`
	Secure   bool            `json:"secure"`
}

type responseError struct {
	Message   string          `json:"message"`
	Type      string          `json:"type"`
	Code      int             `json:"code"`
	Subcode   int             `json:"error_subcode"`
	ErrorData json.RawMessage `json:"error_data"`
}

// challenge is the two-factor payload of an error response.
type challenge struct {
	UID         flexString `json:"uid"`
	MachineID   string     `json:"machine_id"`
	FirstFactor string     `json:"login_first_factor"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

func (r *loginResponse) ok() bool {
	return r.Error == nil && len(r.SessionCookies) > 0 && r.status < 400
}

// challenge returns the two-factor payload, which some responses carry as a JSON-encoded string.
func (r *loginResponse) challenge() *challenge {
	if r.Error == nil || len(r.Error.ErrorData) == 0 {
		return nil
	}
	raw := bytes.TrimSpace(r.Error.ErrorData)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil
		}
		raw = []byte(inner)
	}
	var c challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	if c.UID == "" && c.FirstFactor == "" {
		return nil
	}
	return &c
}

func (r *loginResponse) err() error {
	pe := &ProtocolError{StatusCode: r.status}
	switch {
	case r.Error != nil:
		pe.Code = r.Error.Code
		pe.Subcode = r.Error.Subcode
		pe.Type = r.Error.Type
		pe.Message = r.Error.Message
		pe.err = ErrInvalidCredentials
	case len(r.SessionCookies) == 0:
		pe.err = fmt.Errorf("%w: no session cookies", ErrUnknownProtocol)
	default:
		pe.err = ErrUnknownProtocol
	}
	return pe
}

func (c responseCookie) toCookie(defaultDomain string) session.Cookie {
	domain := c.Domain
	if domain == "" {
		domain = defaultDomain
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	exp, _ := session.ParseExpiryJSON(c.Expires)
	return session.Cookie{
		Key:      c.Name,
		Value:    c.Value,
		Domain:   domain,
		Path:     path,
		Expires:  exp,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
}

const machineIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomMachineID returns 24 characters starting with a letter.
func randomMachineID() string {
	raw := make([]byte, 24)
	_, _ = rand.Read(raw)

	out := make([]byte, len(raw))
	for i, b := range raw {
		if i == 0 {
			out[i] = machineIDAlphabet[int(b)%26]
			continue
		}
		out[i] = machineIDAlphabet[int(b)%len(machineIDAlphabet)]
	}
	return string(out)
}
