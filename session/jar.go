package session

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPCookies converts s into net/http cookies.
func (s Session) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(s))
	for _, c := range s {
		out = append(out, &http.Cookie{
			Name:     c.Key,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out
}

// FromHTTPCookies builds a session from response or jar cookies. Cookies without a domain
// get defaultDomain. Max-Age counts from now; a negative Max-Age marks the cookie expired.
func FromHTTPCookies(cookies []*http.Cookie, defaultDomain string, now time.Time) Session {
	out := make(Session, 0, len(cookies))
	for _, hc := range cookies {
		if hc == nil || hc.Name == "" {
			continue
		}
		domain := hc.Domain
		if domain == "" {
			domain = defaultDomain
		}
		path := hc.Path
		if path == "" {
			path = "/"
		}
		exp := hc.Expires
		switch {
		case hc.MaxAge < 0:
			exp = time.Unix(0, 0)
		case hc.MaxAge > 0:
			exp = now.Add(time.Duration(hc.MaxAge) * time.Second)
		}
		out = out.Set(Cookie{
			Key:      hc.Name,
			Value:    hc.Value,
			Domain:   domain,
			Path:     path,
			Expires:  exp.UTC(),
			HTTPOnly: hc.HttpOnly,
			Secure:   hc.Secure,
		})
	}
	return out
}

// LoadJar installs every cookie of s into jar, keyed by its own domain.
func (s Session) LoadJar(jar http.CookieJar, scheme string) {
	if scheme == "" {
		scheme = "https"
	}
	byHost := map[string][]*http.Cookie{}
	var order []string
	for _, hc := range s.HTTPCookies() {
		host := strings.TrimPrefix(hc.Domain, ".")
		if host == "" {
			continue
		}
		if _, ok := byHost[host]; !ok {
			order = append(order, host)
		}
		byHost[host] = append(byHost[host], hc)
	}
	for _, host := range order {
		jar.SetCookies(&url.URL{Scheme: scheme, Host: host, Path: "/"}, byHost[host])
	}
}

// CookieHeader renders s as a Cookie request header value.
func (s Session) CookieHeader() string {
	var b strings.Builder
	for i, c := range s {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(c.Key)
		b.WriteByte('=')
		b.WriteString(c.Value)
	}
	return b.String()
}
