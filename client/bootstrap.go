package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"msgrlink/internal/httpx"
	"msgrlink/realtime"
	"msgrlink/safety"
	"msgrlink/session"
)

const maxBootstrapBody = 8 << 20

var (
	endpointRe = regexp.MustCompile(`"endpoint":"([^"]+)"`)
	tokenRes   = []*regexp.Regexp{
		regexp.MustCompile(`DTSGInitialData.*?"token":"(.*?)"`),
		regexp.MustCompile(`"DTSGInitData",\[\],\{"token":"(.*?)"`),
		regexp.MustCompile(`name="fb_dtsg" value="(.*?)"`),
		regexp.MustCompile(`name="dtsg_ag" value="(.*?)"`),
	}
	checkpointMarkers = []string{"/checkpoint/block/?next", "/checkpoint/"}
)

// Bootstrap is what the landing page tells us about the session.
type Bootstrap struct {
	UserID          string
	SecondaryUserID string
	Endpoint        string
	Region          string
	Token           string
}

// ParseBootstrap extracts the acting user from the session cookies and the realtime endpoint,
// region and token from the page. regionOverride wins over the endpoint's region parameter.
func ParseBootstrap(html string, sess session.Session, regionOverride string) (Bootstrap, error) {
	b := Bootstrap{
		UserID:          sess.UserID(),
		SecondaryUserID: sess.Value("i_user"),
	}
	if b.UserID == "" {
		return Bootstrap{}, fmt.Errorf("%w: no user cookie", session.ErrInvalid)
	}
	for _, m := range checkpointMarkers {
		if strings.Contains(html, m) {
			return Bootstrap{}, ErrCheckpoint
		}
	}

	if m := endpointRe.FindStringSubmatch(html); m != nil {
		b.Endpoint = strings.ReplaceAll(m[1], `\/`, "/")
		if u, err := url.Parse(b.Endpoint); err == nil {
			b.Region = strings.ToUpper(u.Query().Get("region"))
		}
	}
	if regionOverride != "" {
		b.Region = strings.ToUpper(regionOverride)
	}
	if b.Region == "" {
		b.Region = realtime.DefaultRegion
	}

	for _, re := range tokenRes {
		if m := re.FindStringSubmatch(html); m != nil && m[1] != "" {
			b.Token = m[1]
			break
		}
	}
	return b, nil
}

// fetchBootstrap loads the bootstrap page with sess and returns the page along with sess
// updated by any cookies the response set.
func fetchBootstrap(ctx context.Context, hc *http.Client, rawURL string, sess session.Session, userAgent, cookieDomain string, now time.Time) (string, session.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", sess, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	safety.ApplyHeaders(req.Header, userAgent, "")
	req.Header.Set("Cookie", sess.CookieHeader())

	res, err := hc.Do(req)
	if err != nil {
		return "", sess, fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	defer res.Body.Close()

	body, err := httpx.ReadLimited(res.Body, maxBootstrapBody)
	if err != nil {
		return "", sess, fmt.Errorf("%w: read: %w", ErrBootstrap, err)
	}
	if res.StatusCode >= 400 {
		return "", sess, fmt.Errorf("%w: status %d", ErrBootstrap, res.StatusCode)
	}

	for _, c := range session.FromHTTPCookies(res.Cookies(), cookieDomain, now) {
		sess = sess.Set(c)
	}
	return string(body), sess, nil
}
