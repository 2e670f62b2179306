package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"msgrlink/auth"
	"msgrlink/internal/httpx"
	"msgrlink/safety"
	"msgrlink/session"
)

// LoginRequest carries either a session (exported cookies) or credentials. A session wins;
// without one, a valid stored session is reused before the credentials are tried.
type LoginRequest struct {
	Session session.Session

	Username        string
	Password        string
	TwoFactor       string
	SecondaryUserID string
}

func (r LoginRequest) hasCredentials() bool {
	return r.Username != "" || r.Password != ""
}

// Login obtains a validated session, reads the bootstrap page, and opens the realtime
// channel. Failures before the channel is up are returned as *LoginError.
func Login(ctx context.Context, req LoginRequest, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	store, err := opts.store()
	if err != nil {
		return nil, &LoginError{Stage: "config", Err: err}
	}
	hc, err := httpx.NewClient(httpx.Options{Proxy: opts.Proxy})
	if err != nil {
		return nil, &LoginError{Stage: "config", Err: err}
	}

	sess, source, err := acquireSession(ctx, req, opts, store, hc)
	if err != nil {
		return nil, err
	}

	now := opts.Clock.Now()
	if v := safety.ValidateLogin(sess, now); !v.Safe {
		return nil, &LoginError{Stage: "validate", Err: fmt.Errorf("%w: %s", session.ErrInvalid, v.Reason)}
	}
	if err := session.ValidateEssential(sess, now, opts.SessionGrace); err != nil {
		return nil, &LoginError{Stage: "validate", Err: err}
	}
	log.Info("client.session.ready", "source", source, "user_id", sess.UserID(), "cookies", len(sess))

	ua := opts.userAgent()
	boot := Bootstrap{}
	if opts.BootstrapURL != "" {
		html, updated, err := fetchBootstrap(ctx, hc, opts.BootstrapURL, sess, ua, opts.CookieDomain, opts.Clock.Now())
		if err != nil {
			return nil, &LoginError{Stage: "bootstrap", Err: err}
		}
		if err := session.ValidateEssential(updated, opts.Clock.Now(), opts.SessionGrace); err != nil {
			return nil, &LoginError{Stage: "bootstrap", Err: err}
		}
		sess = updated
		if boot, err = ParseBootstrap(html, sess, opts.Region); err != nil {
			return nil, &LoginError{Stage: "bootstrap", Err: err}
		}
		if boot.Token == "" {
			log.Warn("client.bootstrap.no_token", "user_id", boot.UserID)
		}
	} else if boot, err = ParseBootstrap("", sess, opts.Region); err != nil {
		return nil, &LoginError{Stage: "bootstrap", Err: err}
	}

	h, err := newHandle(opts, hc, store, sess, boot, ua)
	if err != nil {
		return nil, &LoginError{Stage: "config", Err: err}
	}
	if err := h.start(ctx); err != nil {
		h.Stop()
		return nil, &LoginError{Stage: "connect", Err: err}
	}
	log.Info("client.login.ok", "user_id", boot.UserID, "region", boot.Region, "session_id", h.mgr.SessionID())
	return h, nil
}

func acquireSession(ctx context.Context, req LoginRequest, opts Options, store session.Store, hc *http.Client) (session.Session, string, error) {
	log := opts.Logger
	now := opts.Clock.Now()

	if len(req.Session) > 0 {
		sess := req.Session.Clone()
		if req.SecondaryUserID != "" {
			sess = sess.Set(session.Cookie{Key: "i_user", Value: req.SecondaryUserID, Domain: opts.CookieDomain, Path: "/"})
		}
		sess, extended := session.FixExpiry(sess, session.DefaultExpiryOptions(), now)
		if len(extended) > 0 {
			log.Info("client.session.expiry_extended", "cookies", extended)
		}
		if store != nil {
			if err := store.Save(ctx, sess, session.Metadata{Created: now, Source: session.SourceImport}); err != nil {
				log.Warn("client.session.save_failed", "err", err)
			}
		}
		return sess, session.SourceImport, nil
	}

	if store != nil {
		sess, err := store.Load(ctx)
		switch {
		case err == nil:
			verr := session.ValidateEssential(sess, now, opts.SessionGrace)
			if verr == nil {
				return sess, "stored", nil
			}
			if !req.hasCredentials() {
				return nil, "", &LoginError{Stage: "session", Err: verr}
			}
			log.Info("client.session.stored_invalid", "err", verr)
		case errors.Is(err, session.ErrNotFound):
		default:
			log.Warn("client.session.load_failed", "err", err)
		}
	}

	if !req.hasCredentials() {
		return nil, "", &LoginError{Stage: "session", Err: ErrNoCredentials}
	}

	a, err := newAuthenticator(opts, store, hc, guardFor(opts, req.Username))
	if err != nil {
		return nil, "", &LoginError{Stage: "config", Err: err}
	}
	res := a.Authenticate(ctx, auth.Credentials{
		Username:        req.Username,
		Password:        req.Password,
		TwoFactor:       req.TwoFactor,
		SecondaryUserID: req.SecondaryUserID,
	})
	if !res.Success {
		return nil, "", &LoginError{Stage: "authenticate", Result: res, Err: res.Err}
	}
	return res.Session, res.Method, nil
}

// loginGuards holds one attempt guard per account for the life of the process.
var loginGuards sync.Map

func guardFor(opts Options, username string) *auth.AttemptGuard {
	if opts.LoginGuard != nil {
		return opts.LoginGuard
	}
	g, _ := loginGuards.LoadOrStore(strings.ToLower(strings.TrimSpace(username)), &auth.AttemptGuard{})
	return g.(*auth.AttemptGuard)
}

func newAuthenticator(opts Options, store session.Store, hc *http.Client, guard *auth.AttemptGuard) (*auth.Authenticator, error) {
	signer, err := auth.NewSigner(opts.SigningMode, opts.SigningKey)
	if err != nil {
		return nil, err
	}
	cfg := auth.DefaultConfig()
	cfg.LoginURL = opts.LoginURL
	cfg.APIKey = opts.APIKey
	cfg.AccessToken = opts.AccessToken
	cfg.Signer = signer
	cfg.TokenExchangeURL = opts.TokenExchangeURL
	cfg.CookieDomain = opts.CookieDomain
	cfg.HTTPClient = hc
	cfg.Store = store
	cfg.Devices = auth.NewDeviceStore(opts.DevicePath)
	cfg.Guard = guard
	cfg.Clock = opts.Clock
	cfg.Logger = opts.Logger
	return auth.NewAuthenticator(cfg)
}
