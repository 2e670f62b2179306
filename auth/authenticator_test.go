package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgrlink/errs"
	"msgrlink/internal/clock"
	"msgrlink/session"
)

const (
	testSecret     = "JBSWY3DPEHPK3PXP"
	testSigningKey = "test-signing-key"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeLogin struct {
	signer Signer
	now    time.Time

	mu       sync.Mutex
	requests []map[string]string
}

func (f *fakeLogin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := r.PostForm

	f.mu.Lock()
	snap := map[string]string{}
	for k := range form {
		snap[k] = form.Get(k)
	}
	f.requests = append(f.requests, snap)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if !Verify(f.signer, form) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "bad signature", "code": 104}})
		return
	}

	if form.Get("credentials_type") == "two_factor" {
		want, err := totp.GenerateCode(testSecret, f.now)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if form.Get("userid") != "100" || form.Get("first_factor") != "ff-token" || form.Get("machine_id") != "server-mid" || form.Get("twofactor_code") != want {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "wrong code", "code": 401}})
			return
		}
		writeSuccess(w)
		return
	}

	if form.Get("password") != "pw" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "Invalid username or password", "code": 401, "type": "OAuthException"}})
		return
	}

	if form.Get("email") == "2fa@example.com" {
		data, _ := json.Marshal(map[string]any{"uid": 100, "machine_id": "server-mid", "login_first_factor": "ff-token"})
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{
			"message":    "Login approvals required",
			"code":       406,
			"error_data": string(data),
		}})
		return
	}

	writeSuccess(w)
}

func (f *fakeLogin) last() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "user-token",
		"uid":          100,
		"session_cookies": []map[string]any{
			{"name": "c_user", "value": "100", "domain": ".example.com", "path": "/", "expires": "Sun, 01 Jun 2025 13:00:00 GMT"},
			{"name": "xs", "value": "secret", "domain": ".example.com", "path": "/", "httponly": true, "secure": true},
			{"name": "fr", "value": "f", "domain": ".example.com"},
			{"name": "datr", "value": "d", "domain": ".example.com"},
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type harness struct {
	auth  *Authenticator
	login *fakeLogin
	store *session.FileStore
	clk   *clock.FakeClock
	srv   *httptest.Server
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	clk := clock.NewFake(testNow)
	signer := HMACSigner{Key: []byte(testSigningKey)}
	login := &fakeLogin{signer: signer, now: testNow}

	mux := http.NewServeMux()
	mux.Handle("/auth/login", login)
	mux.HandleFunc("/auth/exchange", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("access_token") != "user-token" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "secondary-token"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store, err := session.NewFileStore(filepath.Join(dir, "appstate.json"), "", session.DefaultBackupPolicy())
	require.NoError(t, err)
	store.Now = clk.Now

	cfg := DefaultConfig()
	cfg.LoginURL = srv.URL + "/auth/login"
	cfg.Signer = signer
	cfg.APIKey = "api-key"
	cfg.MinAttemptInterval = 0
	cfg.CookieDomain = ".example.com"
	cfg.HTTPClient = srv.Client()
	cfg.Store = store
	cfg.Devices = NewDeviceStore(filepath.Join(dir, "device.json"))
	cfg.Clock = clk
	if mutate != nil {
		mutate(&cfg)
	}

	a, err := NewAuthenticator(cfg)
	require.NoError(t, err)
	return &harness{auth: a, login: login, store: store, clk: clk, srv: srv}
}

func TestAuthenticate_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.auth.Authenticate(context.Background(), Credentials{Username: "user@example.com", Password: "pw", SecondaryUserID: "200"})

	require.True(t, res.Success, res.Message)
	require.NoError(t, res.Err)
	assert.Equal(t, MethodCredentials, res.Method)
	assert.Equal(t, "200", res.UserID)
	assert.Equal(t, "user-token", res.AccessToken)
	assert.True(t, res.Device.Valid())

	// The one-hour c_user expiry from the server is pushed out.
	cu, ok := res.Session.Get("c_user")
	require.True(t, ok)
	assert.True(t, cu.Expires.After(testNow.Add(80*24*time.Hour)))

	xs, _ := res.Session.Get("xs")
	assert.True(t, xs.HTTPOnly)
	assert.True(t, xs.Secure)

	saved, err := h.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Session, saved)

	last := h.login.last()
	assert.Equal(t, "device_based_login_password", last["credentials_type"])
	assert.Equal(t, "api-key", last["api_key"])
	assert.Equal(t, res.Device.DeviceID, last["device_id"])
}

func TestAuthenticate_TOTPSuccess(t *testing.T) {
	t.Parallel()

	var phases []Phase
	h := newHarness(t, func(c *Config) { c.Observer = func(p Phase) { phases = append(phases, p) } })

	res := h.auth.Authenticate(context.Background(), Credentials{Username: "2fa@example.com", Password: "pw", TwoFactor: "jbsw y3dp ehpk 3pxp"})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, MethodTwoFactor, res.Method)
	assert.Equal(t, "100", res.UserID)

	assert.Equal(t, []Phase{PhaseIdle, PhaseSubmitting, PhaseTwoFactorRequired, PhaseSubmittingTwoFactor, PhaseSuccess}, phases)

	backups, err := h.store.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	_, md, err := session.LoadBackup(backups[0])
	require.NoError(t, err)
	assert.Equal(t, session.SourceTwoFactor, md.Source)
}

func TestAuthenticate_LiteralTwoFactorCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	code, err := totp.GenerateCode(testSecret, testNow)
	require.NoError(t, err)

	res := h.auth.Authenticate(context.Background(), Credentials{Username: "2fa@example.com", Password: "pw", TwoFactor: code})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, code, h.login.last()["twofactor_code"])
}

func TestAuthenticate_WrongTwoFactor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.auth.Authenticate(context.Background(), Credentials{Username: "2fa@example.com", Password: "pw", TwoFactor: "000000"})

	require.False(t, res.Success)
	assert.Regexp(t, `2FA`, res.Message)
	require.ErrorIs(t, res.Err, ErrTwoFactorFailed)
	require.ErrorIs(t, res.Err, errs.ErrAuthentication)
	assert.True(t, res.IsTwoFactor())

	_, err := h.store.Load(context.Background())
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestAuthenticate_TwoFactorRequired(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.auth.Authenticate(context.Background(), Credentials{Username: "2fa@example.com", Password: "pw"})

	require.False(t, res.Success)
	assert.Regexp(t, `2FA`, res.Message)
	require.ErrorIs(t, res.Err, ErrTwoFactorRequired)
}

func TestAuthenticate_InvalidSecret(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.auth.Authenticate(context.Background(), Credentials{Username: "2fa@example.com", Password: "pw", TwoFactor: "not-base32!!"})

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrInvalidTwoFactorSecret)
	assert.Regexp(t, `2FA`, res.Message)
}

func TestAuthenticate_InvalidCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.auth.Authenticate(context.Background(), Credentials{Username: "user@example.com", Password: "nope"})

	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrInvalidCredentials)
	require.ErrorIs(t, res.Err, errs.ErrAuthentication)

	var pe *ProtocolError
	require.True(t, errors.As(res.Err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, 401, pe.Code)
}

func TestAuthenticate_EmptyCredentials(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	res := h.auth.Authenticate(context.Background(), Credentials{})
	require.ErrorIs(t, res.Err, ErrInvalidCredentials)
}

func TestAuthenticate_NetworkError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.srv.Close()

	res := h.auth.Authenticate(context.Background(), Credentials{Username: "user@example.com", Password: "pw"})
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrNetwork)
	require.ErrorIs(t, res.Err, errs.ErrTransport)
}

func TestAuthenticate_UnknownProtocol(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	h := newHarness(t, func(c *Config) { c.LoginURL = srv.URL })
	res := h.auth.Authenticate(context.Background(), Credentials{Username: "user@example.com", Password: "pw"})
	require.ErrorIs(t, res.Err, ErrUnknownProtocol)
	require.ErrorIs(t, res.Err, errs.ErrProtocol)
}

func TestAuthenticate_RateGuardWaits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.MinAttemptInterval = 30 * time.Second })
	ctx := context.Background()
	creds := Credentials{Username: "user@example.com", Password: "pw"}

	require.True(t, h.auth.Authenticate(ctx, creds).Success)

	done := make(chan Result, 1)
	go func() { done <- h.auth.Authenticate(ctx, creds) }()

	h.clk.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("second attempt should wait for the rate guard")
	default:
	}

	h.clk.Advance(30 * time.Second)
	res := <-done
	require.True(t, res.Success, res.Message)
}

func TestAuthenticate_RateGuardHonoursContext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.MinAttemptInterval = 30 * time.Second })
	creds := Credentials{Username: "user@example.com", Password: "pw"}
	require.True(t, h.auth.Authenticate(context.Background(), creds).Success)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := h.auth.Authenticate(ctx, creds)
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestAuthenticate_SharedGuardSpansAuthenticators(t *testing.T) {
	t.Parallel()

	guard := &AttemptGuard{}
	h := newHarness(t, func(c *Config) {
		c.MinAttemptInterval = 30 * time.Second
		c.Guard = guard
	})
	creds := Credentials{Username: "user@example.com", Password: "pw"}
	require.True(t, h.auth.Authenticate(context.Background(), creds).Success)
	assert.Equal(t, testNow, guard.Last())

	second, err := NewAuthenticator(h.auth.cfg)
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- second.Authenticate(context.Background(), creds) }()

	h.clk.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("a fresh authenticator sharing the guard should wait")
	default:
	}
	h.clk.Advance(30 * time.Second)
	require.True(t, (<-done).Success)
	assert.Equal(t, testNow.Add(30*time.Second), guard.Last())
}

func TestAuthenticate_TokenExchange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.auth.cfg.TokenExchangeURL = h.srv.URL + "/auth/exchange"

	res := h.auth.Authenticate(context.Background(), Credentials{Username: "user@example.com", Password: "pw"})
	require.True(t, res.Success)
	assert.Equal(t, "secondary-token", res.SecondaryToken)
}

func TestAuthenticate_TokenExchangeFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.auth.cfg.TokenExchangeURL = h.srv.URL + "/missing"

	res := h.auth.Authenticate(context.Background(), Credentials{Username: "user@example.com", Password: "pw"})
	require.True(t, res.Success)
	assert.Empty(t, res.SecondaryToken)
}

func TestNewAuthenticator_RequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewAuthenticator(Config{})
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewAuthenticator(Config{LoginURL: "http://x"})
	require.ErrorIs(t, err, ErrConfig)
}
