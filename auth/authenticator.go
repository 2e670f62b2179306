package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"msgrlink/internal/clock"
	"msgrlink/internal/httpx"
	"msgrlink/session"
)

const maxLoginResponse = 1 << 20

// Methods reported in Result.Method.
const (
	MethodCredentials = "credentials"
	MethodTwoFactor   = "two_factor"
)

// Credentials are the inputs of one attempt. TwoFactor holds either a literal code or a TOTP secret.
type Credentials struct {
	Username        string
	Password        string
	TwoFactor       string
	SecondaryUserID string
}

// Result is the outcome of Authenticate. Err is nil exactly when Success is true.
type Result struct {
	Success        bool
	Message        string
	Session        session.Session
	UserID         string
	AccessToken    string
	SecondaryToken string
	Method         string
	Device         DeviceProfile
	Err            error
}

// Authenticator runs credential logins. It is safe for concurrent use; attempts are serialized
// by the rate guard.
type Authenticator struct {
	cfg   Config
	log   *slog.Logger
	clk   clock.Clock
	guard *AttemptGuard
}

// NewAuthenticator validates cfg and fills collaborators that were left nil.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if strings.TrimSpace(cfg.LoginURL) == "" {
		return nil, fmt.Errorf("%w: login url is required", ErrConfig)
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("%w: signer is required", ErrConfig)
	}
	if cfg.HTTPClient == nil {
		c, err := httpx.NewClient(httpx.Options{})
		if err != nil {
			return nil, err
		}
		cfg.HTTPClient = c
	}
	if cfg.Devices == nil {
		cfg.Devices = NewDeviceStore("")
	}
	if cfg.CookieDomain == "" {
		cfg.CookieDomain = DefaultConfig().CookieDomain
	}
	a := &Authenticator{cfg: cfg, log: cfg.Logger, clk: cfg.Clock, guard: cfg.Guard}
	if a.guard == nil {
		a.guard = &AttemptGuard{}
	}
	if a.log == nil {
		a.log = slog.New(slog.DiscardHandler)
	}
	if a.clk == nil {
		a.clk = clock.Real()
	}
	return a, nil
}

func (a *Authenticator) phase(p Phase) {
	a.log.Debug("auth.phase", "phase", p.String())
	if a.cfg.Observer != nil {
		a.cfg.Observer(p)
	}
}

func (a *Authenticator) fail(msg string, err error) Result {
	a.phase(PhaseFailed)
	a.log.Warn("auth.login.failed", "message", msg, "err", err)
	return Result{Message: msg, Err: err}
}

// Authenticate runs one attempt. It never returns a nil Err on failure.
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) Result {
	a.phase(PhaseIdle)

	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return a.fail("Username and password are required.", ErrInvalidCredentials)
	}

	if err := a.waitTurn(ctx); err != nil {
		return a.fail("Login attempt cancelled.", err)
	}

	device, created, err := a.cfg.Devices.LoadOrCreate(a.cfg.RotateDevice)
	if err != nil {
		return a.fail("Could not prepare device profile.", fmt.Errorf("device profile: %w", err))
	}
	if created {
		a.log.Info("auth.device.created", "model", device.Device.Model)
	}

	machineID := randomMachineID()
	form := a.baseForm(creds, device, machineID)

	a.phase(PhaseSubmitting)
	resp, err := a.submit(ctx, form, device)
	if err != nil {
		return a.fail("Login failed. Network error, try again.", err)
	}
	if resp.ok() {
		return a.succeed(ctx, creds, device, resp, MethodCredentials)
	}

	challenge := resp.challenge()
	if challenge == nil {
		return a.fail("Login failed. Check credentials and try again.", resp.err())
	}

	a.phase(PhaseTwoFactorRequired)
	if strings.TrimSpace(creds.TwoFactor) == "" || creds.TwoFactor == "0" {
		return a.fail("Two-factor authentication required. Please provide 2FA secret or code.", ErrTwoFactorRequired)
	}

	code, err := TwoFactorCode(creds.TwoFactor, a.clk.Now())
	if err != nil {
		return a.fail("Invalid 2FA secret key format.", err)
	}

	form.Set("twofactor_code", code)
	form.Set("encrypted_msisdn", "")
	form.Set("userid", challenge.UID.String())
	if mid := challenge.MachineID; mid != "" {
		form.Set("machine_id", mid)
	}
	form.Set("first_factor", challenge.FirstFactor)
	form.Set("credentials_type", "two_factor")

	a.phase(PhaseSubmittingTwoFactor)
	resp, err = a.submit(ctx, form, device)
	if err != nil {
		return a.fail("2FA verification failed. Network error, try again.", err)
	}
	if !resp.ok() {
		return a.fail("2FA verification failed. Check your code and try again.", fmt.Errorf("%w: %w", ErrTwoFactorFailed, resp.err()))
	}
	return a.succeed(ctx, creds, device, resp, MethodTwoFactor)
}

func (a *Authenticator) waitTurn(ctx context.Context) error {
	return a.guard.Wait(ctx, a.clk, a.cfg.MinAttemptInterval, a.log)
}

func (a *Authenticator) baseForm(creds Credentials, device DeviceProfile, machineID string) url.Values {
	f := url.Values{}
	f.Set("adid", uuid.NewString())
	f.Set("email", creds.Username)
	f.Set("password", creds.Password)
	f.Set("format", "json")
	f.Set("device_id", device.DeviceID)
	f.Set("family_device_id", device.FamilyDeviceID)
	f.Set("cpl", "true")
	f.Set("locale", a.cfg.Locale)
	f.Set("client_country_code", a.cfg.CountryCode)
	f.Set("credentials_type", "device_based_login_password")
	f.Set("generate_session_cookies", "1")
	f.Set("generate_analytics_claim", "1")
	f.Set("generate_machine_id", "1")
	f.Set("currently_logged_in_userid", "0")
	f.Set("try_num", "1")
	f.Set("source", "login")
	f.Set("machine_id", machineID)
	f.Set("fb_api_req_friendly_name", "authenticate")
	f.Set("advertiser_id", uuid.NewString())
	f.Set("device_platform", "android")
	f.Set("app_version", a.cfg.AppVersion)
	f.Set("network_type", "WIFI")
	if a.cfg.APIKey != "" {
		f.Set("api_key", a.cfg.APIKey)
	}
	if a.cfg.AccessToken != "" {
		f.Set("access_token", a.cfg.AccessToken)
	}
	return f
}

func (a *Authenticator) submit(ctx context.Context, form url.Values, device DeviceProfile) (*loginResponse, error) {
	form.Del("sig")
	form.Set("sig", a.cfg.Signer.Sign(form))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.LoginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", device.UserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("X-FB-Friendly-Name", form.Get("fb_api_req_friendly_name"))
	req.Header.Set("X-FB-Connection-Type", "WIFI")
	if a.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "OAuth "+a.cfg.AccessToken)
	}

	res, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer func() { _ = res.Body.Close() }()

	body, err := httpx.ReadLimited(res.Body, maxLoginResponse)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, &ProtocolError{StatusCode: res.StatusCode, err: fmt.Errorf("%w: %v", ErrUnknownProtocol, err)}
	}
	lr.status = res.StatusCode
	return &lr, nil
}

func (a *Authenticator) succeed(ctx context.Context, creds Credentials, device DeviceProfile, resp *loginResponse, method string) Result {
	now := a.clk.Now()

	sess := make(session.Session, 0, len(resp.SessionCookies)+1)
	for _, c := range resp.SessionCookies {
		sess = sess.Set(c.toCookie(a.cfg.CookieDomain))
	}
	if creds.SecondaryUserID != "" {
		sess = sess.Set(session.Cookie{Key: "i_user", Value: creds.SecondaryUserID, Domain: a.cfg.CookieDomain, Path: "/"})
	}

	sess, extended := session.FixExpiry(sess, a.cfg.Expiry, now)
	if len(extended) > 0 {
		a.log.Info("auth.session.expiry_extended", "cookies", extended)
	}

	if err := session.ValidateEssential(sess, now, 0); err != nil {
		return a.fail("Login response did not contain a usable session.", fmt.Errorf("%w: %w", ErrUnknownProtocol, err))
	}

	if a.cfg.Store != nil {
		source := session.SourceCredentials
		if method == MethodTwoFactor {
			source = session.SourceTwoFactor
		}
		if err := a.cfg.Store.Save(ctx, sess, session.Metadata{Created: now, Source: source}); err != nil {
			// The login itself succeeded; persisting is best effort.
			a.log.Warn("auth.session.save_failed", "err", err)
		}
	}

	res := Result{
		Success:     true,
		Message:     "Login successful.",
		Session:     sess,
		UserID:      sess.UserID(),
		AccessToken: resp.AccessToken,
		Method:      method,
		Device:      device,
	}
	if method == MethodTwoFactor {
		res.Message = "2FA login successful."
	}

	if a.cfg.TokenExchangeURL != "" && resp.AccessToken != "" {
		tok, err := a.exchangeToken(ctx, resp.AccessToken, device)
		if err != nil {
			a.log.Warn("auth.token_exchange.failed", "err", err)
		} else {
			res.SecondaryToken = tok
		}
	}

	a.phase(PhaseSuccess)
	a.log.Info("auth.login.ok", "user_id", res.UserID, "method", method, "model", device.Device.Model)
	return res
}

func (a *Authenticator) exchangeToken(ctx context.Context, accessToken string, device DeviceProfile) (string, error) {
	u, err := url.Parse(a.cfg.TokenExchangeURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("format", "json")
	q.Set("access_token", accessToken)
	if a.cfg.TokenExchangeAppID != "" {
		q.Set("new_app_id", a.cfg.TokenExchangeAppID)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", device.UserAgent)
	req.Header.Set("Authorization", "OAuth "+accessToken)

	res, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer func() { _ = res.Body.Close() }()

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxLoginResponse)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownProtocol, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access_token (status %d)", ErrUnknownProtocol, res.StatusCode)
	}
	return out.AccessToken, nil
}

// IsTwoFactor reports whether r failed for lack of a usable second factor.
func (r Result) IsTwoFactor() bool {
	return errors.Is(r.Err, ErrTwoFactorRequired) || errors.Is(r.Err, ErrInvalidTwoFactorSecret) || errors.Is(r.Err, ErrTwoFactorFailed)
}
