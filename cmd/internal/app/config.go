package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"msgrlink/client"
	"msgrlink/realtime"
	"msgrlink/session"
)

// EnvPrefix is prepended to every variable Config reads.
const EnvPrefix = "MSGRLINK_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"127.0.0.1:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`

	// Session persistence. DatabaseURL wins over RedisURL, which wins over SessionPath.
	SessionPath  string        `env:"SESSION_PATH" envDefault:"session.json"`
	BackupDir    string        `env:"BACKUP_DIR"`
	BackupMax    int           `env:"BACKUP_MAX" envDefault:"10"`
	BackupMaxAge time.Duration `env:"BACKUP_MAX_AGE" envDefault:"720h"`
	DevicePath   string        `env:"DEVICE_PATH" envDefault:"device.json"`
	AppStatePath string        `env:"APPSTATE_PATH"`
	// SessionPassphrase seals the session file and its backups. File store only.
	SessionPassphrase string `env:"SESSION_PASSPHRASE"`
	SessionAccount    string `env:"SESSION_ACCOUNT" envDefault:"default"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int32  `env:"DB_MAX_CONNS" envDefault:"4"`
	DBMinConns  int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"msgrlink:session"`

	Username        string `env:"USERNAME"`
	Password        string `env:"PASSWORD"`
	TwoFactorSecret string `env:"TWO_FACTOR_SECRET"`
	SecondaryUserID string `env:"SECONDARY_USER_ID"`

	// Platform endpoints and signing material. None of these have built-in values.
	LoginURL         string `env:"LOGIN_URL"`
	BootstrapURL     string `env:"BOOTSTRAP_URL"`
	TokenExchangeURL string `env:"TOKEN_EXCHANGE_URL"`
	Endpoint         string `env:"ENDPOINT"`
	Origin           string `env:"ORIGIN"`
	CookieDomain     string `env:"COOKIE_DOMAIN" envDefault:".facebook.com"`
	Region           string `env:"REGION"`
	SigningMode      string `env:"SIGNING_MODE" envDefault:"hmac-sha256"`
	SigningKey       string `env:"SIGNING_KEY"`
	APIKey           string `env:"API_KEY"`
	Proxy            string `env:"PROXY"`

	AutoReconnect            bool          `env:"AUTO_RECONNECT" envDefault:"true"`
	MaxReconnectAttempts     int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"0"`
	MaxPendingPerDestination int           `env:"MAX_PENDING_PER_DESTINATION" envDefault:"100"`
	RefreshIntervalBase      time.Duration `env:"REFRESH_INTERVAL" envDefault:"45m"`
	ConnectTimeout           time.Duration `env:"CONNECT_TIMEOUT" envDefault:"20s"`
	SessionGrace             time.Duration `env:"SESSION_GRACE" envDefault:"24h"`
	UltraSafe                bool          `env:"ULTRA_SAFE" envDefault:"false"`
	RandomUserAgent          bool          `env:"RANDOM_USER_AGENT" envDefault:"false"`
	UserAgent                string        `env:"USER_AGENT"`
	AutoTyping               bool          `env:"AUTO_TYPING" envDefault:"true"`

	// If true, /readyz returns 503 unless the realtime channel is connected.
	ReadinessRequireConnected bool `env:"READINESS_REQUIRE_CONNECTED" envDefault:"true"`
}

// LoadConfig reads the given .env files (or ./.env when none are named) into the process
// environment, then parses Config from MSGRLINK_* variables.
// Variables already present in the environment are not overridden by the files.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}

	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: EnvPrefix})
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) hasCredentials() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

func (c Config) backupPolicy() session.BackupPolicy {
	return session.BackupPolicy{MaxBackups: c.BackupMax, BackupMaxAge: c.BackupMaxAge}
}

// ClientOptions maps the runtime config onto client.Options. store may be nil.
func (c Config) ClientOptions(log *slog.Logger, store session.Store) client.Options {
	opts := client.DefaultOptions()
	opts.AutoReconnect = c.AutoReconnect
	opts.MaxReconnectAttempts = c.MaxReconnectAttempts
	opts.MaxPendingPerDestination = c.MaxPendingPerDestination
	opts.RefreshIntervalBase = c.RefreshIntervalBase
	opts.UltraSafeMode = c.UltraSafe
	opts.Proxy = c.Proxy
	opts.RandomUserAgent = c.RandomUserAgent
	opts.UserAgent = c.UserAgent
	opts.AutoTyping = c.AutoTyping
	opts.Region = c.Region

	opts.Store = store
	if store == nil {
		opts.SessionPath = c.SessionPath
	}
	opts.BackupDir = c.BackupDir
	opts.DevicePath = c.DevicePath
	opts.Backups = c.backupPolicy()

	opts.LoginURL = c.LoginURL
	opts.BootstrapURL = c.BootstrapURL
	opts.TokenExchangeURL = c.TokenExchangeURL
	opts.DefaultEndpoint = c.Endpoint
	opts.Origin = c.Origin
	if c.CookieDomain != "" {
		opts.CookieDomain = c.CookieDomain
	}
	opts.SigningMode = c.SigningMode
	if c.SigningKey != "" {
		opts.SigningKey = []byte(c.SigningKey)
	}
	opts.APIKey = c.APIKey
	if c.SessionGrace > 0 {
		opts.SessionGrace = c.SessionGrace
	}
	opts.Realtime = realtime.Config{ConnectTimeout: c.ConnectTimeout}
	opts.Logger = log
	return opts
}

// LoginRequest builds the login request: an imported cookie file when AppStatePath is set,
// plus credentials when present.
func (c Config) LoginRequest() (client.LoginRequest, error) {
	req := client.LoginRequest{
		Username:        strings.TrimSpace(c.Username),
		Password:        c.Password,
		TwoFactor:       c.TwoFactorSecret,
		SecondaryUserID: c.SecondaryUserID,
	}
	if c.AppStatePath == "" {
		return req, nil
	}
	b, err := os.ReadFile(c.AppStatePath)
	if err != nil {
		return client.LoginRequest{}, fmt.Errorf("read appstate: %w", err)
	}
	sess, err := session.Parse(b)
	if err != nil {
		return client.LoginRequest{}, fmt.Errorf("parse appstate %s: %w", c.AppStatePath, err)
	}
	req.Session = sess
	return req, nil
}
