// Package config loads the server configuration file and parses client
// flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/burrowhq/burrow/internal/netutil"
)

// Token is one entry of the static token table.  MaxTunnels bounds live
// tunnels per token; 0 means unlimited.
type Token struct {
	Admin      bool `mapstructure:"admin"`
	MaxTunnels int  `mapstructure:"max_tunnels"`
}

type ServerSection struct {
	Domain      string `mapstructure:"domain"`
	HTTPPort    int    `mapstructure:"http_port"`
	HTTPSPort   int    `mapstructure:"https_port"`
	ControlPath string `mapstructure:"control_path"`
}

type Limits struct {
	RequestTimeoutSecs    int   `mapstructure:"request_timeout_secs"`
	MaxRequestBodyBytes   int64 `mapstructure:"max_request_body_bytes"`
	IdleTunnelTimeoutSecs int   `mapstructure:"idle_tunnel_timeout_secs"`
}

// HTTPSConfig enables TLS when present.  Directory defaults to the
// Let's Encrypt production URL; Staging is a convenience alias for its
// staging directory; CAFile extends trust roots for test directories.
type HTTPSConfig struct {
	Email     string `mapstructure:"email"`
	CertsDir  string `mapstructure:"certs_dir"`
	Directory string `mapstructure:"directory"`
	Staging   bool   `mapstructure:"staging"`
	CAFile    string `mapstructure:"ca_file"`
}

type Config struct {
	Server ServerSection    `mapstructure:"server"`
	Tokens map[string]Token `mapstructure:"tokens"`
	Limits Limits           `mapstructure:"limits"`
	HTTPS  *HTTPSConfig     `mapstructure:"https"`
}

const (
	defaultHTTPPort       = 80
	defaultHTTPSPort      = 443
	defaultControlPath    = "/_tunnel/connect"
	defaultRequestTimeout = 30
	defaultMaxBody        = 10 * 1024 * 1024
	defaultIdleTimeout    = 3600
	defaultACMEDirectory  = "https://acme-v02.api.letsencrypt.org/directory"
	defaultCertsDir       = "/var/lib/burrow/certs"
)

// envBindings is the fixed file-key → environment-variable mapping.
// Environment values are applied after file load.
var envBindings = map[string]string{
	"server.domain":                   "BURROW_DOMAIN",
	"server.http_port":                "BURROW_HTTP_PORT",
	"server.https_port":               "BURROW_HTTPS_PORT",
	"server.control_path":             "BURROW_CONTROL_PATH",
	"limits.request_timeout_secs":     "BURROW_REQUEST_TIMEOUT_SECS",
	"limits.max_request_body_bytes":   "BURROW_MAX_REQUEST_BODY_BYTES",
	"limits.idle_tunnel_timeout_secs": "BURROW_IDLE_TUNNEL_TIMEOUT_SECS",
	"https.email":                     "BURROW_HTTPS_EMAIL",
	"https.certs_dir":                 "BURROW_HTTPS_CERTS_DIR",
	"https.directory":                 "BURROW_HTTPS_DIRECTORY",
	"https.staging":                   "BURROW_HTTPS_STAGING",
	"https.ca_file":                   "BURROW_HTTPS_CA_FILE",
}

// Load reads the server configuration from path.  Both `[https]` and the
// legacy `[acme]` spelling are accepted; `[https]` wins on conflict.
func Load(path string, logger *slog.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("server.http_port", defaultHTTPPort)
	v.SetDefault("server.https_port", defaultHTTPSPort)
	v.SetDefault("server.control_path", defaultControlPath)
	v.SetDefault("limits.request_timeout_secs", defaultRequestTimeout)
	v.SetDefault("limits.max_request_body_bytes", defaultMaxBody)
	v.SetDefault("limits.idle_tunnel_timeout_secs", defaultIdleTimeout)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if v.IsSet("acme") {
		if v.IsSet("https") {
			logger.Warn("both [https] and [acme] sections present; using [https]")
		} else {
			for _, key := range []string{"email", "certs_dir", "directory", "staging", "ca_file"} {
				if v.IsSet("acme." + key) {
					v.Set("https."+key, v.Get("acme."+key))
				}
			}
		}
	}

	for key, env := range envBindings {
		if val, ok := os.LookupEnv(env); ok {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Server.Domain = netutil.NormalizeHost(c.Server.Domain)
	if c.Server.Domain == "" {
		return errors.New("server.domain is required")
	}
	if !strings.HasPrefix(c.Server.ControlPath, "/") {
		return errors.New("server.control_path must start with /")
	}
	if len(c.Tokens) == 0 {
		return errors.New("at least one token must be configured")
	}
	if c.Limits.RequestTimeoutSecs <= 0 || c.Limits.IdleTunnelTimeoutSecs <= 0 {
		return errors.New("limits must be positive")
	}
	if c.Limits.MaxRequestBodyBytes <= 0 {
		return errors.New("limits.max_request_body_bytes must be positive")
	}
	if c.HTTPS != nil {
		if c.HTTPS.Email == "" {
			return errors.New("https.email is required when HTTPS is enabled")
		}
		if c.HTTPS.CertsDir == "" {
			c.HTTPS.CertsDir = defaultCertsDir
		}
		if c.HTTPS.Directory == "" {
			c.HTTPS.Directory = defaultACMEDirectory
		}
	}
	return nil
}

// TLSEnabled reports whether the https section is present.
func (c *Config) TLSEnabled() bool { return c.HTTPS != nil }

// Token looks up a token value in the static table.
func (c *Config) Token(value string) (Token, bool) {
	t, ok := c.Tokens[value]
	return t, ok
}

// IsAdmin reports whether value names a token carrying the admin flag.
func (c *Config) IsAdmin(value string) bool {
	t, ok := c.Tokens[value]
	return ok && t.Admin
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Limits.RequestTimeoutSecs) * time.Second
}

func (c *Config) IdleTunnelTimeout() time.Duration {
	return time.Duration(c.Limits.IdleTunnelTimeoutSecs) * time.Second
}

// ClientConfig carries everything the tunnel client needs.
type ClientConfig struct {
	ServerURL      string
	ControlPath    string
	Token          string
	Subdomain      string
	LocalHost      string
	LocalPort      int
	HostOverride   string
	ForwardTimeout time.Duration
	MaxRetries     int
	Insecure       bool
	LogLevel       string
}

// ParseClientFlags reads client configuration from flags with environment
// defaults.
func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:      envOrDefault("BURROW_SERVER", ""),
		ControlPath:    envOrDefault("BURROW_CONTROL_PATH", defaultControlPath),
		Token:          envOrDefault("BURROW_TOKEN", ""),
		Subdomain:      envOrDefault("BURROW_SUBDOMAIN", ""),
		LocalHost:      envOrDefault("BURROW_LOCAL_HOST", "127.0.0.1"),
		ForwardTimeout: 30 * time.Second,
	}

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Relay server URL (e.g. https://tunnel.example.com)")
	fs.StringVar(&cfg.ControlPath, "control-path", cfg.ControlPath, "Server control path for the tunnel upgrade")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Auth token")
	fs.StringVar(&cfg.Subdomain, "subdomain", cfg.Subdomain, "Requested subdomain (empty for random)")
	fs.StringVar(&cfg.LocalHost, "local-host", cfg.LocalHost, "Local origin host")
	fs.IntVar(&cfg.LocalPort, "port", cfg.LocalPort, "Local origin port")
	fs.StringVar(&cfg.HostOverride, "host-override", "", "Rewrite the forwarded Host header")
	fs.DurationVar(&cfg.ForwardTimeout, "forward-timeout", cfg.ForwardTimeout, "Per-request forward deadline")
	fs.IntVar(&cfg.MaxRetries, "max-retries", 0, "Reconnect attempts before giving up (0 = unlimited)")
	fs.BoolVar(&cfg.Insecure, "insecure", false, "Skip TLS verification when dialing the relay")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.ServerURL == "" {
		return cfg, errors.New("missing --server or BURROW_SERVER")
	}
	if !strings.HasPrefix(cfg.ControlPath, "/") {
		return cfg, errors.New("control path must start with /")
	}
	if cfg.Token == "" {
		return cfg, errors.New("missing --token or BURROW_TOKEN")
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return cfg, errors.New("local port must be between 1 and 65535")
	}
	if cfg.ForwardTimeout <= 0 {
		return cfg, errors.New("forward timeout must be positive")
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
