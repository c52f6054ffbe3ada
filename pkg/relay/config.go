// Package relay wires the handoff store, callback handler, and polling
// endpoint into a runnable service.
package relay

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Session store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds the complete relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Sessions SessionsConfig `yaml:"sessions"`
	Database DatabaseConfig `yaml:"database"`
	Audit    AuditConfig    `yaml:"audit"`
	Pages    PagesConfig    `yaml:"pages"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address string    `yaml:"address"`
	TLS     TLSConfig `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderConfig configures the upstream identity provider.
type ProviderConfig struct {
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"userinfo_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// SessionsConfig configures the handoff store.
type SessionsConfig struct {
	Backend string `yaml:"backend"` // "memory", "postgres"

	// TTL is the maximum age of an unconsumed record. It only needs to
	// bridge the gap between browser completion and the next poll tick, so
	// keep it short.
	TTL time.Duration `yaml:"ttl"`

	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DatabaseConfig configures the database connection.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuditConfig configures audit logging.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	RetentionDays int    `yaml:"retention_days"`
	MaxEvents     int    `yaml:"max_events"`     // in-memory logger capacity
	AdminKeyHash  string `yaml:"admin_key_hash"` // bcrypt hash guarding /audit/events
}

// PagesConfig configures the terminal browser pages.
type PagesConfig struct {
	SuccessURL string `yaml:"success_url"`
	ErrorURL   string `yaml:"error_url"`
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = BackendMemory
	}
	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = 5 * time.Minute
	}
	if cfg.Sessions.CleanupInterval == 0 {
		cfg.Sessions.CleanupInterval = time.Minute
	}
	if len(cfg.Provider.Scopes) == 0 {
		cfg.Provider.Scopes = []string{"openid", "profile", "email"}
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 90
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Provider.AuthURL == "" {
		errs = append(errs, "provider.auth_url is required")
	}
	if c.Provider.TokenURL == "" {
		errs = append(errs, "provider.token_url is required")
	}
	if c.Provider.ClientID == "" {
		errs = append(errs, "provider.client_id is required")
	}
	if c.Provider.RedirectURL == "" {
		errs = append(errs, "provider.redirect_url is required")
	}

	switch c.Sessions.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("sessions.backend %q is not supported", c.Sessions.Backend))
	}

	if c.Pages.SuccessURL == "" {
		errs = append(errs, "pages.success_url is required")
	}
	if c.Pages.ErrorURL == "" {
		errs = append(errs, "pages.error_url is required")
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, "server.tls.cert_file and key_file are required when TLS is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
