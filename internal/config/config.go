package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "CHATSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "chatsync.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "tauth"
	defaultSnapshotCacheSize = 10000
	defaultSnapshotTTL       = 24 * time.Hour
	defaultPullMaxAttempts   = 3
	defaultCompletionBuffer  = 32
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	DatabasePath         string
	LogLevel             string
	SigningSecret        string
	SessionIssuer        string
	SessionCookieName    string
	SnapshotCacheSize    int
	SnapshotTTL          time.Duration
	PullMaxAttempts      int
	CompletionBufferSize int
	MetricsEnabled       bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("snapshots.cache_size", defaultSnapshotCacheSize)
	configViper.SetDefault("snapshots.ttl", defaultSnapshotTTL)
	configViper.SetDefault("pull.max_attempts", defaultPullMaxAttempts)
	configViper.SetDefault("completion.buffer_size", defaultCompletionBuffer)
	configViper.SetDefault("metrics.enabled", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       parseOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		SessionIssuer:        configViper.GetString("auth.issuer"),
		SessionCookieName:    configViper.GetString("auth.cookie_name"),
		SnapshotCacheSize:    configViper.GetInt("snapshots.cache_size"),
		SnapshotTTL:          configViper.GetDuration("snapshots.ttl"),
		PullMaxAttempts:      configViper.GetInt("pull.max_attempts"),
		CompletionBufferSize: configViper.GetInt("completion.buffer_size"),
		MetricsEnabled:       configViper.GetBool("metrics.enabled"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// parseOrigins accepts both list values and comma separated strings from the environment.
func parseOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("http.allowed_origins must list explicit origins, not %q", origin)
		}
	}
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.SnapshotCacheSize <= 0 {
		return fmt.Errorf("snapshots.cache_size must be positive, got %d", c.SnapshotCacheSize)
	}
	if c.SnapshotTTL <= 0 {
		return fmt.Errorf("snapshots.ttl must be positive, got %s", c.SnapshotTTL)
	}
	if c.PullMaxAttempts <= 0 {
		return fmt.Errorf("pull.max_attempts must be positive, got %d", c.PullMaxAttempts)
	}
	if c.CompletionBufferSize <= 0 {
		return fmt.Errorf("completion.buffer_size must be positive, got %d", c.CompletionBufferSize)
	}
	return nil
}
