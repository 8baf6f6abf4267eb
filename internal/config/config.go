package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the execution engine.
type Config struct {
	Engine   Engine            `mapstructure:"engine"`
	OAuth    OAuth             `mapstructure:"oauth"`
	Logger   Logger            `mapstructure:"logger"`
	Server   Server            `mapstructure:"server"`
	Database Database          `mapstructure:"database"`
	Brokers  map[string]Broker `mapstructure:"brokers"`
}

// Engine holds execution-engine wide settings.
type Engine struct {
	// DeploymentMode is "multi-user" for the shared cloud service or
	// "single-user" for a local instance. Local-gateway brokers are only
	// eligible in single-user mode.
	DeploymentMode string `mapstructure:"deployment_mode"`
	DryRun         bool   `mapstructure:"dry_run"`
	// DefaultStockBroker and DefaultCryptoBroker are the auto-selection
	// fallbacks when a user has no preferred broker configured.
	DefaultStockBroker  string `mapstructure:"default_stock_broker"`
	DefaultCryptoBroker string `mapstructure:"default_crypto_broker"`
}

// Broker holds per-broker environment overrides from the operator config.
// Per-user credentials live in the database, encrypted.
type Broker struct {
	Environment    string  `mapstructure:"environment"` // live|paper|testnet
	RateLimit      float64 `mapstructure:"rate_limit"`  // requests per second
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// OAuth holds the OAuth lifecycle settings.
type OAuth struct {
	// RedirectBaseURL is prepended to the callback route when building
	// authorization URLs.
	RedirectBaseURL string `mapstructure:"redirect_base_url"`
	// SweepSchedule is the cron spec (with seconds) for the proactive
	// refresh sweep.
	SweepSchedule string `mapstructure:"sweep_schedule"`
	// Providers maps broker keys to OAuth client settings.
	Providers map[string]OAuthProvider `mapstructure:"providers"`
}

// OAuthProvider configures one broker's OAuth client.
type OAuthProvider struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	RenewURL     string   `mapstructure:"renew_url"` // OAuth1-style renewal endpoint
	UseOAuth1    bool     `mapstructure:"use_oauth1"`
	Scopes       []string `mapstructure:"scopes"`
	// RefreshLeadMinutes is how long before expiry the sweep refreshes a
	// token. Providers with sub-hour token lifetimes need small values.
	RefreshLeadMinutes int `mapstructure:"refresh_lead_minutes"`
}

// Server holds the configuration for the HTTP surface.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("engine.deployment_mode", "multi-user")
	viper.SetDefault("engine.default_stock_broker", "alpaca")
	viper.SetDefault("engine.default_crypto_broker", "binance")
	viper.SetDefault("oauth.sweep_schedule", "0 * * * * *") // every minute
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.dsn", "engine.db")
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "json")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
