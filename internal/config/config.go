package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Addr    string `mapstructure:"addr"`
		TLSAddr string `mapstructure:"tls_addr"`
	} `mapstructure:"server"`
	DB struct {
		Driver     string `mapstructure:"driver"`
		Host       string `mapstructure:"host"`
		Port       int    `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
		SSLMode    string `mapstructure:"sslmode"`
		SQLitePath string `mapstructure:"sqlite_path"`
	} `mapstructure:"db"`
	Classifier struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"classifier"`
	Embedding struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"embedding"`
	Engine EngineConfig `mapstructure:"engine"`
	Slack  struct {
		BotToken       string `mapstructure:"bot_token"`
		DefaultChannel string `mapstructure:"default_channel"`
		SigningSecret  string `mapstructure:"signing_secret"`
		APIURL         string `mapstructure:"api_url"`
	} `mapstructure:"slack"`
	Jira struct {
		BaseURL    string `mapstructure:"base_url"`
		Email      string `mapstructure:"email"`
		APIToken   string `mapstructure:"api_token"`
		ProjectKey string `mapstructure:"project_key"`
		IssueType  string `mapstructure:"issue_type"`
	} `mapstructure:"jira"`
	Auth struct {
		OktaDomain      string `mapstructure:"okta_domain"`
		ClientID        string `mapstructure:"client_id"`
		ClientSecret    string `mapstructure:"client_secret"`
		RedirectURL     string `mapstructure:"redirect_url"`
		SwaggerClientID string `mapstructure:"swagger_client_id"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
	Cache struct {
		TeamTTL time.Duration `mapstructure:"team_ttl"`
	} `mapstructure:"cache"`
}

// EngineConfig tunes the trigger engine.
type EngineConfig struct {
	ConfidenceFloor    float64       `mapstructure:"confidence_floor"`
	ExecutionThreshold float64       `mapstructure:"execution_threshold"`
	EvaluationTimeout  time.Duration `mapstructure:"evaluation_timeout"`
	DispatchTimeout    time.Duration `mapstructure:"dispatch_timeout"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	ContextLimit       int           `mapstructure:"context_limit"`
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.ToUpper(c.Environment) == "DEV"
}

// DSN builds the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.tls_addr", ":8443")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.sqlite_path", "autopilot.db")
	v.SetDefault("classifier.timeout", 15*time.Second)
	v.SetDefault("embedding.timeout", 5*time.Second)
	v.SetDefault("engine.confidence_floor", 0.10)
	v.SetDefault("engine.execution_threshold", 0.90)
	v.SetDefault("engine.evaluation_timeout", 25*time.Second)
	v.SetDefault("engine.dispatch_timeout", 10*time.Second)
	v.SetDefault("engine.max_concurrent", 32)
	v.SetDefault("engine.context_limit", 3)
	v.SetDefault("slack.api_url", "https://slack.com/api")
	v.SetDefault("jira.issue_type", "Task")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("cache.team_ttl", 5*time.Minute)
}

// LoadConfig loads the configuration from a file and the environment.
// An empty path searches for config.yaml in the working directory and ./config;
// a missing file is not an error since every key has a default or an
// AUTOPILOT_ environment override.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the engine policy and store settings.
func (c *Config) Validate() error {
	e := c.Engine
	if e.ConfidenceFloor < 0 || e.ConfidenceFloor > 1 {
		return fmt.Errorf("engine.confidence_floor must be within [0,1], got %v", e.ConfidenceFloor)
	}
	if e.ExecutionThreshold < 0 || e.ExecutionThreshold > 1 {
		return fmt.Errorf("engine.execution_threshold must be within [0,1], got %v", e.ExecutionThreshold)
	}
	if e.ConfidenceFloor >= e.ExecutionThreshold {
		return fmt.Errorf("engine.confidence_floor (%v) must be below engine.execution_threshold (%v)",
			e.ConfidenceFloor, e.ExecutionThreshold)
	}
	if e.EvaluationTimeout <= 0 || e.DispatchTimeout <= 0 {
		return errors.New("engine timeouts must be positive")
	}
	if e.DispatchTimeout >= e.EvaluationTimeout {
		return fmt.Errorf("engine.dispatch_timeout (%s) must be shorter than engine.evaluation_timeout (%s)",
			e.DispatchTimeout, e.EvaluationTimeout)
	}
	if e.MaxConcurrent <= 0 {
		return errors.New("engine.max_concurrent must be positive")
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("db.driver must be postgres or sqlite, got %q", c.DB.Driver)
	}
	return nil
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
