// Package config provides YAML-based configuration loading for Relance.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/zulandar/relance/internal/models"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Relance configuration, loaded from relance.yaml.
type Config struct {
	Database      DatabaseConfig    `yaml:"database"`
	Server        ServerConfig      `yaml:"server"`
	Dispatch      DispatchConfig    `yaml:"dispatch"`
	Cache         CacheConfig       `yaml:"cache"`
	Logging       LoggingConfig     `yaml:"logging"`
	Transport     TransportConfig   `yaml:"transport"`
	Alerts        AlertsConfig      `yaml:"alerts"`
	Organizations []models.Settings `yaml:"organizations"`
}

// DatabaseConfig selects the gorm driver and its connection parameters.
// DSN, when set, wins over the discrete fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite, mysql, postgres
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DispatchConfig tunes the coordinator loop.
type DispatchConfig struct {
	WorkerID      string        `yaml:"worker_id"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Schedule      string        `yaml:"schedule"` // optional 5-field cron expression, replaces poll_interval
	Lease         time.Duration `yaml:"lease"`
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	Concurrency   int           `yaml:"concurrency"`
	BatchSize     int           `yaml:"batch_size"`
}

// CacheConfig configures the settings cache. An empty RedisURL selects the
// in-process cache.
type CacheConfig struct {
	RedisURL string        `yaml:"redis_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// LoggingConfig configures logrus and the optional Sentry hook.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"` // text or json
	SentryDSN   string `yaml:"sentry_dsn"`
	Environment string `yaml:"environment"`
}

// TransportConfig holds credentials for every delivery channel. A channel
// whose provider is not configured falls back to the console transport when
// Console is true, and is unavailable otherwise.
type TransportConfig struct {
	Console       bool           `yaml:"console"`
	Retries       int            `yaml:"retries"`
	RatePerMinute int            `yaml:"rate_per_minute"`
	DefaultRegion string         `yaml:"default_region"`
	SMTP          SMTPConfig     `yaml:"smtp"`
	SendGrid      SendGridConfig `yaml:"sendgrid"`
	Twilio        TwilioConfig   `yaml:"twilio"`
	WhatsApp      WhatsAppConfig `yaml:"whatsapp"`
}

// SMTPConfig configures the gomail SMTP email transport.
type SMTPConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// SendGridConfig configures the SendGrid email transport.
type SendGridConfig struct {
	APIKey    string `yaml:"api_key"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// TwilioConfig configures SMS and voice calls.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	BaseURL    string `yaml:"base_url"`
	Voice      string `yaml:"voice"`
	Language   string `yaml:"language"`
}

// WhatsAppConfig configures the WhatsApp Cloud API transport.
type WhatsAppConfig struct {
	AccessToken   string `yaml:"access_token"`
	PhoneNumberID string `yaml:"phone_number_id"`
	BaseURL       string `yaml:"base_url"`
}

// AlertsConfig configures operator alert sinks.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig posts alerts to a Slack channel.
type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig posts alerts to a Discord channel.
type DiscordConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the config, if present, is loaded first so that
// ${VAR} references can be resolved.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load %s: %w", envPath, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands environment references and unmarshals YAML bytes into a
// validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "relance.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
	case "postgres":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
	}
	if c.Database.Name == "" {
		c.Database.Name = "relance"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Dispatch.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "relance"
		}
		c.Dispatch.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Dispatch.PollInterval == 0 {
		c.Dispatch.PollInterval = 5 * time.Minute
	}
	if c.Dispatch.Lease == 0 {
		c.Dispatch.Lease = 2 * time.Minute
	}
	if c.Dispatch.LookupTimeout == 0 {
		c.Dispatch.LookupTimeout = 10 * time.Second
	}
	if c.Dispatch.SendTimeout == 0 {
		c.Dispatch.SendTimeout = 30 * time.Second
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 4
	}
	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 200
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "development"
	}

	if c.Transport.DefaultRegion == "" {
		c.Transport.DefaultRegion = "FR"
	}
	if c.Transport.SMTP.Port == 0 {
		c.Transport.SMTP.Port = 587
	}
	if c.Transport.Twilio.BaseURL == "" {
		c.Transport.Twilio.BaseURL = "https://api.twilio.com/2010-04-01"
	}
	if c.Transport.WhatsApp.BaseURL == "" {
		c.Transport.WhatsApp.BaseURL = "https://graph.facebook.com/v18.0"
	}
}

// validate checks that all required fields are present and consistent.
// Organization settings are validated by the settings package when seeded.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql, postgres)", c.Database.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Dispatch.PollInterval < 0 {
		errs = append(errs, "dispatch.poll_interval must be positive")
	}
	if c.Dispatch.Lease < 0 {
		errs = append(errs, "dispatch.lease must be positive")
	}
	if c.Dispatch.Concurrency < 0 {
		errs = append(errs, "dispatch.concurrency must be positive")
	}
	if c.Dispatch.Schedule != "" {
		if _, err := cronParser.Parse(c.Dispatch.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("dispatch.schedule %q: %v", c.Dispatch.Schedule, err))
		}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Transport.Retries < 0 {
		errs = append(errs, "transport.retries must not be negative")
	}
	if (c.Alerts.Slack.BotToken == "") != (c.Alerts.Slack.ChannelID == "") {
		errs = append(errs, "alerts.slack needs both bot_token and channel_id")
	}
	if (c.Alerts.Discord.BotToken == "") != (c.Alerts.Discord.ChannelID == "") {
		errs = append(errs, "alerts.discord needs both bot_token and channel_id")
	}
	seen := make(map[string]bool)
	for i, o := range c.Organizations {
		if o.OrganizationID == "" {
			errs = append(errs, fmt.Sprintf("organizations[%d].organization_id is required", i))
			continue
		}
		if seen[o.OrganizationID] {
			errs = append(errs, fmt.Sprintf("organizations[%d]: duplicate organization_id %q", i, o.OrganizationID))
		}
		seen[o.OrganizationID] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
