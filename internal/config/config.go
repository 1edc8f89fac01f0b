// Package config loads envconsole settings from defaults, an optional YAML
// file and ENVCONSOLE_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"envconsole/internal/hub"
	"envconsole/internal/log"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ENVCONSOLE_"

const (
	defaultHubURL      = "http://localhost:8000"
	defaultServicePath = "/services/tljh_repo2docker"
	defaultHubPath     = "/hub"
	defaultListen      = ":8420"
	defaultMaxSessions = 10
	defaultRateLimit   = 30
	defaultKeepClosed  = 32
	defaultLogLevel    = "info"
)

// Config holds every setting of the CLI and the relay.
type Config struct {
	HubURL        string      `yaml:"hub_url"`
	ServicePrefix string      `yaml:"service_prefix"`
	HubPrefix     string      `yaml:"hub_prefix"`
	User          string      `yaml:"user"`
	Token         string      `yaml:"token"`
	TokenFile     string      `yaml:"token_file"`
	TokenParam    string      `yaml:"token_param"`
	LogsResource  string      `yaml:"logs_resource"`
	LogLevel      string      `yaml:"log_level"`
	Relay         RelayConfig `yaml:"relay"`
}

// RelayConfig configures the serve command.
type RelayConfig struct {
	Listen      string `yaml:"listen"`
	MaxSessions int    `yaml:"max_sessions"`
	StaticDir   string `yaml:"static_dir"`
	// RateLimit caps session creations per client IP per minute.
	RateLimit int `yaml:"rate_limit"`
	// KeepClosed bounds how many finished sessions stay listed.
	KeepClosed int `yaml:"keep_closed"`
	// AllowedOrigins lists browser origins, besides the relay's own host,
	// that may open the WebSocket and read the REST API. "*" allows any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HubURL:       defaultHubURL,
		TokenParam:   hub.DefaultTokenParam,
		LogsResource: hub.DefaultLogsResource,
		LogLevel:     defaultLogLevel,
		Relay: RelayConfig{
			Listen:      defaultListen,
			MaxSessions: defaultMaxSessions,
			RateLimit:   defaultRateLimit,
			KeepClosed:  defaultKeepClosed,
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	return load(path, log.WithComponent("config"))
}

func load(path string, logger zerolog.Logger) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		logger.Debug().Str("path", path).Msg("config file loaded")
	}
	if err := mergeEnv(&cfg, logger); err != nil {
		return Config{}, err
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile decodes a YAML file over cfg with strict parsing.
func mergeFile(cfg *Config, path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

// derive fills the prefixes left empty from the hub URL.
func (c *Config) derive() {
	base := strings.TrimRight(c.HubURL, "/")
	if c.ServicePrefix == "" {
		c.ServicePrefix = base + defaultServicePath
	}
	if c.HubPrefix == "" {
		c.HubPrefix = base + defaultHubPath
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error
	for name, raw := range map[string]string{
		"hub_url":        c.HubURL,
		"service_prefix": c.ServicePrefix,
		"hub_prefix":     c.HubPrefix,
	} {
		if err := validateURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Token != "" && c.TokenFile != "" {
		errs = append(errs, errors.New("token and token_file are mutually exclusive"))
	}
	if c.TokenParam == "" {
		errs = append(errs, errors.New("token_param must not be empty"))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Relay.MaxSessions <= 0 {
		errs = append(errs, fmt.Errorf("relay.max_sessions must be positive, got %d", c.Relay.MaxSessions))
	}
	if c.Relay.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("relay.rate_limit must not be negative, got %d", c.Relay.RateLimit))
	}
	if c.Relay.KeepClosed <= 0 {
		errs = append(errs, fmt.Errorf("relay.keep_closed must be positive, got %d", c.Relay.KeepClosed))
	}
	if c.Relay.Listen == "" {
		errs = append(errs, errors.New("relay.listen must not be empty"))
	}
	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// Endpoints returns the stream URL builder for this configuration.
func (c Config) Endpoints() hub.Endpoints {
	return hub.Endpoints{
		ServicePrefix: c.ServicePrefix,
		HubPrefix:     c.HubPrefix,
		User:          c.User,
		LogsResource:  c.LogsResource,
		TokenParam:    c.TokenParam,
	}
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "***"
	}
	return c
}
