package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Hub-provided variables used when no ENVCONSOLE_* override is set, so the
// tool works unchanged inside a single-user server.
const (
	hubTokenEnv = "JUPYTERHUB_API_TOKEN"
	hubUserEnv  = "JUPYTERHUB_USER"
	hubURLEnv   = "JUPYTERHUB_URL"
)

func mergeEnv(cfg *Config, logger zerolog.Logger) error {
	cfg.HubURL = parseString(logger, hubURLEnv, cfg.HubURL)
	cfg.HubURL = parseString(logger, EnvPrefix+"HUB_URL", cfg.HubURL)
	cfg.ServicePrefix = parseString(logger, EnvPrefix+"SERVICE_PREFIX", cfg.ServicePrefix)
	cfg.HubPrefix = parseString(logger, EnvPrefix+"HUB_PREFIX", cfg.HubPrefix)
	cfg.User = parseString(logger, hubUserEnv, cfg.User)
	cfg.User = parseString(logger, EnvPrefix+"USER", cfg.User)
	cfg.Token = parseString(logger, hubTokenEnv, cfg.Token)
	cfg.Token = parseString(logger, EnvPrefix+"TOKEN", cfg.Token)
	cfg.TokenFile = parseString(logger, EnvPrefix+"TOKEN_FILE", cfg.TokenFile)
	if cfg.TokenFile != "" && os.Getenv(EnvPrefix+"TOKEN") == "" {
		// A token file wins over a token inherited from the hub.
		cfg.Token = ""
	}
	cfg.TokenParam = parseString(logger, EnvPrefix+"TOKEN_PARAM", cfg.TokenParam)
	cfg.LogsResource = parseString(logger, EnvPrefix+"LOGS_RESOURCE", cfg.LogsResource)
	cfg.LogLevel = parseString(logger, EnvPrefix+"LOG_LEVEL", cfg.LogLevel)
	cfg.Relay.Listen = parseString(logger, EnvPrefix+"RELAY_LISTEN", cfg.Relay.Listen)
	cfg.Relay.StaticDir = parseString(logger, EnvPrefix+"RELAY_STATIC_DIR", cfg.Relay.StaticDir)
	cfg.Relay.AllowedOrigins = parseList(logger, EnvPrefix+"RELAY_ALLOWED_ORIGINS", cfg.Relay.AllowedOrigins)

	var err error
	if cfg.Relay.MaxSessions, err = parseInt(logger, EnvPrefix+"RELAY_MAX_SESSIONS", cfg.Relay.MaxSessions); err != nil {
		return err
	}
	if cfg.Relay.RateLimit, err = parseInt(logger, EnvPrefix+"RELAY_RATE_LIMIT", cfg.Relay.RateLimit); err != nil {
		return err
	}
	if cfg.Relay.KeepClosed, err = parseInt(logger, EnvPrefix+"RELAY_KEEP_CLOSED", cfg.Relay.KeepClosed); err != nil {
		return err
	}
	return nil
}

// parseString reads an environment variable or keeps current. Empty
// variables count as unset. Sensitive values are never logged.
func parseString(logger zerolog.Logger, key, current string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current
	}
	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "token") && !strings.HasSuffix(lowerKey, "_file") && !strings.HasSuffix(lowerKey, "_param") {
		logger.Debug().
			Str("key", key).
			Str("source", "environment").
			Bool("sensitive", true).
			Msg("using environment variable")
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("value", value).
		Str("source", "environment").
		Msg("using environment variable")
	return value
}

// parseList reads a comma-separated environment variable, dropping blank
// items.
func parseList(logger zerolog.Logger, key string, current []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return current
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	logger.Debug().
		Str("key", key).
		Strs("value", items).
		Str("source", "environment").
		Msg("using environment variable")
	return items
}

// parseInt reads an integer environment variable. Unlike strings, a
// malformed integer is an error rather than silently ignored.
func parseInt(logger zerolog.Logger, key string, current int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return current, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	logger.Debug().
		Str("key", key).
		Int("value", n).
		Str("source", "environment").
		Msg("using environment variable")
	return n, nil
}
