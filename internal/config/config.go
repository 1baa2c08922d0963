package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Completion policies for METRA_COMPLETION_POLICY.
const (
	CompletionConfirm = "confirm"
	CompletionSchema  = "schema"
)

type Config struct {
	APIURL           string
	Token            string
	Email            string
	Password         string
	ParamPrefix      string
	TokenParam       string
	RequestTimeout   time.Duration
	StreamTimeout    time.Duration
	IdleTimeout      time.Duration
	TypingDelay      time.Duration
	CompletionPolicy string
	StateTable       string
	DynamoEndpoint   string
	NatsURL          string
	NatsToken        string
	LogLevel         string
}

func Load() Config {
	return Config{
		APIURL:           envStr("METRA_API_URL", "http://localhost:8000/api/v1"),
		Token:            envStr("METRA_TOKEN", ""),
		Email:            envStr("METRA_EMAIL", ""),
		Password:         envStr("METRA_PASSWORD", ""),
		ParamPrefix:      envStr("METRA_PARAM_PREFIX", ""),
		TokenParam:       envStr("METRA_TOKEN_PARAM", "api-token"),
		RequestTimeout:   envDuration("METRA_REQUEST_TIMEOUT", 30*time.Second),
		StreamTimeout:    envDuration("METRA_STREAM_TIMEOUT", 0),
		IdleTimeout:      envDuration("METRA_IDLE_TIMEOUT", 60*time.Second),
		TypingDelay:      envDuration("METRA_TYPING_DELAY", 0),
		CompletionPolicy: strings.ToLower(envStr("METRA_COMPLETION_POLICY", CompletionConfirm)),
		StateTable:       envStr("STATE_TABLE", ""),
		DynamoEndpoint:   envStr("METRA_DYNAMODB_ENDPOINT", ""),
		NatsURL:          envStr("NATS_URL", ""),
		NatsToken:        envStr("NATS_TOKEN", ""),
		LogLevel:         envStr("LOG_LEVEL", "info"),
	}
}

// Validate reports every invalid or missing value at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.APIURL) == "" {
		errs = append(errs, errors.New("METRA_API_URL is required"))
	}
	if c.CompletionPolicy != CompletionConfirm && c.CompletionPolicy != CompletionSchema {
		errs = append(errs, fmt.Errorf("METRA_COMPLETION_POLICY must be %q or %q, got %q", CompletionConfirm, CompletionSchema, c.CompletionPolicy))
	}
	if c.ParamPrefix != "" && !strings.HasPrefix(c.ParamPrefix, "/") {
		errs = append(errs, fmt.Errorf("METRA_PARAM_PREFIX must start with /, got %q", c.ParamPrefix))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("METRA_REQUEST_TIMEOUT must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go durations ("90s") or whole seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n := envInt(key, -1); n >= 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
