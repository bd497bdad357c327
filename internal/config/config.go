// Package config loads riderd settings from the environment. A .env file in
// the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/riderlink/internal/ratelimit"
)

const prefix = "RIDER_"

type Config struct {
	HTTPAddr string
	LogLevel string

	DispatchURL string
	RealtimeURL string
	PricingURL  string
	AccessToken string
	RiderID     string
	JWTSecret   string

	GoogleMapsKey     string
	GoogleMapsBaseURL string
	GoogleMapsRPS     int

	RedisAddr     string
	NATSURL       string
	EventsSubject string

	ResolutionTimeout  time.Duration
	RecomputeInterval  time.Duration
	LookupTimeout      time.Duration
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
	RosterMoveDuration time.Duration
	AverageSpeedKmh    float64

	RateRead  ratelimit.RateConfig
	RateWrite ratelimit.RateConfig
}

// Load reads the environment, applies defaults and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from lookup without touching .env files.
func FromEnv(lookup func(string) string) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		HTTPAddr: e.str("HTTP_ADDR", ":8090"),
		LogLevel: e.str("LOG_LEVEL", "info"),

		DispatchURL: e.str("DISPATCH_URL", ""),
		RealtimeURL: e.str("REALTIME_URL", ""),
		PricingURL:  e.str("PRICING_URL", ""),
		AccessToken: e.str("ACCESS_TOKEN", ""),
		RiderID:     e.str("ID", ""),
		JWTSecret:   e.str("JWT_SECRET", ""),

		GoogleMapsKey:     e.str("GOOGLE_MAPS_KEY", ""),
		GoogleMapsBaseURL: e.str("GOOGLE_MAPS_BASE_URL", ""),
		GoogleMapsRPS:     e.int("GOOGLE_MAPS_RPS", 10),

		RedisAddr:     e.str("REDIS_ADDR", ""),
		NATSURL:       e.str("NATS_URL", ""),
		EventsSubject: e.str("EVENTS_SUBJECT", "ride.events"),

		ResolutionTimeout:  e.seconds("RESOLUTION_TIMEOUT_SEC", 60),
		RecomputeInterval:  e.millis("RECOMPUTE_INTERVAL_MS", 3000),
		LookupTimeout:      e.millis("LOOKUP_TIMEOUT_MS", 5000),
		MinBackoff:         e.millis("RECONNECT_MIN_MS", 500),
		MaxBackoff:         e.millis("RECONNECT_MAX_MS", 30000),
		RosterMoveDuration: e.millis("ROSTER_MOVE_MS", 1000),
		AverageSpeedKmh:    e.float("AVERAGE_SPEED_KMH", 25),

		RateRead: ratelimit.RateConfig{
			Rate:  e.float("RATE_READ_RPS", 20),
			Burst: e.float("RATE_READ_BURST", 40),
		},
		RateWrite: ratelimit.RateConfig{
			Rate:  e.float("RATE_WRITE_RPS", 2),
			Burst: e.float("RATE_WRITE_BURST", 5),
		},
	}
	if err := errors.Join(append(e.errs, cfg.validate())...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var errs []error
	errs = append(errs, requireURL("DISPATCH_URL", c.DispatchURL, "http", "https"))
	errs = append(errs, requireURL("REALTIME_URL", c.RealtimeURL, "ws", "wss"))
	errs = append(errs, requireURL("PRICING_URL", c.PricingURL, "http", "https"))
	if c.GoogleMapsKey == "" {
		errs = append(errs, errors.New(prefix+"GOOGLE_MAPS_KEY is required"))
	}
	if c.AccessToken == "" && c.RiderID == "" {
		errs = append(errs, errors.New(prefix+"ACCESS_TOKEN or "+prefix+"ID is required"))
	}
	if c.ResolutionTimeout <= 0 {
		errs = append(errs, errors.New(prefix+"RESOLUTION_TIMEOUT_SEC must be positive"))
	}
	if c.RecomputeInterval <= 0 {
		errs = append(errs, errors.New(prefix+"RECOMPUTE_INTERVAL_MS must be positive"))
	}
	if c.LookupTimeout <= 0 {
		errs = append(errs, errors.New(prefix+"LOOKUP_TIMEOUT_MS must be positive"))
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		errs = append(errs, fmt.Errorf("reconnect backoff bounds invalid: min %s max %s", c.MinBackoff, c.MaxBackoff))
	}
	if c.AverageSpeedKmh <= 0 {
		errs = append(errs, errors.New(prefix+"AVERAGE_SPEED_KMH must be positive"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%sLOG_LEVEL %q not recognised", prefix, c.LogLevel))
	}
	return errors.Join(errs...)
}

func requireURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s%s is required", prefix, key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", prefix, key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s%s must be a %s url, got %q", prefix, key, strings.Join(schemes, "/"), raw)
}

// env collects parse failures instead of silently falling back.
type env struct {
	lookup func(string) string
	errs   []error
}

func (e *env) str(key, fallback string) string {
	if v := strings.TrimSpace(e.lookup(prefix + key)); v != "" {
		return v
	}
	return fallback
}

func (e *env) int(key string, fallback int) int {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return fallback
	}
	return parsed
}

func (e *env) float(key string, fallback float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return fallback
	}
	return parsed
}

func (e *env) seconds(key string, fallback int) time.Duration {
	return time.Duration(e.int(key, fallback)) * time.Second
}

func (e *env) millis(key string, fallback int) time.Duration {
	return time.Duration(e.int(key, fallback)) * time.Millisecond
}
