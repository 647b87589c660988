package observability

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls logging and crash-reporting initialisation.
type Config struct {
	Env       string // "development" or "production"
	LogLevel  string // zerolog level name; empty means info
	LogFormat string // "console" or "json"; empty follows Env
	SentryDSN string // empty disables crash reporting
	Release   string
}

// SetupLogging configures the global zerolog logger. Development gets a
// human-readable console writer; production stays structured JSON.
func SetupLogging(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	format := cfg.LogFormat
	if format == "" {
		if cfg.Env == "development" {
			format = "console"
		} else {
			format = "json"
		}
	}
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// InitSentry starts crash reporting when a DSN is configured. Returns a flush
// function to call on shutdown; it is a no-op when Sentry is disabled.
func InitSentry(cfg Config) (func(), error) {
	if cfg.SentryDSN == "" {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Env,
		Release:          cfg.Release,
		EnableTracing:    true,
		TracesSampleRate: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise sentry: %w", err)
	}

	return func() {
		sentry.Flush(2 * time.Second)
	}, nil
}

// MetricsHandler serves the process's Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
