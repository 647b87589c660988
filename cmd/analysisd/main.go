package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/grainhouse/grainhouse/internal/observability"
	"github.com/grainhouse/grainhouse/internal/scheduler"
	"github.com/grainhouse/grainhouse/internal/sources"
)

// Config holds daemon configuration loaded from the environment.
type Config struct {
	Env             string
	LogLevel        string
	SentryDSN       string
	ListenAddr      string
	RegistryPath    string
	Workers         int
	LeaseInterval   time.Duration
	StaleThreshold  time.Duration
	AnalyzerCommand string
	AnalyzerTimeout time.Duration
}

func loadConfig() Config {
	godotenv.Load(".env.local", ".env")

	return Config{
		Env:             getEnvWithDefault("APP_ENV", "production"),
		LogLevel:        getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN:       os.Getenv("SENTRY_DSN"),
		ListenAddr:      getEnvWithDefault("LISTEN_ADDR", "127.0.0.1:9464"),
		RegistryPath:    getEnvWithDefault("SOURCES_REGISTRY", defaultRegistryPath()),
		Workers:         getEnvInt("WORKERS", 0),
		LeaseInterval:   getEnvDuration("LEASE_INTERVAL", scheduler.DefaultLeaseInterval),
		StaleThreshold:  getEnvDuration("STALE_THRESHOLD", scheduler.DefaultStaleThreshold),
		AnalyzerCommand: os.Getenv("ANALYZER_CMD"),
		AnalyzerTimeout: getEnvDuration("ANALYZER_TIMEOUT", 2*time.Minute),
	}
}

func defaultRegistryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "sources.json"
	}
	return filepath.Join(dir, "grainhouse", "sources.json")
}

func main() {
	cfg := loadConfig()

	observability.SetupLogging(observability.Config{
		Env:      cfg.Env,
		LogLevel: cfg.LogLevel,
	})

	flushSentry, err := observability.InitSentry(observability.Config{
		Env:       cfg.Env,
		SentryDSN: cfg.SentryDSN,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise crash reporting")
	}
	defer flushSentry()

	registry, err := sources.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.RegistryPath).Msg("Failed to load source registry")
	}

	var analyzer scheduler.Analyzer
	if cfg.AnalyzerCommand != "" {
		analyzer = newExecAnalyzer(cfg.AnalyzerCommand, cfg.AnalyzerTimeout)
		log.Info().Str("command", cfg.AnalyzerCommand).Msg("Using external analyzer command")
	} else {
		analyzer = probeAnalyzer{}
		log.Info().Msg("No ANALYZER_CMD configured, using probe analyzer")
	}

	pool := scheduler.NewWorkerPool(registry, analyzer, scheduler.WorkerPoolConfig{
		Workers:        cfg.Workers,
		LeaseInterval:  cfg.LeaseInterval,
		StaleThreshold: cfg.StaleThreshold,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.RefreshSources(ctx)
	pool.Start(ctx)

	sched := cron.New(cron.WithSeconds())
	mustSchedule(sched, "*/5 * * * * *", func() { pool.RefreshSources(ctx) })
	mustSchedule(sched, "*/10 * * * * *", func() { pool.SweepStaleAll(ctx) })
	mustSchedule(sched, "*/30 * * * * *", func() { pool.FlushDeferred(ctx) })
	sched.Start()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: newHandler(pool),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Serving metrics and progress")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-stop:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
		case <-gctx.Done():
		}

		<-sched.Stop().Done()
		pool.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Daemon exited with error")
	}
	log.Info().Msg("Daemon stopped cleanly")
}

func newHandler(pool *scheduler.WorkerPool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pool.Progress().Total())
	})
	return mux
}

func mustSchedule(sched *cron.Cron, spec string, fn func()) {
	if _, err := sched.AddFunc(spec, fn); err != nil {
		log.Fatal().Err(err).Str("spec", spec).Msg("Failed to register schedule")
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment, using default")
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration in environment, using default")
		return defaultValue
	}
	return d
}
