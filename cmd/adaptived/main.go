// adaptived runs the adaptive learning core as a standalone daemon: it
// loads options, assembles the learning system with the configured
// snapshot store, serves health and metrics endpoints, and runs learning
// cycles on the configured interval.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/newsharvest/adaptive/pkg/config"
	"github.com/newsharvest/adaptive/pkg/learning"
	"github.com/newsharvest/adaptive/pkg/logging"
	"github.com/newsharvest/adaptive/pkg/metrics"
	"github.com/newsharvest/adaptive/pkg/persistence"
	"github.com/newsharvest/adaptive/pkg/profiler"
	"github.com/newsharvest/adaptive/pkg/quality"
	"github.com/newsharvest/adaptive/pkg/tuning"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "adaptived: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to the options YAML file (optional)")
		listenAddr = flag.String("listen", ":9090", "address for health and metrics endpoints")
		statePath  = flag.String("state-file", "", "path for the file-backed snapshot store")
		redisAddr  = flag.String("redis-addr", "", "redis address for the shared snapshot store")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	logCfg := logging.DefaultConfig("adaptived")
	logCfg.Level = logging.LogLevel(*logLevel)
	logger := logging.NewStructuredLogger(logCfg)

	opts := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			return fmt.Errorf("load options: %w", err)
		}
		opts = loaded
	}
	opts = opts.FromEnv()
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("validate options: %w", err)
	}

	store, err := buildStore(*redisAddr, *statePath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	collector := metrics.NewCollector(metrics.DefaultCollectorConfig(), logger.Slog(), reg)
	prof := profiler.NewProfiler(profiler.Config{
		MinSamples:       int64(opts.MinSamplesForLearning),
		AnalysisInterval: opts.LearningInterval(),
		StrategyTTL:      5 * time.Minute,
	}, logger.Slog())
	qa := quality.NewAnalyzer(20, logger.Slog())
	tn := tuning.NewTuner(tuning.Config{
		Cooldown:              opts.TunerCooldown(),
		MaxChangePerCycle:     opts.MaxChangePerCycle,
		Retention:             7 * 24 * time.Hour,
		MinSamples:            int64(opts.MinSamplesForLearning),
		QualityAlertThreshold: opts.QualityAlertThreshold,
	}, collector, prof, qa, logger.Slog())

	system, err := learning.New(opts, collector, prof, qa, tn, store, logger, reg)
	if err != nil {
		return fmt.Errorf("assemble learning system: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, logger.Slog(), func(next config.Options) {
			if err := system.SetOptions(next); err != nil {
				logger.Warn("rejected reloaded options", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("watch options file: %w", err)
		}
		watcher.Start(ctx)
		defer watcher.Close()
	}

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           buildMux(system, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving health and metrics", "addr", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	ticker := time.NewTicker(opts.LearningInterval())
	defer ticker.Stop()

	logger.Info("adaptived started",
		"mode", string(opts.Mode),
		"learning_interval", opts.LearningInterval().String())

	for {
		select {
		case <-ticker.C:
			system.RunLearningCycle(ctx, false)
		case <-ctx.Done():
			logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown incomplete", "error", err)
			}
			if err := system.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("persist final state: %w", err)
			}
			return nil
		}
	}
}

// buildStore picks the snapshot backend: Redis when an address is given,
// otherwise a state file, otherwise memory only. Durable backends are
// wrapped in a circuit breaker.
func buildStore(redisAddr, statePath string) (persistence.Store, error) {
	switch {
	case redisAddr != "":
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		return persistence.NewBreakerStore("redis-snapshot",
			persistence.NewRedisStore(client, "", 0)), nil
	case statePath != "":
		return persistence.NewBreakerStore("file-snapshot",
			persistence.NewFileStore(statePath)), nil
	default:
		return persistence.NewMemoryStore(), nil
	}
}

func buildMux(system *learning.System, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := system.GetSystemHealth()
		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	})

	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		data, err := system.GetDashboardData(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, data)
	})

	mux.HandleFunc("/cycle", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		result := system.RunLearningCycle(r.Context(), true)
		writeJSON(w, http.StatusOK, result)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
