package serverrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	cfgpkg "github.com/rzbill/aggregator/internal/config"
	kafkaingress "github.com/rzbill/aggregator/internal/ingress/kafka"
	"github.com/rzbill/aggregator/internal/runtime"
	httpserver "github.com/rzbill/aggregator/internal/server/http"
	logpkg "github.com/rzbill/aggregator/pkg/log"
)

// Options for Run. Non-empty DataDir and HTTPAddr override the loaded config.
type Options struct {
	ConfigPath string
	DataDir    string
	HTTPAddr   string
	Version    string
	// Config, when set, is used instead of loading ConfigPath and env.
	Config *cfgpkg.Config
}

// resolveConfig loads the layered config and applies flag overrides.
func resolveConfig(opts Options) (cfgpkg.Config, error) {
	var cfg cfgpkg.Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		loaded, err := cfgpkg.Load(opts.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	cfg.DataDir = filepath.Join(cfg.DataDir, "store")
	return cfg, nil
}

// Run opens the runtime, supervises the HTTP server and the optional Kafka
// source, and blocks until ctx is cancelled or a signal arrives. The runtime
// is closed last so in-flight requests finish against an open store.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	procLogger, err := logpkg.ApplyConfig(cfg.Log)
	if err != nil {
		lvl := logpkg.InfoLevel
		if l, e := logpkg.ParseLevel(cfg.Log.Level); e == nil {
			lvl = l
		}
		procLogger = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
		procLogger.Warn("log config rejected, using defaults", logpkg.Err(err))
	}
	if c, ok := procLogger.(io.Closer); ok {
		defer c.Close()
	}
	// pebble and net/http log through the standard logger
	logpkg.RedirectStdLog(procLogger)

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	procLogger.Info("starting aggregator",
		logpkg.Str("version", version),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("fsync", cfg.Fsync),
		logpkg.Int("queue_capacity", cfg.QueueCapacity),
		logpkg.Bool("kafka", cfg.Kafka.Enabled()))

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}

	hook := (&sutureslog.Handler{Logger: logpkg.ToSlog(procLogger.WithComponent("supervisor"))}).MustHook()
	sup := suture.New("aggregator", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   5 * time.Second,
		Timeout:          cfg.ShutdownTimeout(),
	})
	sup.Add(httpserver.New(rt, procLogger, httpserver.WithVersion(version)))

	var source *kafkaingress.Source
	if cfg.Kafka.Enabled() {
		source = kafkaingress.New(cfg.Kafka, rt, procLogger)
		sup.Add(source)
	}

	supErr := <-sup.ServeBackground(sctx)
	if supErr != nil && !errors.Is(supErr, context.Canceled) && !errors.Is(supErr, context.DeadlineExceeded) {
		procLogger.Error("supervisor stopped", logpkg.Err(supErr))
	}

	var errs []error
	if source != nil {
		if err := source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka source: %w", err))
		}
	}
	if err := rt.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close runtime: %w", err))
	}
	procLogger.Info("aggregator stopped")
	return errors.Join(errs...)
}
