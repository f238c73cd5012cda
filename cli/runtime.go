package cli

import (
	"context"
	"strings"
	"time"

	"github.com/wudi/pdfdesk/config"
	"github.com/wudi/pdfdesk/convert"
	"github.com/wudi/pdfdesk/engine"
	"github.com/wudi/pdfdesk/observability"
)

// runtime is everything a command needs, built from the configuration.
type runtime struct {
	cfg       *config.Config
	logger    observability.Logger
	tracing   *observability.Tracing
	engine    *engine.Engine
	converter *convert.Converter
}

func (a *App) buildRuntime() (*runtime, error) {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return nil, err
	}
	if a.opts.logLevel != "" {
		cfg.Log.Level = a.opts.logLevel
	}
	if a.opts.logFormat != "" {
		cfg.Log.Format = a.opts.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := observability.NewBoltLogger(observability.LogConfig{
		Level:  strings.ToLower(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: a.stderr,
	})
	tracing, err := observability.NewTracing(observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Tracing.ServiceName,
		Output:      a.stderr,
	})
	if err != nil {
		return nil, err
	}
	eng := engine.New(
		engine.Config{
			MaxConcurrent: cfg.Engine.MaxConcurrent,
			MaxQueue:      cfg.Engine.MaxQueue,
			Relaxed:       cfg.Engine.Relaxed,
		},
		engine.WithLogger(logger.With(observability.String("component", "engine"))),
		engine.WithTracer(tracing.Tracer()),
	)
	conv := convert.New(eng, convert.Options{
		MaxEdge:     cfg.Convert.MaxEdge,
		JPEGQuality: cfg.Convert.JPEGQuality,
	}, logger.With(observability.String("component", "convert")))

	return &runtime{cfg: cfg, logger: logger, tracing: tracing, engine: eng, converter: conv}, nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracing.Shutdown(ctx); err != nil {
		r.logger.Warn("tracing shutdown", observability.Error("error", err))
	}
}
