package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vk/confunnel/internal/config"
	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/entity"
	"github.com/vk/confunnel/internal/funnel"
	"github.com/vk/confunnel/internal/job"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	model    *config.Model
	registry *job.Registry

	httpServer *http.Server
	runID      atomic.Value // string
	progress   atomic.Pointer[funnel.Progress]
}

// NewApp loads the run file and checks it against the registered job kinds.
// A nil registry means the built-in kinds only.
func NewApp(ctx context.Context, outW io.Writer, appConfig *Config, loader config.Loader, registry *job.Registry) (*App, error) {
	logger := newLogger(appConfig.LogLevel, appConfig.LogFormat, outW)
	ctx = ctxlog.WithLogger(ctx, logger)
	logger.Debug("Logger configured successfully.")

	model, err := loader.Load(ctx, appConfig.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if appConfig.Workers > 0 {
		model.Run.MaxWorkers = appConfig.Workers
	}
	logger.Debug("Configuration loaded and translated into unified model.")

	if registry == nil {
		registry = job.NewRegistry()
	}
	enabled := 0
	for _, s := range entity.AllStages() {
		st := model.Stage(s)
		if !st.Enabled {
			continue
		}
		enabled++
		if !registry.Has(st.Job) {
			return nil, fmt.Errorf("stage %s uses unknown job kind '%s' (known: %v)", s, st.Job, registry.Kinds())
		}
	}
	if enabled == 0 {
		return nil, fmt.Errorf("run file %s enables no stage", appConfig.ConfigPath)
	}
	logger.Debug("Job kinds validated.", "kinds", registry.Kinds(), "enabled_stages", enabled)

	return &App{
		outW:     outW,
		logger:   logger,
		config:   appConfig,
		model:    model,
		registry: registry,
	}, nil
}

// Model returns the loaded run configuration. This is primarily for testing.
func (a *App) Model() *config.Model {
	return a.model
}
