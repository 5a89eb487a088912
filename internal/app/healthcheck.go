package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vk/confunnel/internal/ctxlog"
	"github.com/vk/confunnel/internal/funnel"
)

// statusResponse is the body served on /status.
type statusResponse struct {
	RunID string `json:"run_id"`
	funnel.ProgressSnapshot
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (a *App) statusHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Status endpoint hit.", "remote_addr", r.RemoteAddr)
	resp := statusResponse{}
	if id, ok := a.runID.Load().(string); ok {
		resp.RunID = id
	}
	if p := a.progress.Load(); p != nil {
		resp.ProgressSnapshot = p.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Error("Writing status response failed.", "error", err)
	}
}

func (a *App) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.HandleFunc("/status", a.statusHandler)
	return mux
}

// startHealthcheckServer runs the health check HTTP server in the background.
func (a *App) startHealthcheckServer(ctx context.Context, port int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Configuring health check server.")

	addr := fmt.Sprintf(":%d", port)
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("🩺 Health check server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed unexpectedly", "error", err)
		}
	}()
}

func (a *App) closeHealthcheckServer(ctx context.Context) {
	if a.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	ctxlog.FromContext(ctx).Info("🩺 Shutting down health check server...")
	if err := a.httpServer.Shutdown(ctx); err != nil {
		ctxlog.FromContext(ctx).Error("Health check server shutdown failed", "error", err)
	}
}
