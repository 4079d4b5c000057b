package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/haasonsaas/turnstile/internal/observability"
	"github.com/haasonsaas/turnstile/pkg/models"
)

// maxEventBytes bounds a single POSTed inbound event.
const maxEventBytes = 1 << 20

// Handler returns the gateway's HTTP surface:
//
//	GET  /healthz          liveness
//	GET  /metrics          Prometheus metrics
//	GET  /debug/sessions   live lanes and admission counters
//	POST /v1/events        submit one inbound event
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observability.MetricsHandler(g.registry))
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /debug/sessions", g.handleSessions)
	mux.HandleFunc("POST /v1/events", g.handleEvent)
	return mux
}

// Serve runs the HTTP surface on addr until ctx is done.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return g.serve(ctx, listener)
}

func (g *Gateway) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	g.logger.Info("starting http server", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		g.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": g.nowFunc().Sub(g.startedAt).Round(time.Second).String(),
	})
}

func (g *Gateway) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Snapshot())
}

// handleEvent schedules a POSTed event. The turn is detached from the
// request so it survives the response being written.
func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.InboundEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err := dec.Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = g.nowFunc()
	}
	decision, err := g.HandleInbound(context.WithoutCancel(r.Context()), &ev)
	switch {
	case errors.Is(err, ErrInvalidEvent):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		g.logger.Error("inbound event failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, decision)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}
