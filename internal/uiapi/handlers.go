// Package uiapi is the local HTTP surface for a dashboard front end: the
// visible notification stack, counters, connection and monitoring status,
// manual dismiss, force refresh and a server-sent event feed.
package uiapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"attendwatch/internal/counters"
	"attendwatch/internal/engine"
	"attendwatch/internal/presenter"
	"attendwatch/internal/stream"
	"attendwatch/internal/watchdog"
	logx "attendwatch/pkg/logx"
)

// Engine is the part of engine.Engine the handlers read.
type Engine interface {
	Visible() []presenter.Notification
	Counters() counters.State
	Connection() stream.Status
	Watchdog() watchdog.State
	Stats() engine.Stats
	Dismiss(id string) bool
	ForceRefresh(ctx context.Context) error
	Restart(ctx context.Context) error
	Subscribe(buffer int) (<-chan presenter.Change, func())
}

type RouterOptions struct {
	// Profiler mounts net/http/pprof under /debug.
	Profiler bool
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// RefreshTimeout bounds POST /api/refresh.
	RefreshTimeout time.Duration
}

// StatusResponse keeps the push connection and the server's monitoring flag
// in separate fields; either can be down while the other is up.
type StatusResponse struct {
	Connection stream.Status  `json:"connection"`
	Watchdog   watchdog.State `json:"watchdog"`
	Stats      engine.Stats   `json:"stats"`
}

type refreshResponse struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Counters *counters.State `json:"counters,omitempty"`
}

func NewRouter(eng Engine, log logx.Logger, opts RouterOptions) http.Handler {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	h := &handlers{eng: eng, log: log, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/notifications", h.listNotifications)
		r.Delete("/notifications/{id}", h.dismiss)
		r.Get("/counters", h.counters)
		r.Get("/status", h.status)
		r.Post("/refresh", h.refresh)
		r.Post("/reconnect", h.reconnect)
		r.With(middleware.NoCache).Get("/stream", h.stream)
	})
	if opts.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

type handlers struct {
	eng  Engine
	log  logx.Logger
	opts RouterOptions
}

func (h *handlers) listNotifications(w http.ResponseWriter, _ *http.Request) {
	vis := h.eng.Visible()
	if vis == nil {
		vis = []presenter.Notification{}
	}
	writeJSON(w, http.StatusOK, vis)
}

func (h *handlers) dismiss(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.eng.Dismiss(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "notification not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) counters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Counters())
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Connection: h.eng.Connection(),
		Watchdog:   h.eng.Watchdog(),
		Stats:      h.eng.Stats(),
	})
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RefreshTimeout)
	defer cancel()
	if err := h.eng.ForceRefresh(ctx); err != nil {
		h.log.Warn("force refresh failed", logx.Err(err))
		writeJSON(w, http.StatusBadGateway, refreshResponse{Error: err.Error()})
		return
	}
	st := h.eng.Counters()
	writeJSON(w, http.StatusOK, refreshResponse{Success: true, Counters: &st})
}

// reconnect drops the current stream, including a Failed one, and dials
// again with a fresh attempt count.
func (h *handlers) reconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RefreshTimeout)
	defer cancel()
	if err := h.eng.Restart(ctx); err != nil {
		h.log.Warn("reconnect failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, h.eng.Connection())
}

// stream sends a "snapshot" event with the visible stack, then one
// "presented" or "dismissed" event per change.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	changes, unsubscribe := h.eng.Subscribe(32)
	defer unsubscribe()

	vis := h.eng.Visible()
	if vis == nil {
		vis = []presenter.Notification{}
	}
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, "snapshot", vis); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.log.Debug("sse flush unsupported", logx.Err(err))
		return
	}

	tick := time.NewTicker(h.opts.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case c, ok := <-changes:
			if !ok {
				return
			}
			name := "dismissed"
			if c.Presented {
				name = "presented"
			}
			if err := writeEvent(w, name, c); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}
