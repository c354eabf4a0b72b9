package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/clip-upload-service/internal/config"
	"github.com/skypro1111/clip-upload-service/internal/metrics"
	"github.com/skypro1111/clip-upload-service/internal/stream"
	"github.com/skypro1111/clip-upload-service/internal/upload"
)

// EventLister returns the journaled upload events of a session
type EventLister interface {
	ListClipEvents(ctx context.Context, sessionID string, limit int) ([]upload.Event, error)
}

// HealthCheck reports a component problem as an error
type HealthCheck func(ctx context.Context) error

// HTTPServerOptions are the dependencies of the monitoring API. Only
// Config and Sessions are required.
type HTTPServerOptions struct {
	Config   *config.Config
	Sessions *stream.Manager
	UDP      *UDPServer
	Journal  EventLister
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Health   map[string]HealthCheck
}

// HTTPServer provides monitoring endpoints over sessions, ingest and uploads
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	opts      HTTPServerOptions
	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, opts HTTPServerOptions) *HTTPServer {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		opts:      opts,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // retry waits for uploads
		IdleTimeout:  60 * time.Second,
	}

	return h
}

func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("GET /sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("GET /sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("GET /sessions/{id}/events", h.withMetrics("/sessions/{id}/events", h.handleSessionEvents))
	mux.HandleFunc("POST /sessions/{id}/retry", h.withMetrics("/sessions/{id}/retry", h.handleSessionRetry))

	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("GET /stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, for tests and embedding
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)
		h.opts.Metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.opts.Metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	components := map[string]any{
		"session_manager": map[string]any{
			"status":          "running",
			"active_sessions": h.opts.Sessions.GetActiveSessionCount(),
		},
	}
	if h.opts.UDP != nil {
		stats := h.opts.UDP.GetStatistics()
		components["udp_server"] = map[string]any{
			"status":            "running",
			"packets_received":  stats.PacketsReceived,
			"packets_processed": stats.PacketsProcessed,
			"parse_errors":      stats.ParseErrors,
			"queue_size":        stats.QueueSize,
		}
	}
	for name, check := range h.opts.Health {
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "unhealthy", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "healthy"}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(h.startTime).String(),
		"components": components,
		"service": map[string]any{
			"name": h.opts.Config.Telemetry.ServiceName,
		},
	})
}

func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.opts.Sessions.GetAllSessions()
	infos := make([]stream.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions":  len(infos),
		"active_sessions": h.opts.Sessions.GetActiveSessionCount(),
		"timestamp":       time.Now().UTC(),
		"sessions":        infos,
	})
}

// lookup resolves a session id, falling back to a numeric stream id
func (h *HTTPServer) lookup(id string) (*stream.Session, bool) {
	if session, ok := h.opts.Sessions.GetSessionByID(id); ok {
		return session, true
	}
	streamID, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, false
	}
	return h.opts.Sessions.GetSession(uint32(streamID))
}

type sessionDetail struct {
	stream.SessionInfo
	ClipList  []upload.ClipRecord `json:"clip_list"`
	EndResult *stream.Result      `json:"end_result,omitempty"`
}

func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(r.PathValue("id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	detail := sessionDetail{
		SessionInfo: session.Info(),
		ClipList:    session.Clips(),
	}
	if res, ended := session.EndResult(); ended {
		detail.EndResult = &res
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *HTTPServer) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if h.opts.Journal == nil {
		http.Error(w, "Journal not configured", http.StatusNotFound)
		return
	}

	id := r.PathValue("id")
	if session, ok := h.lookup(id); ok {
		id = session.ID
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.opts.Journal.ListClipEvents(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("Failed to list clip events",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
		http.Error(w, "Failed to read journal", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []upload.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     events,
	})
}

func (h *HTTPServer) handleSessionRetry(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(r.PathValue("id"))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	res := h.opts.Sessions.RetrySession(r.Context(), session.StreamID)
	code := http.StatusOK
	if !res.OK() {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

// handleConfig returns the configuration without secrets
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.opts.Config

	writeJSON(w, http.StatusOK, map[string]any{
		"server":       c.Server,
		"http":         c.HTTP,
		"audio":        c.Audio,
		"segmentation": c.Segmentation,
		"storage":      c.Storage,
		"credentials": map[string]any{
			"endpoint":        c.Credentials.Endpoint,
			"timeout":         c.Credentials.Timeout,
			"refresh_timeout": c.Credentials.RefreshTimeout,
			"static":          c.Credentials.Endpoint == "",
		},
		"upload":    c.Upload,
		"bridge":    c.Bridge,
		"journal":   c.Journal,
		"telemetry": c.Telemetry,
		"logging":   c.Logging,
	})
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	var clips upload.Stats
	var totals upload.Totals
	for _, session := range h.opts.Sessions.GetAllSessions() {
		info := session.Info()
		clips.Total += info.Clips.Total
		clips.Succeeded += info.Clips.Succeeded
		clips.Failed += info.Clips.Failed
		clips.Pending += info.Clips.Pending
		clips.Outstanding += info.Clips.Outstanding
		totals.RawSamples += info.Totals.RawSamples
		totals.InsertedSamples += info.Totals.InsertedSamples
		totals.RawFrames += info.Totals.RawFrames
		totals.InsertedFrames += info.Totals.InsertedFrames
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"active_count": h.opts.Sessions.GetActiveSessionCount(),
		},
		"clips":  clips,
		"totals": totals,
	}
	if h.opts.UDP != nil {
		stats["udp"] = h.opts.UDP.GetStatistics()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": h.opts.Config.Telemetry.ServiceName,
		"endpoints": map[string]string{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /sessions":             "List sessions",
			"GET /sessions/{id}":        "Session detail with clip records",
			"GET /sessions/{id}/events": "Journaled upload events",
			"POST /sessions/{id}/retry": "Retry failed clips",
			"GET /config":               "Service configuration without secrets",
			"GET /stats":                "Ingest and upload statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
