// Package api serves the balanced metrics endpoint over HTTP: the
// line-protocol body for scrapers at the configured route, and the JSON
// variant with per-partition detail at route + "/json".
package api

import (
	"log/slog"
	"net/http"

	"github.com/xraph/balanced/metrics"
)

// MetricsHandler serves exporter output.
type MetricsHandler struct {
	exporter *metrics.Exporter
	logger   *slog.Logger
}

// Option configures the MetricsHandler.
type Option func(*MetricsHandler)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *MetricsHandler) { h.logger = l }
}

// NewMetricsHandler creates a handler over the given exporter.
func NewMetricsHandler(exporter *metrics.Exporter, opts ...Option) *MetricsHandler {
	h := &MetricsHandler{exporter: exporter, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Text serves the line-protocol body.
func (h *MetricsHandler) Text(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if _, err := w.Write([]byte(h.exporter.Export(r.Context()))); err != nil {
		h.logger.Warn("metrics write failed", slog.String("error", err.Error()))
	}
}

// JSON serves the structured variant with per-partition detail.
func (h *MetricsHandler) JSON(w http.ResponseWriter, r *http.Request) {
	body, err := h.exporter.ExportJSON(r.Context())
	if err != nil {
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("metrics write failed", slog.String("error", err.Error()))
	}
}

// Routes returns an http.Handler serving the text body at route and the
// JSON variant at route + "/json". A non-nil gate (IPAllowlist.Middleware,
// BasicAuth.Middleware) wraps both routes.
func (h *MetricsHandler) Routes(route string, gate func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+route, h.Text)
	mux.HandleFunc("GET "+route+"/json", h.JSON)

	if gate == nil {
		return mux
	}
	return gate(mux)
}
