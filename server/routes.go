package server

import (
	"net/http"
	"slices"
	"time"

	"github.com/ternarybob/arbor"
)

// NewRouter registers the query API on a ServeMux and wraps it with CORS and request logging.
func NewRouter(h *QueryHandlers, m *MonitoringHandlers, allowedOrigins []string, logger arbor.ILogger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /videos/{lecture}", h.ListVideosHandler)
	mux.HandleFunc("GET /video/{lecture}/{id}", h.VideoSourceHandler)
	mux.HandleFunc("GET /layout/{lecture}/{id}/{frame}", h.LayoutHandler)
	mux.HandleFunc("GET /fps/{lecture}/{id}", h.FPSHandler)
	mux.HandleFunc("GET /frames/metadata/{lecture}/{id}", h.FrameMetadataHandler)
	mux.HandleFunc("GET /frames/{lecture}/{id}/{frame}/image", h.FrameImageHandler)
	mux.HandleFunc("POST /explain", h.ExplainHandler)
	mux.HandleFunc("POST /associate", h.AssociateHandler)
	mux.HandleFunc("GET /context/{lecture}/{id}", h.ContextHandler)
	mux.HandleFunc("POST /search", h.SearchHandler)

	mux.HandleFunc("GET /health", m.HealthCheckHandler)
	mux.HandleFunc("GET /stats", m.StatsHandler)

	return withLogging(withCORS(mux, allowedOrigins), logger)
}

// withCORS allows the configured front-end origins. "*" allows any origin.
func withCORS(next http.Handler, allowedOrigins []string) http.Handler {
	allowAll := slices.Contains(allowedOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || slices.Contains(allowedOrigins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func withLogging(next http.Handler, logger arbor.ILogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("elapsed", time.Since(start).Round(time.Microsecond).String()).
			Msg("HTTP request")
	})
}
