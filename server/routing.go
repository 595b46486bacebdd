package server

import (
	"net/http"
	"strings"
)

// setupHTTPRoutes configures all HTTP handlers under the API prefix
func (s *Server) setupHTTPRoutes(mux *http.ServeMux) {
	prefix := strings.TrimSuffix(s.cfg.App.APIPrefix, "/")

	mux.HandleFunc(prefix+"/workflows", s.corsMiddleware(s.handleWorkflows))       // List/create workflows (GET/POST)
	mux.HandleFunc(prefix+"/workflows/", s.corsMiddleware(s.handleWorkflowByID))   // Workflow detail, cancel, job listing
	mux.HandleFunc(prefix+"/jobs/", s.corsMiddleware(s.handleJobByID))             // Job detail (GET) and cancel (POST /cancel)
	mux.HandleFunc(prefix+"/health", s.corsMiddleware(s.handleHealth))             // Liveness probe
	mux.HandleFunc(prefix+"/status", s.corsMiddleware(s.handleStatus))             // Scheduler and tenant counters
	mux.HandleFunc(prefix+"/ws/jobs/", s.corsMiddleware(s.handleJobSocket))        // Per-job progress stream
	mux.HandleFunc(prefix+"/ws/workflows/", s.corsMiddleware(s.handleWorkflowSocket)) // Per-workflow progress stream
}

// corsMiddleware adds CORS headers using the configured allowed origins
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// checkOrigin validates a request origin against the configured allowlist.
// Requests without an Origin header (curl, tests, native clients) pass.
// Prefix matching allows any port on an allowed host.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	allowed := s.originAllowlist()
	if len(allowed) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowedOrigin := range allowed {
		if strings.HasPrefix(origin, allowedOrigin) {
			return true
		}
	}
	return false
}
