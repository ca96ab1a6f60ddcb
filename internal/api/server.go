// Package api exposes the round engine over HTTP. Every response is JSON;
// errors use a structured envelope carrying the request id so clients can
// correlate failures with server logs.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/engine"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/store"
)

// Server handles HTTP requests.
type Server struct {
	eng        *engine.Engine
	db         store.DB
	adminToken string
	log        zerolog.Logger
	startTime  time.Time
}

// NewServer creates the API server. An empty adminToken disables the
// administrative settle and sweep endpoints entirely.
func NewServer(eng *engine.Engine, db store.DB, adminToken string, log zerolog.Logger) *Server {
	return &Server{
		eng:        eng,
		db:         db,
		adminToken: adminToken,
		log:        log,
		startTime:  time.Now(),
	}
}

// Routes sets up the HTTP routes with proper middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoveryHandler)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealthCheck)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rounds/current", s.handleCurrentRound)
		r.Get("/rounds", s.handleListRounds)
		r.Get("/rounds/{roundID}", s.handleGetRound)
		r.Get("/rounds/{roundID}/entries/{participant}", s.handleEntryStatus)
		r.Post("/rounds/{roundID}/entries", s.handleSubmitEntry)
		r.Post("/rounds/{roundID}/claims", s.handleClaim)
		r.Get("/fairness", s.handleFairness)
		r.Get("/leaderboard", s.handleLeaderboard)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/rounds/{roundID}/settle", s.handleSettle)
			r.Post("/rounds/{roundID}/sweep", s.handleSweep)
		})
	})

	return r
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote_ip", r.RemoteAddr).
			Msg("request")
	})
}

// requireAdmin gates operator endpoints behind a bearer token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if s.adminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			s.writeError(w, http.StatusForbidden, APIError{
				Type:      ErrTypeUnauthorized,
				Message:   "admin token required",
				RequestID: middleware.GetReqID(r.Context()),
				Timestamp: rfc3339Now(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// writeJSON writes a JSON response with proper headers.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Service-Version", ServiceVersion)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// writeError writes a structured error response.
func (s *Server) writeError(w http.ResponseWriter, status int, apiErr APIError) {
	w.Header().Set("X-Error-Type", apiErr.Type)
	w.Header().Set("X-Error-Category", string(GetErrorCategory(apiErr.Type)))
	s.writeJSON(w, status, apiErr)
}
