package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/uwb-bootstrap/uwb-ranging-server/internal/auth"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/config"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/models"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/ranging"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/session"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/storage"
	"github.com/uwb-bootstrap/uwb-ranging-server/internal/validation"
	"github.com/uwb-bootstrap/uwb-ranging-server/pkg/uwb"
)

// Sessions is the part of session.Service the API drives
type Sessions interface {
	Start(ctx context.Context, role uwb.Role) (*models.Session, error)
	Stop(ctx context.Context) (*models.Session, error)
	Current() (*models.Session, bool)
	Position() (ranging.Snapshot, bool)
	Subscribe() (<-chan session.Update, func())
}

type contextKey struct{}

// claimsKey holds *auth.Claims on authenticated requests
var claimsKey = contextKey{}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	store     storage.Store
	sessions  Sessions
	auth      *auth.JWTManager
	validator *validation.Validator
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store storage.Store, sessions Sessions) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		store:     store,
		sessions:  sessions,
		auth:      auth.NewJWTManager(&cfg.JWT, cfg.API.AdminUser, cfg.API.AdminPasswordHash),
		validator: validation.NewValidator(),
		router:    chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requestLogger logs each request through zerolog
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// authMiddleware is the authentication middleware. Browsers cannot set
// headers on WebSocket upgrades, so the token may also be passed as the
// access_token query parameter.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			// Parse Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			token = parts[1]
		}
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// claimsFrom returns the authenticated claims of r
func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsKey).(*auth.Claims)
	return claims
}
