// Package api exposes the HTTP surface: generation, token balance and
// bonus claims, payment checkout and webhooks, and admin maintenance.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/glowstyle/glowstyle-backend/internal/config"
	"github.com/glowstyle/glowstyle-backend/internal/database"
	"github.com/glowstyle/glowstyle-backend/internal/models"
	"github.com/glowstyle/glowstyle-backend/internal/service"
)

// maxGenerateBody caps the generation request payload; source images
// arrive as URLs, so anything larger is abuse.
const maxGenerateBody = 1 << 20

type Server struct {
	addr        string
	adminSecret string
	log         *slog.Logger
	db          *sql.DB
	users       *service.UserService
	tokens      *service.TokenService
	generations *service.GenerationService
	payments    *service.PaymentService
	limiter     *rateLimiter
	router      *chi.Mux
}

func NewServer(cfg config.Config, log *slog.Logger, db *sql.DB, users *service.UserService, tokens *service.TokenService, generations *service.GenerationService, payments *service.PaymentService) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Telegram-Id", "X-Clerk-Id", "X-Device-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s := &Server{
		addr:        cfg.ListenAddr,
		adminSecret: cfg.AdminSecret,
		log:         log,
		db:          db,
		users:       users,
		tokens:      tokens,
		generations: generations,
		payments:    payments,
		limiter:     newRateLimiter(cfg.RateLimitPerMinute, time.Minute, nil),
		router:      r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhooks/payment", s.handlePaymentWebhook)

	r.Group(func(authed chi.Router) {
		authed.Use(s.identityMiddleware)
		authed.Post("/api/generations", s.handleGenerate)
		authed.Get("/api/generations", s.handleHistory)
		authed.Get("/api/tokens", s.handleTokenBalance)
		authed.Post("/api/tokens", s.handleClaimBonus)
		authed.Get("/api/packages", s.handleListPackages)
		authed.Post("/api/payments/checkout", s.handleCheckout)
	})

	r.Group(func(admin chi.Router) {
		admin.Use(s.adminSecretMiddleware)
		admin.Post("/admin/migrate", s.handleMigrate)
		admin.Delete("/admin/users/anonymous", s.handleDeleteAnonymous)
		admin.Post("/admin/users/{id}/plan", s.handleSetPlan)
		admin.Get("/admin/users/{id}/ledger", s.handleLedgerAudit)
	})

	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

type contextKey string

const (
	userContextKey   contextKey = "user"
	sourceContextKey contextKey = "identity-source"
)

// identityMiddleware resolves the request to a user from the credential
// headers, creating the account on first contact and granting the welcome
// bonus to identified users.
func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := service.Identity{
			TelegramID: r.Header.Get("X-Telegram-Id"),
			ClerkID:    r.Header.Get("X-Clerk-Id"),
			DeviceID:   r.Header.Get("X-Device-Id"),
			Email:      r.Header.Get("X-User-Email"),
			FirstName:  r.Header.Get("X-User-First-Name"),
			LastName:   r.Header.Get("X-User-Last-Name"),
		}

		user, source, created, err := s.users.Resolve(r.Context(), ident)
		if errors.Is(err, service.ErrNoIdentity) {
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if err != nil {
			s.internalError(w, "resolve identity", err)
			return
		}

		if created {
			if _, err := s.tokens.EnsureWelcomeBonus(r.Context(), user.ID, source); err != nil {
				s.log.Error("welcome bonus", "user_id", user.ID, "err", err)
			}
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		ctx = context.WithValue(ctx, sourceContextKey, source)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminSecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.adminSecret)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFrom(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, "database unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	if err := database.Migrate(r.Context(), s.db); err != nil {
		s.internalError(w, "migrate", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "migrated"})
}
