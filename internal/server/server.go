package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/credential"
	"github.com/dukerupert/resellr/internal/directory"
	"github.com/dukerupert/resellr/internal/handler"
	"github.com/dukerupert/resellr/internal/ledger"
	"github.com/dukerupert/resellr/internal/metrics"
	"github.com/dukerupert/resellr/internal/middleware"
	"github.com/dukerupert/resellr/internal/model"
	"github.com/dukerupert/resellr/internal/replenishment"
	"github.com/dukerupert/resellr/internal/store"
	ws "github.com/dukerupert/resellr/internal/websocket"
)

// Config carries the settings the server wires into its services.
type Config struct {
	Verifier         *auth.TokenVerifier
	TokenTTL         time.Duration
	BcryptCost       int
	Escrow           bool
	RetryAttempts    uint64
	RetryBaseDelay   time.Duration
	RateLimit        int
	RateLimitWindow  time.Duration
	WebsocketOrigins []string
	Mailer           directory.CredentialMailer
	// Clock overrides time.Now; tests only.
	Clock func() time.Time
}

type Server struct {
	db          *sql.DB
	cfg         Config
	hub         *ws.Hub
	metrics     *metrics.Metrics
	directory   *directory.Service
	ledger      *ledger.Service
	replenish   *replenishment.Service
	accountH    *handler.AccountHandler
	licenseH    *handler.LicenseHandler
	requestH    *handler.ReplenishmentHandler
	authH       *handler.AuthHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))
	m := metrics.New()

	runner := store.NewTxRunner(db,
		store.WithRetry(cfg.RetryAttempts, cfg.RetryBaseDelay),
		store.WithTransientHook(func(err error) {
			m.StoreRetries.Inc()
			logger.Debug("retrying transient store error", "error", err)
		}),
	)

	dirOpts := []directory.Option{
		directory.WithEscrow(cfg.Escrow),
		directory.WithEvents(hub),
		directory.WithMetrics(m),
	}
	if cfg.Mailer != nil {
		dirOpts = append(dirOpts, directory.WithMailer(cfg.Mailer))
	}
	if cfg.Clock != nil {
		dirOpts = append(dirOpts, directory.WithClock(cfg.Clock))
	}
	dir := directory.NewService(runner, credential.NewHasher(cfg.BcryptCost), logger, dirOpts...)
	led := ledger.NewService(runner, dir, logger, ledger.WithEvents(hub), ledger.WithMetrics(m))
	rep := replenishment.NewService(runner, dir, led, logger,
		replenishment.WithEvents(hub), replenishment.WithMetrics(m))

	httpLogger := logger.With("component", "api")
	return &Server{
		db:          db,
		cfg:         cfg,
		hub:         hub,
		metrics:     m,
		directory:   dir,
		ledger:      led,
		replenish:   rep,
		accountH:    handler.NewAccountHandler(dir, httpLogger),
		licenseH:    handler.NewLicenseHandler(led, httpLogger),
		requestH:    handler.NewReplenishmentHandler(rep, httpLogger),
		authH:       handler.NewAuthHandler(dir, cfg.Verifier, cfg.TokenTTL, httpLogger),
		rateLimiter: middleware.NewRateLimiter(),
		logger:      logger,
	}
}

// Directory returns the account directory, used for bootstrap tasks.
func (s *Server) Directory() *directory.Service {
	return s.directory
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(s.logger.With("component", "http")))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", s.metrics.Handler())

	limited := middleware.RateLimit(s.rateLimiter, middleware.PrincipalKey, s.cfg.RateLimit, s.cfg.RateLimitWindow)
	resellers := middleware.RequireRole(model.RoleMasterReseller, model.RolePartnerReseller)
	readers := middleware.RequireRole(model.RoleAdmin, model.RoleMasterReseller, model.RolePartnerReseller)

	r.Route("/api", func(r chi.Router) {
		r.With(limited).Post("/auth/token", s.authH.Token)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.cfg.Verifier))

			r.Get("/accounts/me", s.accountH.Me)
			r.With(middleware.RequireRole(model.RoleAdmin, model.RoleMasterReseller)).
				Get("/accounts/{id}/partners", s.accountH.ListPartners)

			r.With(resellers, limited).Post("/licenses/activate", s.licenseH.Activate)
			r.With(middleware.RequireRole(model.RoleMasterReseller), limited).
				Post("/licenses/redeem-for-new-reseller", s.licenseH.Redeem)

			r.Group(func(r chi.Router) {
				r.Use(readers)
				r.Get("/licenses", s.licenseH.List)
				r.Get("/licenses/{key}", s.licenseH.Get)
				r.Post("/replenishment-requests", s.requestH.Create)
				r.Get("/replenishment-requests", s.requestH.List)
				r.Get("/replenishment-requests/{id}", s.requestH.Get)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Post("/resellers", s.accountH.CreateReseller)
				r.Post("/replenishment-requests/{id}/decision", s.requestH.Decide)
				r.Get("/admin/accounts/{id}", s.accountH.AdminGet)
				r.Post("/admin/accounts/{id}/active", s.accountH.SetActive)
				r.Post("/admin/accounts/{id}/expiry", s.accountH.SetExpiry)
				r.Post("/admin/licenses/mint", s.licenseH.Mint)
				r.Get("/admin/events", ws.HandleEvents(s.hub, s.cfg.WebsocketOrigins, s.logger.With("component", "websocket")))
			})
		})
	})

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check: database ping", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	render.Status(r, code)
	render.JSON(w, r, map[string]any{
		"status":            status,
		"websocket_clients": s.hub.ClientCount(),
	})
}
