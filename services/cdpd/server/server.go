package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cdpledger/core"
	"cdpledger/crypto"
	"cdpledger/gateway/middleware"
	"cdpledger/native/cdp"
	"cdpledger/native/custody"
	"cdpledger/services/cdpd/audit"
)

// Ledger abstracts the ledger operations served over HTTP.
type Ledger interface {
	OpenPool(ctx context.Context, creator crypto.Address, asset string) (*cdp.Pool, error)
	OpenPosition(ctx context.Context, owner crypto.Address, asset string, collateral, debt uint64) (*cdp.Position, error)
	Deposit(ctx context.Context, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error)
	Withdraw(ctx context.Context, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error)
	Borrow(ctx context.Context, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error)
	Repay(ctx context.Context, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error)
	Pool(asset string) (*cdp.Pool, error)
	Pools() ([]*cdp.Pool, error)
	Position(owner crypto.Address, asset string) (*cdp.Position, error)
	Health(ctx context.Context, owner crypto.Address, asset string) (*cdp.RatioReport, error)
	Audit(asset string) (*cdp.AuditReport, error)
	Snapshot(ctx context.Context, asset string) (*cdp.Pool, []core.PositionSnapshot, error)
	RegisterAsset(ctx context.Context, symbol string, decimals uint8) (*custody.Asset, error)
	Credit(ctx context.Context, account, asset string, amount uint64) (uint64, error)
	Balance(account, asset string) (uint64, error)
	SetPaused(ctx context.Context, module string, paused bool) error
}

// PricePoster accepts operator price quotes.
type PricePoster interface {
	Post(asset, price string, asOf time.Time, source string) (cdp.PriceQuote, error)
}

// EventSource streams committed ledger events from a cursor.
type EventSource interface {
	Subscribe(ctx context.Context, cursor string) (<-chan core.StreamedEvent, func(), []core.StreamedEvent, error)
}

// AuditLog lists journaled events.
type AuditLog interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
}

// Rate limiter buckets applied to the route groups.
const (
	BucketPublic = "public"
	BucketOwner  = "owner"
	BucketAdmin  = "admin"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger      Ledger
	Prices      PricePoster
	Events      EventSource
	Audit       AuditLog
	Idempotency *IdempotencyStore

	Auth            middleware.AuthConfig
	RateLimits      map[string]middleware.RateLimit
	CORS            middleware.CORSConfig
	Observability   middleware.ObservabilityConfig
	SignatureMaxAge time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Server exposes the ledger over a versioned JSON API.
type Server struct {
	ledger          Ledger
	prices          PricePoster
	events          EventSource
	audit           AuditLog
	idempotency     *IdempotencyStore
	nonces          *nonceGuard
	auth            *middleware.Authenticator
	limiter         *middleware.RateLimiter
	obs             *middleware.Observability
	cors            middleware.CORSConfig
	signatureMaxAge time.Duration
	logger          *slog.Logger
	now             func() time.Time

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SignatureMaxAge <= 0 {
		cfg.SignatureMaxAge = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	srv := &Server{
		ledger:          cfg.Ledger,
		prices:          cfg.Prices,
		events:          cfg.Events,
		audit:           cfg.Audit,
		idempotency:     cfg.Idempotency,
		nonces:          newNonceGuard(cfg.Idempotency),
		auth:            middleware.NewAuthenticator(cfg.Auth, logger),
		limiter:         middleware.NewRateLimiter(cfg.RateLimits, logger),
		obs:             middleware.NewObservability(cfg.Observability, logger),
		cors:            cfg.CORS,
		signatureMaxAge: cfg.SignatureMaxAge,
		logger:          logger.With("component", "server"),
		now:             cfg.Now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped in server spans.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "cdpd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cors))

	r.With(s.obs.Middleware("healthz")).Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(public chi.Router) {
			public.Use(s.limiter.Middleware(BucketPublic))
			public.With(s.obs.Middleware("pools.list")).Get("/pools", s.handleListPools)
			public.With(s.obs.Middleware("pools.get")).Get("/pools/{asset}", s.handleGetPool)
			public.With(s.obs.Middleware("pools.audit")).Get("/pools/{asset}/audit", s.handlePoolAudit)
			public.With(s.obs.Middleware("positions.get")).Get("/positions/{asset}/{owner}", s.handleGetPosition)
			public.With(s.obs.Middleware("balances.get")).Get("/balances/{asset}/{account}", s.handleGetBalance)
			public.With(s.obs.Middleware("events.stream")).Get("/events", s.handleEvents)
		})

		api.Group(func(owner chi.Router) {
			owner.Use(s.limiter.Middleware(BucketOwner))
			owner.Use(s.RequireSignature)
			owner.Use(s.idempotency.Middleware)
			owner.With(s.obs.Middleware("positions.open")).Post("/positions", s.handleOpenPosition)
			owner.With(s.obs.Middleware("positions.deposit")).Post("/positions/deposit", s.positionHandler(opDeposit))
			owner.With(s.obs.Middleware("positions.withdraw")).Post("/positions/withdraw", s.positionHandler(opWithdraw))
			owner.With(s.obs.Middleware("positions.borrow")).Post("/positions/borrow", s.positionHandler(opBorrow))
			owner.With(s.obs.Middleware("positions.repay")).Post("/positions/repay", s.positionHandler(opRepay))
		})

		api.Group(func(admin chi.Router) {
			admin.Use(s.limiter.Middleware(BucketAdmin))
			admin.Use(s.auth.Middleware(middleware.ScopeAdmin))
			admin.With(s.obs.Middleware("pools.export")).Get("/pools/{asset}/export", s.handleExport)
			admin.With(s.obs.Middleware("pools.snapshot")).Get("/pools/{asset}/snapshot", s.handleSnapshot)
			admin.With(s.obs.Middleware("audit.list")).Get("/audit", s.handleAuditLog)
			admin.Group(func(mutating chi.Router) {
				mutating.Use(s.idempotency.Middleware)
				mutating.With(s.obs.Middleware("pools.open")).Post("/pools", s.handleOpenPool)
				mutating.With(s.obs.Middleware("admin.assets")).Post("/admin/assets", s.handleRegisterAsset)
				mutating.With(s.obs.Middleware("admin.credit")).Post("/admin/credit", s.handleCredit)
				mutating.With(s.obs.Middleware("admin.prices")).Post("/admin/prices", s.handlePostPrice)
				mutating.With(s.obs.Middleware("admin.pause")).Post("/admin/pause", s.handlePause)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
