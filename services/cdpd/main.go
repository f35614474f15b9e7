package main

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cdpledger/config"
	"cdpledger/core"
	"cdpledger/core/state"
	"cdpledger/gateway/middleware"
	"cdpledger/native/cdp"
	"cdpledger/native/custody"
	"cdpledger/native/oracle"
	"cdpledger/observability"
	"cdpledger/observability/logging"
	telemetry "cdpledger/observability/otel"
	"cdpledger/services/cdpd/audit"
	cdpdconfig "cdpledger/services/cdpd/config"
	"cdpledger/services/cdpd/server"
	"cdpledger/storage"
)

const idempotencyPruneInterval = time.Hour

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/cdpd/config.yaml", "path to cdpd config")
	flag.Parse()

	cfg, err := cdpdconfig.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	env := strings.TrimSpace(os.Getenv("CDP_ENV"))
	logger, logCloser := logging.Setup("cdpd", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if logCloser != nil {
		defer logCloser.Close()
	}

	headers := cfg.Telemetry.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "cdpd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, env, logger); err != nil {
		logger.Error("cdpd stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg cdpdconfig.Config, env string, logger *slog.Logger) error {
	module, err := config.Load(cfg.ModuleConfig)
	if err != nil {
		return fmt.Errorf("load module config: %w", err)
	}
	secret, err := module.CustodySecret()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	manager, err := state.NewManager(db)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	if err := state.EnsureStateVersion(manager, false); err != nil {
		return err
	}

	feed, poster, err := buildPriceFeed(module.Oracle)
	if err != nil {
		return err
	}
	ledger, err := core.NewLedger(manager, core.LedgerOptions{
		Params:        module.RiskParameters(),
		Policy:        module.Policy(),
		CustodySecret: secret,
		Prices:        feed,
		Quota:         module.Quota(),
		Logger:        logger,
		Metrics:       observability.Ledger(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, asset := range module.Custody.Assets {
		if err := ledger.EnsureAsset(ctx, asset.Symbol, asset.Decimals); err != nil {
			return fmt.Errorf("register asset %s: %w", asset.Symbol, err)
		}
	}
	if err := ledger.SetPaused(ctx, cdp.ModuleName, module.Pauses.CDP); err != nil {
		return err
	}
	if err := ledger.SetPaused(ctx, custody.ModuleName, module.Pauses.Custody); err != nil {
		return err
	}

	stream := core.NewEventStream(256)
	ledger.Subscribe(stream)

	var auditLog server.AuditLog
	if cfg.Audit.Driver != cdpdconfig.AuditDisabled {
		journal, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN, logger)
		if err != nil {
			return fmt.Errorf("open audit journal: %w", err)
		}
		defer journal.Close()
		ledger.Subscribe(journal)
		auditLog = journal
	}

	idempotency, err := server.OpenIdempotencyStore(cfg.IdempotencyPath(), cfg.Idempotency.TTL)
	if err != nil {
		return fmt.Errorf("open idempotency store: %w", err)
	}
	defer idempotency.Close()
	go pruneIdempotency(ctx, idempotency, logger)

	digest, err := ledger.StateDigest()
	if err != nil {
		return err
	}
	logger.Info("ledger ready",
		"storage", cfg.Storage,
		"oracle", module.Oracle.Mode,
		"state_digest", hex.EncodeToString(digest[:]),
		logging.MaskField("auth_secret", cfg.AuthSecret()))
	if cfg.AuthSecret() == "" {
		logger.Warn("auth secret not configured; operator routes will reject every token")
	}

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, limit := range cfg.RateLimits {
		limits[limit.Bucket] = middleware.RateLimit{
			RatePerSecond: limit.RatePerSecond,
			Burst:         limit.Burst,
			DefaultTokens: limit.DefaultTokens,
			Tokens:        limit.Tokens,
		}
	}
	srvCfg := server.Config{
		Ledger:      ledger,
		Events:      stream,
		Audit:       auditLog,
		Idempotency: idempotency,
		Auth: middleware.AuthConfig{
			Enabled:    true,
			HMACSecret: cfg.AuthSecret(),
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew,
		},
		RateLimits: limits,
		CORS:       middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Observability: middleware.ObservabilityConfig{
			ServiceName: "cdpd",
			LogRequests: cfg.Telemetry.LogRequests,
			Enabled:     true,
		},
		SignatureMaxAge: cfg.Auth.SignatureMaxAge,
		Logger:          logger,
	}
	if poster != nil {
		srvCfg.Prices = poster
	}
	srv := server.New(srvCfg)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if !cfg.TLS.Enabled() {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			listener.Close()
			return errors.New("plaintext cdpd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("cdpd listening", "address", listener.Addr().String(), "tls", cfg.TLS.Enabled())
		if cfg.TLS.Enabled() {
			serverErr <- httpServer.ServeTLS(listener, cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

func openStorage(cfg cdpdconfig.Config) (storage.Database, error) {
	switch cfg.Storage {
	case cdpdconfig.StorageMemory:
		return storage.NewMemDB(), nil
	default:
		db, err := storage.NewLevelDB(strings.TrimRight(cfg.DataDir, "/") + "/state")
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	}
}

// buildPriceFeed returns the configured feed and, for registry mode, the
// poster that accepts operator quotes.
func buildPriceFeed(cfg config.Oracle) (cdp.PriceFeed, server.PricePoster, error) {
	switch cfg.Mode {
	case config.OracleModeRegistry:
		registry := oracle.NewRegistry()
		for _, quote := range cfg.Quotes {
			if _, err := registry.Post(quote.Asset, quote.Price, time.Time{}, "config"); err != nil {
				return nil, nil, fmt.Errorf("seed quote %s: %w", quote.Asset, err)
			}
		}
		return registry, registry, nil
	default:
		price, err := oracle.ParsePrice(cfg.FixedPrice)
		if err != nil {
			return nil, nil, fmt.Errorf("fixed price: %w", err)
		}
		return oracle.NewFixed(price), nil, nil
	}
}

func pruneIdempotency(ctx context.Context, store *server.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(idempotencyPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune()
			if err != nil {
				logger.Warn("idempotency prune failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency keys pruned", "removed", removed)
			}
		}
	}
}
