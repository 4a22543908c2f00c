// Command lennyd runs the Lenny identity and lending service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	lenny "github.com/lennyproject/lenny"
	"github.com/lennyproject/lenny/instrumentation"
	"github.com/lennyproject/lenny/ledger"
	"github.com/lennyproject/lenny/otp"
	"github.com/lennyproject/lenny/security"
	"github.com/lennyproject/lenny/server"
	"github.com/lennyproject/lenny/storage"
	"github.com/lennyproject/lenny/storage/memory"
	"github.com/lennyproject/lenny/storage/sqlite"
)

type config struct {
	ListenAddr string `env:"LENNY_LISTEN_ADDR" envDefault:":8080"`
	BaseURL    string `env:"LENNY_BASE_URL" envDefault:"http://localhost:8080"`

	// SecretSeed derives every key: email cipher, session signer, passcode
	// HMAC, and the access token signing key.
	SecretSeed string `env:"LENNY_SECRET_SEED,required"`

	// DatabasePath selects the sqlite file; empty runs fully in memory.
	DatabasePath string `env:"LENNY_DATABASE_PATH"`

	// OTPRelayURL is the HTTP mail relay delivering passcodes.
	OTPRelayURL string `env:"LENNY_OTP_RELAY_URL,required"`

	TrustProxy        bool `env:"LENNY_TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"LENNY_TRUSTED_PROXY_COUNT" envDefault:"1"`

	LogLevel    string `env:"LENNY_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LENNY_LOG_FORMAT" envDefault:"json"`
	AuditEvents bool   `env:"LENNY_AUDIT_EVENTS" envDefault:"true"`

	// SeedClientID registers a public client at startup when set, so a
	// fresh deployment has something to authorize against.
	SeedClientID     string   `env:"LENNY_SEED_CLIENT_ID"`
	SeedClientURIs   []string `env:"LENNY_SEED_CLIENT_REDIRECT_URIS"`
	SeedClientSecret string   `env:"LENNY_SEED_CLIENT_SECRET"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "lenny",
		Enabled:     true,
	})
	if err != nil {
		return fmt.Errorf("init instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("instrumentation shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	srv, err := server.New(store, store, store, cfg.SecretSeed, &server.Config{
		Issuer:            "lenny-auth-server",
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
	}, logger)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	cipher, err := security.NewCipher(cfg.SecretSeed)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	srv.SetCipher(cipher)

	auditor := security.NewAuditor(logger, cfg.AuditEvents)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)
	srv.StartCleanup(ctx)

	signer, err := security.NewSigner(cfg.SecretSeed, security.DefaultSessionTTL)
	if err != nil {
		return fmt.Errorf("init session signer: %w", err)
	}

	sender, err := otp.NewRelaySender(cfg.OTPRelayURL, logger)
	if err != nil {
		return fmt.Errorf("init otp relay: %w", err)
	}
	issuer, err := otp.NewIssuer(cfg.SecretSeed, sender, signer, logger,
		otp.WithAuditor(auditor),
		otp.WithInstrumentation(inst),
	)
	if err != nil {
		return fmt.Errorf("init otp issuer: %w", err)
	}

	loans := ledger.NewService(store, logger)
	loans.SetAuditor(auditor)
	loans.SetInstrumentation(inst)

	if err := seedClient(ctx, cfg, store, logger); err != nil {
		return err
	}

	handler := lenny.NewHandler(srv, issuer, loans, store, signer, cfg.BaseURL, logger)
	handler.SetInstrumentation(inst)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(cfg config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// instrumentedStore is the intersection both backends satisfy.
type instrumentedStore interface {
	storage.Store
	SetLogger(*slog.Logger)
	SetInstrumentation(*instrumentation.Instrumentation)
}

func openStore(cfg config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	var (
		store   instrumentedStore
		cleanup func()
	)
	if cfg.DatabasePath != "" {
		s, err := sqlite.Open(cfg.DatabasePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("using sqlite storage", "path", cfg.DatabasePath)
		store, cleanup = s, func() { _ = s.Close() }
	} else {
		s := memory.New()
		logger.Warn("using in-memory storage, state is lost on restart")
		store, cleanup = s, s.Stop
	}

	store.SetLogger(logger)
	store.SetInstrumentation(inst)
	return store, cleanup, nil
}

// seedClient registers the configured client so fresh deployments can
// authorize without a separate provisioning step.
func seedClient(ctx context.Context, cfg config, store storage.ClientStore, logger *slog.Logger) error {
	if cfg.SeedClientID == "" {
		return nil
	}
	if len(cfg.SeedClientURIs) == 0 {
		return fmt.Errorf("LENNY_SEED_CLIENT_REDIRECT_URIS is required when seeding a client")
	}

	client := &storage.Client{
		ClientID:     cfg.SeedClientID,
		RedirectURIs: cfg.SeedClientURIs,
	}
	if cfg.SeedClientSecret != "" {
		hash, err := server.HashClientSecret(cfg.SeedClientSecret)
		if err != nil {
			return err
		}
		client.ClientSecretHash = hash
		client.IsConfidential = true
	}

	if err := store.SaveClient(ctx, client); err != nil {
		return fmt.Errorf("seed client: %w", err)
	}
	logger.Info("seeded client", "client_id", cfg.SeedClientID,
		"confidential", client.IsConfidential)
	return nil
}
