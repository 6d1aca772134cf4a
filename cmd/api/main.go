package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"authgrid.org/internal/auth"
	"authgrid.org/internal/config"
	"authgrid.org/internal/httpapi"
	"authgrid.org/internal/obs"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := obs.InitLogger(obs.LogConfig{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		App:    "authgrid-api",
		Env:    cfg.Env,
		Ver:    version,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	keyring, err := buildKeyring(cfg, logger)
	if err != nil {
		logger.Fatal("signing key", zap.Error(err))
	}

	var db *sql.DB
	var store auth.Store
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = auth.NewBreakerStore(auth.NewPGStore(db), "postgres")
	} else {
		logger.Warn("DATABASE_URL not set, sessions will not survive restarts")
		store = auth.NewMemStore()
	}

	verifier, err := auth.NewVerifier(store,
		auth.WithLockoutPolicy(cfg.LockoutThreshold, cfg.LockoutWindowDuration()))
	if err != nil {
		logger.Fatal("verifier", zap.Error(err))
	}
	challenger, err := auth.NewChallenger(store, cfg.Issuer,
		auth.WithTOTPSkew(cfg.TOTPSkew),
		auth.WithMFALockoutPolicy(cfg.LockoutThreshold, cfg.LockoutWindowDuration()))
	if err != nil {
		logger.Fatal("challenger", zap.Error(err))
	}
	issuer, err := auth.NewIssuer(keyring, cfg.Issuer,
		auth.WithAccessTTL(cfg.AccessTokenTTL()),
		auth.WithRefreshTTL(cfg.RefreshTokenTTL()))
	if err != nil {
		logger.Fatal("issuer", zap.Error(err))
	}
	coord, err := auth.NewCoordinator(store, verifier, challenger, issuer, auth.NewRegistry(),
		auth.WithBcryptCost(cfg.BcryptCost))
	if err != nil {
		logger.Fatal("coordinator", zap.Error(err))
	}
	authorizer, err := auth.NewAuthorizer(issuer, store.Revocations(context.Background()))
	if err != nil {
		logger.Fatal("authorizer", zap.Error(err))
	}

	api := httpapi.New(coord, authorizer, store, keyring, httpapi.ReadyProbe{DB: db}, httpapi.Options{
		Version:        version,
		CookieSecure:   cfg.CookieSecure,
		CORSOrigin:     cfg.CORSOrigin,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	bg, stopBackground := context.WithCancel(context.Background())
	go sweepExpired(bg, store, cfg.CompactionEvery(), logger)
	if every := cfg.KeyRotationEvery(); every > 0 {
		go rotateKeys(bg, keyring, every, logger)
	}

	logger.Info("starting authgrid-api", zap.String("addr", srv.Addr))
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")
	obs.SetReady(false)
	stopBackground()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	logger.Info("stopped")
}

func buildKeyring(cfg *config.Config, logger *zap.Logger) (*auth.Keyring, error) {
	if cfg.SigningKeyPEM != "" {
		return auth.NewKeyringFromPEM(cfg.SigningKeyPEM)
	}
	logger.Warn("SIGNING_KEY_PEM not set, tokens will not survive restarts")
	return auth.NewKeyring()
}

// sweepExpired drops revocation records and MFA challenges past their natural
// expiry so the tables stay bounded.
func sweepExpired(ctx context.Context, store auth.Store, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if n, err := store.Revocations(ctx).Compact(ctx, now); err != nil {
				logger.Warn("compact revocations", zap.Error(err))
			} else if n > 0 {
				logger.Info("compacted revocations", zap.Int("removed", n))
			}
			if n, err := store.MFA(ctx).DeleteExpiredChallenges(ctx, now); err != nil {
				logger.Warn("sweep challenges", zap.Error(err))
			} else if n > 0 {
				logger.Info("swept expired challenges", zap.Int("removed", n))
			}
		}
	}
}

// rotateKeys rotates the signing key on a fixed interval, keeping the two
// previous public keys so outstanding access tokens verify until expiry.
func rotateKeys(ctx context.Context, keyring *auth.Keyring, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := keyring.Rotate(); err != nil {
				logger.Error("rotate signing key", zap.Error(err))
				continue
			}
			keyring.Prune(3)
			logger.Info("rotated signing key")
		}
	}
}
