package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"medrelay.org/internal/audit"
	"medrelay.org/internal/auth"
	"medrelay.org/internal/config"
	"medrelay.org/internal/httpapi"
	"medrelay.org/internal/mfa"
	"medrelay.org/internal/obs"
	"medrelay.org/internal/session"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	reporter := audit.NewReporter(nil)

	store := auth.NewPGStore(db)
	accounts, err := auth.NewService(store, auth.WithReporter(reporter))
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	issuerOpts := []auth.IssuerOption{
		auth.WithTokenIssuer(cfg.Token.Issuer),
		auth.WithTokenAudience(cfg.Token.Audience),
	}
	if cfg.Token.PrivateKeyPEM != "" {
		issuerOpts = append(issuerOpts, auth.WithRS256Keys(cfg.Token.PrivateKeyPEM, cfg.Token.PublicKeyPEM))
	} else {
		issuerOpts = append(issuerOpts, auth.WithHS256Secret(cfg.Token.Secret))
	}
	issuer, err := auth.NewIssuer(issuerOpts...)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	// Sessions live in Redis when an address is configured, otherwise in
	// PostgreSQL alongside the accounts.
	var sessionStore session.Store = session.NewPGStore(db)
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sessionStore = session.NewRedisStore(rdb)
	}

	sessions, err := session.NewManager(sessionStore, issuer,
		session.WithAccessTTL(cfg.Token.AccessTTL),
		session.WithSessionTTL(cfg.Session.TTL),
		session.WithInactivityTimeout(cfg.Session.InactivityTimeout),
		session.WithMaxSessions(cfg.Session.MaxPerAccount),
		session.WithManagerReporter(reporter),
		session.WithRoleSource(func(ctx context.Context, accountID string) (string, error) {
			account, err := accounts.Account(ctx, accountID)
			if err != nil {
				return "", err
			}
			return account.Role, nil
		}),
	)
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	cipher, err := mfa.NewCipher(cfg.MFAKey)
	if err != nil {
		log.Fatalf("mfa cipher: %v", err)
	}
	engine, err := mfa.NewEngine(mfa.NewPGStore(db), cipher,
		accounts.VerifyAccountPassword,
		func(ctx context.Context, accountID string) (string, error) {
			account, err := accounts.Account(ctx, accountID)
			if err != nil {
				return "", err
			}
			return account.Email, nil
		},
		mfa.WithTotpIssuer(cfg.TotpIssuer),
		mfa.WithEngineReporter(reporter),
	)
	if err != nil {
		log.Fatalf("mfa engine: %v", err)
	}

	authority, err := auth.NewAuthority(auth.MustNewRoleGraph(auth.BuiltinRoles), store)
	if err != nil {
		log.Fatalf("authority: %v", err)
	}

	api := httpapi.New(accounts, sessions, engine, authority, httpapi.ReadyProbe{DB: db}, version)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting medrelay-identity %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	reporter.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	_ = db.Close()
	log.Println("Stopped")
}
