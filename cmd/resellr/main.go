package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/resellr/internal/auth"
	"github.com/dukerupert/resellr/internal/config"
	"github.com/dukerupert/resellr/internal/database"
	"github.com/dukerupert/resellr/internal/email"
	"github.com/dukerupert/resellr/internal/logging"
	"github.com/dukerupert/resellr/internal/server"
	"github.com/dukerupert/resellr/internal/store"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	// remote commands talk to a running server and need no local config
	if run, ok := remoteCommands[cmd]; ok {
		if err := run(args, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	switch cmd {
	case "serve":
		err = serve(cfg, logger)
	case "token":
		err = issueToken(cfg, args)
	default:
		err = fmt.Errorf("unknown command %q (want serve, token, activate, redeem, license, licenses or replenish)", cmd)
	}
	if err != nil {
		logger.Error("resellr failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	verifier, err := auth.NewTokenVerifier(cfg.TokenSecret, cfg.TokenIssuer)
	if err != nil {
		return err
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	scfg := server.Config{
		Verifier:         verifier,
		TokenTTL:         cfg.TokenTTL,
		BcryptCost:       cfg.BcryptCost,
		Escrow:           cfg.CredentialEscrow,
		RetryAttempts:    cfg.RetryAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RateLimit:        cfg.RateLimit,
		RateLimitWindow:  cfg.RateLimitWindow,
		WebsocketOrigins: cfg.WebsocketOrigins,
	}
	if cfg.PostmarkToken != "" {
		scfg.Mailer = email.NewClient(cfg.PostmarkToken, cfg.FromEmail, cfg.BaseURL)
	} else {
		logger.Warn("postmark not configured, credentials will not be mailed")
	}

	srv := server.New(db, scfg, logger)

	if cfg.AdminEmail != "" {
		if _, err := srv.Directory().EnsureAdmin(context.Background(), cfg.AdminEmail, cfg.AdminName, cfg.AdminPassword); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("resellr starting", "addr", httpServer.Addr, "db", cfg.DBPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// issueToken prints a bearer token for an existing account.
func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	emailAddr := fs.String("email", "", "account email")
	ttl := fs.Duration("ttl", cfg.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *emailAddr == "" {
		return errors.New("token: -email is required")
	}

	verifier, err := auth.NewTokenVerifier(cfg.TokenSecret, cfg.TokenIssuer)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	a, err := store.NewAccountStore(db).GetByEmail(context.Background(), *emailAddr)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("no account with email %s", *emailAddr)
	}

	tok, err := verifier.Sign(auth.Principal{AccountID: a.ID, Role: a.Role}, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
