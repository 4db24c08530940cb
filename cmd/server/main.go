package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	herochat "github.com/Oscar-999/hero-chat"
	"github.com/Oscar-999/hero-chat/internal/handlers"
	"github.com/Oscar-999/hero-chat/internal/metrics"
	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/Oscar-999/hero-chat/internal/services"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "herochat")

	cfgFilePath := flag.String("config", filepath.Join(cfgPath, "config.yaml"), "path to the config file")
	flag.Parse()

	cfg, err := readConfig(*cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(cfg, os.Stderr)

	if cfg.DBPath == "" {
		if err := os.MkdirAll(cfgPath, 0o755); err != nil {
			log.Fatal(fmt.Errorf("error creating config directory: %w", err))
		}
		cfg.DBPath = filepath.Join(cfgPath, "store.db")
	}

	llm, err := cfg.LLM.llm(logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating llm: %w", err))
	}

	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		log.Fatal(fmt.Errorf("error opening store: %w", err))
	}
	defer boltDB.Close()

	if err := seedAccounts(context.Background(), boltDB, cfg.Users); err != nil {
		log.Fatal(err)
	}

	metrics.Init()

	m, err := handlers.NewMain(llm, boltDB, handlers.Config{
		SystemPrompt: cfg.SystemPrompt,
		Greeting:     cfg.Greeting,
		ContextMode:  cfg.Context,
		SessionTTL:   cfg.SessionTTL,
		SecureCookie: cfg.SecureCookie,
	}, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating handlers: %w", err))
	}

	staticFS, err := fs.Sub(herochat.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Router(staticFS),
		ReadHeaderTimeout: 5 * time.Second,
	}

	pruneCtx, pruneCancel := context.WithCancel(context.Background())
	defer pruneCancel()
	go m.PruneSessions(pruneCtx, cfg.PruneEvery)

	srv.RegisterOnShutdown(pruneCancel)

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

// readConfig loads the config file at path. A missing file leaves every setting at its default.
func readConfig(path string) (config, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return loadConfig(nil)
	}
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	return loadConfig(f)
}

func newLogger(cfg config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

type accountStore interface {
	PutAccount(ctx context.Context, account models.Account) error
}

// seedAccounts writes the configured users into the store, hashing plain passwords.
func seedAccounts(ctx context.Context, store accountStore, users []userConfig) error {
	for _, u := range users {
		hash := []byte(u.PasswordHash)
		if u.Password != "" {
			var err error
			hash, err = bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("error hashing password of %s: %w", u.Username, err)
			}
		}
		if _, err := bcrypt.Cost(hash); err != nil {
			return fmt.Errorf("invalid password hash of %s: %w", u.Username, err)
		}
		if err := store.PutAccount(ctx, models.Account{Username: u.Username, PasswordHash: hash}); err != nil {
			return fmt.Errorf("error storing account %s: %w", u.Username, err)
		}
	}
	return nil
}
