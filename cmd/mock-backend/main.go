package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"callbrand/internal/config"
	"callbrand/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadMockBackend()
	logging.Init("mock-backend", cfg.Logging)

	seed, err := loadSeed(cfg.SeedFile)
	if err != nil {
		slog.Error("mock backend seed load failed", "file", cfg.SeedFile, "err", err)
		os.Exit(1)
	}
	s := newServer(cfg, seed)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("mock backend shutdown", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("mock backend listening",
		"port", cfg.Port,
		"brands", len(seed),
		"outcome_mode", cfg.OutcomeMode,
		"tls", cfg.TLSCertFile != "",
	)
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		slog.Error("mock backend server failed", "err", err)
		os.Exit(1)
	}
}
