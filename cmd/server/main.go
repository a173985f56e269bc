package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"i4.energy/across/modemfleet/internal/auth"
	"i4.energy/across/modemfleet/internal/config"
	"i4.energy/across/modemfleet/internal/hub"
	"i4.energy/across/modemfleet/internal/httpapi"
	"i4.energy/across/modemfleet/internal/store"
)

func main() {
	fSet := flag.CommandLine
	fSet.String("bind-address", "", "Bind address for the HTTP server")
	fSet.String("database-dsn", "", "SQLite DSN for the fleet database")
	flag.Parse()

	cfg, err := config.LoadServerConfig(config.WithServerDefaults(), config.WithServerEnv(), config.WithServerFlags(fSet))
	if err != nil {
		slog.Error("failed to load server configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting modem fleet hub", "bindAddress", cfg.BindAddress, "databaseDsn", cfg.DatabaseDSN)

	st, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	h := hub.New(st, logger.With("component", "hub"))
	issuer := auth.NewIssuer(cfg.JWT)
	api := httpapi.NewServer(st, h, issuer, logger.With("component", "httpapi"))

	mux := http.NewServeMux()
	mux.HandleFunc("/agent", h.ServeAgent)
	mux.HandleFunc("/client", h.ServeClient)
	mux.Handle("/", api.Router())

	httpServer := &http.Server{
		Addr:    cfg.BindAddress,
		Handler: mux,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("closing HTTP server")
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to gracefully shutdown server", "error", err)
		os.Exit(1)
	}
}
