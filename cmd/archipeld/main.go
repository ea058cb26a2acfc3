// Command archipeld runs the directory server: it accepts websocket
// channels, registers participants, and hosts game sessions.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"archipel/internal/channel"
	"archipel/internal/config"
	"archipel/internal/directory"
	"archipel/internal/engine"
	"archipel/internal/logging"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("archipeld failed")
	}
}

func run() error {
	logCfg, err := config.LoadLog()
	if err != nil {
		return fmt.Errorf("load log configuration: %w", err)
	}
	logging.Init(logCfg)

	cfg, err := config.LoadServer()
	if err != nil {
		return fmt.Errorf("load server configuration: %w", err)
	}

	dir := directory.New(directory.Config{
		EvictionGrace: cfg.EvictionGrace,
		AutoplayDelay: cfg.AutoplayDelay,
		QueueSize:     cfg.DispatchQueue,
	}, engine.Factory{})
	dir.Start()

	opts := channel.Options{
		IdleTimeout:  cfg.ReadIdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", channel.NewHandler(dir, opts))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("archipeld listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		dir.Stop()
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	dir.Stop()
	log.Info().Msg("archipeld stopped")
	return nil
}
