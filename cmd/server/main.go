// Elder core — the authoritative inventory and relationship service.
//
// It serves:
//   - Tenant, organization, entity, and dependency management
//   - Graph queries (impact, paths, analysis, topology)
//   - Identities, roles, and API tokens
//   - Issues, milestones, and projects
//   - On-call rotations and overrides
//   - Group membership with approval workflow
//   - The append-only audit trail
//   - Village-ID resolution and redirect
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/elder-platform/elder/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("elder core starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}
	defer srv.Store.Close()
	defer srv.ShutdownFunc(ctx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Config.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if srv.RPC != nil {
		if err := srv.RPC.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start rpc catalog")
		}
		defer srv.RPC.Stop()
	}

	go srv.Janitor.Start(ctx)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutting down")
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
		defer stop()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Config.Port).Str("version", srv.Config.Version).Msg("elder core listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
