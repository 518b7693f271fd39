// OSP reference server: the Open Skills Protocol control plane.
//
// This is the main entry point. It serves:
//   - JSON-RPC dispatch on /osp-rpc (routing, execution, registry, proofs)
//   - Four-stage skill routing (validation, lexical, semantic rerank,
//     conflict resolution) with safety prefilters
//   - Delivery contracts with hash-chained execution proofs
//   - Signed skill registry with a transparency log
//   - Auto-degradation under load (D0..D3)
//   - Prometheus metrics and optional OTLP tracing

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

	"github.com/openskills/osp-server/pkg/server"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("OSP reference server starting...")

	ctx := context.Background()
	srv, err := server.New(ctx, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Config.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.Close(shutdownCtx)
	}()

	log.Info().
		Int("port", srv.Config.Port).
		Msg("OSP server listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
