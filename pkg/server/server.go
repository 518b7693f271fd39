// Package server is the composition root: it wires configuration, the
// safety and routing engines, degradation control, delivery enforcement,
// the registry and the HTTP surface into one runnable server.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/internal/api"
	"github.com/openskills/osp-server/internal/api/middleware"
	"github.com/openskills/osp-server/internal/canonical"
	"github.com/openskills/osp-server/internal/config"
	"github.com/openskills/osp-server/internal/degrade"
	"github.com/openskills/osp-server/internal/delivery"
	"github.com/openskills/osp-server/internal/embeddings"
	"github.com/openskills/osp-server/internal/metrics"
	"github.com/openskills/osp-server/internal/registry"
	"github.com/openskills/osp-server/internal/routing"
	"github.com/openskills/osp-server/internal/safety"
	"github.com/openskills/osp-server/internal/skills"
	"github.com/openskills/osp-server/internal/telemetry"
	"github.com/openskills/osp-server/pkg/contracts"
)

// Server is a fully wired OSP reference server.
type Server struct {
	Config  *config.Config
	Handler http.Handler
	Keys    *canonical.KeyPair

	Controller *degrade.Controller
	Catalog    *skills.Catalog

	limiter           *middleware.RateLimiter
	shutdownTelemetry func(context.Context) error
	cancelMonitor     context.CancelFunc
}

// New builds a server from environment configuration. The returned
// server is ready to serve; call Close on shutdown.
func New(ctx context.Context, log zerolog.Logger) (*Server, error) {
	cfg := config.Load()

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	// Ephemeral signing keys. Clients fetch the public half via the admin
	// debug endpoint; production deployments mount their own keys.
	keys, err := canonical.GenerateKey("ES256")
	if err != nil {
		return nil, fmt.Errorf("generate server keys: %w", err)
	}

	m := metrics.New()

	controller := degrade.NewController(log)
	controller.OnChange(m.ObserveDegradation)

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, err
	}

	safetyEngine := safety.NewEngine(safety.NewTFIDFClassifier(), log)
	router := routing.NewEngine(safetyEngine, embedder, "osp-ref-server-v"+cfg.Version, log)

	enforcer := delivery.NewEnforcer(controller, log)
	reg := registry.NewService(cfg.AdminKey != "", log)

	catalog := skills.NewCatalog()
	skills.RegisterBuiltins(catalog)

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.Window)

	rpc := api.NewRPCHandler(router, enforcer, reg, catalog, controller, m, cfg.Version, log)
	handler := api.NewRouter(cfg, rpc, controller, m, keys, limiter)

	s := &Server{
		Config:            cfg,
		Handler:           handler,
		Keys:              keys,
		Controller:        controller,
		Catalog:           catalog,
		limiter:           limiter,
		shutdownTelemetry: shutdownTelemetry,
	}

	if cfg.Monitor.Enabled {
		monitorCtx, cancel := context.WithCancel(ctx)
		s.cancelMonitor = cancel
		monitor := degrade.NewMonitor(controller, degrade.HostSampler{}, cfg.Monitor.Interval)
		go monitor.Run(monitorCtx)
	}

	log.Info().
		Int("port", cfg.Port).
		Str("signature_enforce", cfg.SignatureEnforce).
		Bool("monitor", cfg.Monitor.Enabled).
		Str("embeddings", cfg.Embeddings.Driver).
		Msg("server wired")

	return s, nil
}

// buildEmbedder selects the semantic rerank backend. An empty driver
// name disables Stage 2 entirely.
func buildEmbedder(cfg *config.Config) (contracts.EmbeddingDriver, error) {
	if cfg.Embeddings.Driver == "" {
		return nil, nil
	}

	reg := embeddings.NewRegistry()
	if cfg.Embeddings.OpenAIAPIKey != "" {
		reg.Register("openai", embeddings.NewOpenAIDriver(cfg.Embeddings.OpenAIAPIKey, cfg.Embeddings.OpenAIModel))
	}
	reg.Register("ollama", embeddings.NewOllamaDriver(cfg.Embeddings.OllamaEndpoint, cfg.Embeddings.OllamaModel))

	driver, err := reg.Get(cfg.Embeddings.Driver)
	if err != nil {
		return nil, fmt.Errorf("embeddings driver %q: %w", cfg.Embeddings.Driver, err)
	}
	return driver, nil
}

// Close stops the monitor and rate limiter and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	if s.cancelMonitor != nil {
		s.cancelMonitor()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.shutdownTelemetry != nil {
		return s.shutdownTelemetry(ctx)
	}
	return nil
}
