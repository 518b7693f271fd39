package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/openskills/osp-server/internal/api/middleware"
	"github.com/openskills/osp-server/internal/canonical"
	"github.com/openskills/osp-server/internal/config"
	"github.com/openskills/osp-server/internal/degrade"
	"github.com/openskills/osp-server/internal/metrics"
	"github.com/openskills/osp-server/pkg/models"
)

// NewRouter assembles the full HTTP surface around the RPC handler.
// The limiter is owned by the caller, which stops it on shutdown.
func NewRouter(cfg *config.Config, rpc *RPCHandler, controller *degrade.Controller, m *metrics.Metrics, keys *canonical.KeyPair, limiter *middleware.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-OSP-Signature", "X-OSP-Alg", "X-Admin-Key"},
		MaxAge:         300,
	}))

	verifier := middleware.NewSignatureVerifier(keys.Public, cfg.StrictSignatures())

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		r.Use(verifier.Middleware)
		r.Post("/osp-rpc", rpc.ServeHTTP)
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/metrics", m.Handler().ServeHTTP)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminKey(cfg.AdminKey))

		r.Post("/degradation", func(w http.ResponseWriter, req *http.Request) {
			var p struct {
				Level string `json:"level"`
			}
			if err := json.NewDecoder(req.Body).Decode(&p); err != nil {
				badRequest(w, "invalid body")
				return
			}
			level, ok := models.ParseDegradationLevel(p.Level)
			if !ok {
				badRequest(w, "unknown degradation level: "+p.Level)
				return
			}
			log.Warn().
				Str("level", level.String()).
				Str("trigger", "manual").
				Msg("degradation level set by operator")
			controller.SetLevel(level)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"level": level.String()})
		})

		r.Get("/debug/keys", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"alg":         keys.Alg,
				"public_key":  string(keys.Public),
				"private_key": string(keys.Private),
			})
		})
	})

	return r
}

func badRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
