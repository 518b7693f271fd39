// Package contracts defines the capability interfaces the OSP core consumes
// but does not implement: vector encoders, system vitals samplers and skill
// implementations.
//
// This package exists in pkg/ (not internal/) so that deployments can supply
// their own implementations without forking the server.
package contracts

import (
	"context"

	"github.com/openskills/osp-server/pkg/models"
)

// ── Embedding Plane ─────────────────────────────────────────

// EmbeddingDriver produces fixed-length vector embeddings for texts.
// Implementations must return one vector per input text, in order.
// The routing engine normalizes vectors to unit length before use, so
// drivers need not guarantee normalization themselves.
type EmbeddingDriver interface {
	// Kind returns the driver kind, e.g. "openai" or "ollama".
	Kind() string

	// Dimensions returns the embedding vector length.
	Dimensions() int

	// Embed encodes a batch of texts. A failed call makes the router fall
	// back to lexical-only scoring for that request.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// ── System Vitals ───────────────────────────────────────────

// VitalsSampler reports system load for the degradation monitor. A nil
// sampler disables automatic degradation; the level can still be set via
// the admin endpoint.
type VitalsSampler interface {
	// Sample returns current CPU and memory utilization in percent.
	// The call may block up to roughly one second.
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// ── Skill ABI ───────────────────────────────────────────────

// Skill is a named callable capability. Execute receives validated
// arguments and returns a result object stored verbatim in the delivery
// contract. Errors are retried by the delivery enforcer up to the
// contract's retry budget.
type Skill interface {
	Manifest() models.SkillManifest
	Execute(ctx context.Context, arguments map[string]any) (map[string]any, error)
}
