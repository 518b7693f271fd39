// Package delivery enforces delivery contracts around skill execution:
// TTL-driven freshness, idempotency keys, bounded retries, and a
// hash-chained proof log for audit. Contracts are held in a bounded LRU;
// evicting a contract does not touch the proof log.
package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/internal/chainlog"
	"github.com/openskills/osp-server/pkg/models"
)

const (
	maxContracts = 1000
	maxProofLog  = 5000

	// DefaultTTLSeconds applies when the caller does not set a TTL.
	DefaultTTLSeconds = 300
	// DefaultMaxRetries bounds the retry loop: retries+1 total attempts.
	DefaultMaxRetries = 3
)

// AdmissionGate is the load-shedding check consulted before execution.
type AdmissionGate interface {
	RequestAllowed() bool
}

// ExecuteFunc runs the skill body once. The enforcer owns retries.
type ExecuteFunc func(ctx context.Context, arguments map[string]any) (map[string]any, error)

// Outcome is the result of a contract-enforced execution.
type Outcome struct {
	Status     string                   `json:"status"`
	Result     map[string]any           `json:"result,omitempty"`
	Contract   *models.DeliveryContract `json:"contract,omitempty"`
	Idempotent bool                     `json:"idempotent,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Outcome statuses.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRejected   = "rejected"
	StatusExpired    = "expired"
	StatusIdempotent = "idempotent"
)

// ProofBundle is a contract plus its audit trail.
type ProofBundle struct {
	Contract    *models.DeliveryContract `json:"contract"`
	ProofLog    []chainlog.Record        `json:"proof_log"`
	TotalEvents int                      `json:"total_events"`
}

// Enforcer manages delivery contracts. Safe for concurrent use.
type Enforcer struct {
	mu        sync.Mutex
	contracts map[string]*models.DeliveryContract
	order     []string
	proofs    *chainlog.Log
	gate      AdmissionGate
	log       zerolog.Logger

	// now is injectable for freshness tests.
	now func() time.Time
}

// NewEnforcer builds an enforcer. gate may be nil, which disables load
// shedding here (the dispatcher usually sheds first anyway).
func NewEnforcer(gate AdmissionGate, log zerolog.Logger) *Enforcer {
	return &Enforcer{
		contracts: make(map[string]*models.DeliveryContract),
		proofs:    chainlog.New(maxProofLog),
		gate:      gate,
		log:       log.With().Str("component", "delivery").Logger(),
		now:       time.Now,
	}
}

// IssueContract creates (or idempotently returns) a contract for one
// execution. An existing non-expired contract under the same key is
// returned as-is with refreshed freshness.
func (e *Enforcer) IssueContract(skillRef string, ttlSeconds, maxRetries int, idempotencyKey string) *models.DeliveryContract {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.issueLocked(skillRef, ttlSeconds, maxRetries, idempotencyKey)
}

func (e *Enforcer) issueLocked(skillRef string, ttlSeconds, maxRetries int, idempotencyKey string) *models.DeliveryContract {
	if ttlSeconds <= 0 {
		ttlSeconds = DefaultTTLSeconds
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	key := idempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	now := e.now()
	if existing, ok := e.contracts[key]; ok {
		if f := existing.ComputeFreshness(now); f != models.FreshnessExpired {
			existing.Freshness = f
			e.log.Info().Str("idempotency_key", key).Str("freshness", f).Msg("idempotent contract hit")
			return existing
		}
	}

	contract := &models.DeliveryContract{
		SkillRef:        skillRef,
		TTLSeconds:      ttlSeconds,
		Freshness:       models.FreshnessFresh,
		IssuedAt:        now,
		ExpiresAt:       now.Add(time.Duration(ttlSeconds) * time.Second),
		MaxRetries:      maxRetries,
		IdempotencyKey:  key,
		ExecutionStatus: models.ExecutionPending,
	}

	if _, ok := e.contracts[key]; !ok && len(e.contracts) >= maxContracts {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.contracts, oldest)
	}
	if _, ok := e.contracts[key]; !ok {
		e.order = append(e.order, key)
	}
	e.contracts[key] = contract

	e.appendProof("CONTRACT_ISSUED", key, map[string]any{
		"skill_ref":   skillRef,
		"ttl_seconds": ttlSeconds,
	})
	e.log.Info().Str("idempotency_key", key).Str("skill_ref", skillRef).Int("ttl_seconds", ttlSeconds).Msg("contract issued")
	return contract
}

// Execute wraps one skill execution in contract enforcement: degradation
// admission, idempotent replay, freshness validation, then the retry
// loop. Every transition lands in the proof log.
func (e *Enforcer) Execute(ctx context.Context, skillRef string, fn ExecuteFunc, arguments map[string]any, ttlSeconds int, idempotencyKey string) Outcome {
	if e.gate != nil && !e.gate.RequestAllowed() {
		key := idempotencyKey
		if key == "" {
			key = "rejected"
		}
		e.mu.Lock()
		e.appendProof("REJECTED_DEGRADATION", key, map[string]any{
			"skill_ref": skillRef,
			"reason":    models.ReasonD3LoadShedding,
		})
		e.mu.Unlock()
		return Outcome{
			Status: StatusRejected,
			Error:  "Service unavailable: system in D3 critical degradation",
		}
	}

	e.mu.Lock()
	contract := e.issueLocked(skillRef, ttlSeconds, DefaultMaxRetries, idempotencyKey)
	key := contract.IdempotencyKey

	if contract.ExecutionStatus == models.ExecutionCompleted {
		e.appendProof("IDEMPOTENT_RETURN", key, map[string]any{"reason": "already_executed"})
		out := Outcome{
			Status:     StatusIdempotent,
			Result:     contract.ExecutionResult,
			Contract:   contract,
			Idempotent: true,
		}
		e.mu.Unlock()
		return out
	}

	contract.Freshness = contract.ComputeFreshness(e.now())
	if contract.Freshness == models.FreshnessExpired {
		e.appendProof("CONTRACT_EXPIRED", key, map[string]any{"skill_ref": skillRef})
		out := Outcome{
			Status:   StatusExpired,
			Contract: contract,
			Error:    "Contract expired before execution",
		}
		e.mu.Unlock()
		return out
	}
	maxRetries := contract.MaxRetries
	e.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		t0 := e.now()
		result, err := fn(ctx, arguments)
		latencyMs := float64(e.now().Sub(t0).Microseconds()) / 1000

		if err == nil {
			e.mu.Lock()
			contract.ExecutionResult = result
			contract.ExecutionStatus = models.ExecutionCompleted
			contract.Freshness = contract.ComputeFreshness(e.now())
			e.appendProof("EXECUTION_SUCCESS", key, map[string]any{
				"skill_ref":  skillRef,
				"attempt":    attempt,
				"latency_ms": latencyMs,
			})
			e.mu.Unlock()
			return Outcome{Status: StatusSuccess, Result: result, Contract: contract}
		}

		lastErr = err
		e.mu.Lock()
		contract.RetriesUsed = attempt
		e.appendProof("EXECUTION_RETRY", key, map[string]any{
			"skill_ref": skillRef,
			"attempt":   attempt,
			"error":     err.Error(),
		})
		e.mu.Unlock()
		e.log.Warn().Err(err).Int("attempt", attempt).Str("skill_ref", skillRef).Msg("execution attempt failed")
	}

	e.mu.Lock()
	contract.ExecutionStatus = models.ExecutionFailed
	e.appendProof("EXECUTION_FAILED", key, map[string]any{
		"skill_ref":         skillRef,
		"retries_exhausted": maxRetries + 1,
		"last_error":        lastErr.Error(),
	})
	e.mu.Unlock()

	return Outcome{
		Status:   StatusFailed,
		Contract: contract,
		Error:    fmt.Sprintf("Execution failed after %d attempts: %s", maxRetries+1, lastErr),
	}
}

// GetProof returns the contract and its audit trail, re-evaluating
// freshness at read time.
func (e *Enforcer) GetProof(idempotencyKey string) (*ProofBundle, bool) {
	e.mu.Lock()
	contract, ok := e.contracts[idempotencyKey]
	if ok {
		contract.Freshness = contract.ComputeFreshness(e.now())
	}
	e.mu.Unlock()
	if !ok {
		return nil, false
	}

	entries := e.proofs.ByKey(idempotencyKey)
	return &ProofBundle{
		Contract:    contract,
		ProofLog:    entries,
		TotalEvents: len(entries),
	}, true
}

// ProofPage is one page of the global proof log.
type ProofPage struct {
	Total   int               `json:"total"`
	Offset  int               `json:"offset"`
	Limit   int               `json:"limit"`
	Entries []chainlog.Record `json:"entries"`
}

// AllProofs returns a page of the proof log for transparency.
func (e *Enforcer) AllProofs(limit, offset int) ProofPage {
	if limit <= 0 {
		limit = 100
	}
	return ProofPage{
		Total:   e.proofs.Len(),
		Offset:  offset,
		Limit:   limit,
		Entries: e.proofs.Page(offset, limit),
	}
}

// VerifyProofChain re-walks the proof log hash chain.
func (e *Enforcer) VerifyProofChain() (bool, error) {
	return e.proofs.VerifyChain()
}

// appendProof must be called with e.mu held so proof ordering matches
// contract state transitions.
func (e *Enforcer) appendProof(eventType, key string, payload map[string]any) {
	if _, err := e.proofs.Append(e.now().Unix(), eventType, chainlog.Record{
		IdempotencyKey: key,
		Payload:        payload,
	}); err != nil {
		e.log.Error().Err(err).Str("event_type", eventType).Msg("proof append failed")
	}
}
