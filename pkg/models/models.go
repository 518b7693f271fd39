// Package models defines the wire-level data model of the OSP reference
// server: candidate skills, routing decisions, safe fallbacks, trace events,
// delivery contracts, registry entries and degradation levels.
//
// All types marshal to the OSP/1.0 JSON shapes; field names are stable and
// must not change without a protocol version bump.
package models

import (
	"encoding/json"
	"regexp"
	"time"
)

// ── Risk Levels ─────────────────────────────────────────────

// RiskLevel classifies a skill's blast radius.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Rank maps risk levels onto a total order for conflict resolution.
// CRITICAL ranks with HIGH: the tiebreak treats both as maximum risk.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh, RiskCritical:
		return 2
	default:
		return 0
	}
}

// ── Safety Clearance ────────────────────────────────────────

const (
	ClearanceAllow      = "allow"
	ClearanceRestricted = "restricted"
	ClearanceEscalate   = "escalate"
)

// ── Candidate Skill ─────────────────────────────────────────

// Candidate is one entry of a request-scoped candidate pool. All fields
// except SkillID are optional; Normalize fills the gaps before scoring.
type Candidate struct {
	SkillID            string    `json:"skill_id"`
	Name               string    `json:"name,omitempty"`
	Description        string    `json:"description,omitempty"`
	ActivationKeywords []string  `json:"activation_keywords,omitempty"`
	RiskLevel          RiskLevel `json:"risk_level,omitempty"`
	SafetyClearance    string    `json:"safety_clearance,omitempty"`
}

// Normalize returns a copy with defaults applied: the name falls back to
// the skill id, the keyword list is never nil, and the risk level defaults
// to LOW. The normalized view is the only one scoring sees.
func (c Candidate) Normalize() Candidate {
	out := c
	if out.Name == "" {
		out.Name = out.SkillID
	}
	if out.ActivationKeywords == nil {
		out.ActivationKeywords = []string{}
	}
	if out.RiskLevel == "" {
		out.RiskLevel = RiskLow
	}
	if out.SafetyClearance == "" {
		out.SafetyClearance = ClearanceAllow
	}
	return out
}

// ── Trace Events ────────────────────────────────────────────

// TraceEvent is a structured observability record attached to every
// response. Events are ordered; the final event is terminal.
type TraceEvent struct {
	Code           string         `json:"code"`
	StageAttempted string         `json:"stage_attempted,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// ── Routing Decision / Safe Fallback ────────────────────────

// Decision stability labels. See the protocol glossary.
const (
	StabilityDeterministic    = "deterministic"
	StabilitySemanticSupport  = "semantic_supported"
	StabilityApproximateMatch = "approximate_match"
	StabilityTieBreakLexical  = "tie_break_lexical_order"
	StabilityConflictResolved = "conflict_resolved"
	StabilityEscapeHatch      = "escape_hatch_direct"
	StabilityFallbackDefault  = "fallback_default"
	StabilityNoCandidates     = "no_candidates"
)

// RoutingDecision is the non-refusal outcome of the routing pipeline.
type RoutingDecision struct {
	SkillRef        *string `json:"skill_ref"`
	SafetyClearance string  `json:"safety_clearance"`
	// Approximate is a hint, not a guarantee: it is set when both the
	// semantic score (<0.3) and the BM25 score (<1.0) are weak.
	Approximate       bool         `json:"approximate"`
	DecisionStability string       `json:"decision_stability"`
	TieBreakApplied   bool         `json:"tie_break_applied"`
	TraceEvents       []TraceEvent `json:"trace_events"`
}

// SafeFallback is the structured refusal shape. Refusal is always true.
type SafeFallback struct {
	Refusal         bool         `json:"refusal"`
	ReasonCode      string       `json:"reason_code"`
	Message         string       `json:"message"`
	SafeAlternative string       `json:"safe_alternative,omitempty"`
	Clarify         string       `json:"clarify,omitempty"`
	TraceEvents     []TraceEvent `json:"trace_events"`
}

// RouteResult is the tagged union returned by the router: exactly one of
// Decision or Fallback is set. It marshals as the active variant.
type RouteResult struct {
	Decision *RoutingDecision `json:"-"`
	Fallback *SafeFallback    `json:"-"`
}

func (r RouteResult) MarshalJSON() ([]byte, error) {
	if r.Fallback != nil {
		return json.Marshal(r.Fallback)
	}
	return json.Marshal(r.Decision)
}

// Refused reports whether the result is a refusal.
func (r RouteResult) Refused() bool { return r.Fallback != nil }

// ── Route Request ───────────────────────────────────────────

// RoutingConditions carries per-request pipeline switches.
type RoutingConditions struct {
	// SkipSemantic disables Stage 2 (semantic rerank). The dispatcher also
	// forces it on when the degradation level mandates strict routing.
	SkipSemantic bool `json:"skip_semantic,omitempty"`
}

// RouteRequest is the params shape of osp.route.
type RouteRequest struct {
	Query             string            `json:"query"`
	CandidateSkills   []Candidate       `json:"candidate_skills"`
	Context           map[string]any    `json:"context,omitempty"`
	RoutingConditions RoutingConditions `json:"routing_conditions,omitempty"`
}

// ── Skill Manifest ──────────────────────────────────────────

// SkillManifest describes a callable skill hosted by this server.
type SkillManifest struct {
	SkillID            string    `json:"skill_id"`
	Name               string    `json:"name"`
	Version            string    `json:"version"`
	Description        string    `json:"description,omitempty"`
	ActivationKeywords []string  `json:"activation_keywords,omitempty"`
	RiskLevel          RiskLevel `json:"risk_level"`
	Scope              string    `json:"scope,omitempty"`
}

// ── Delivery Contract ───────────────────────────────────────

// Freshness lifecycle labels, a pure function of wall-clock time and the
// (issued_at, expires_at) window.
const (
	FreshnessFresh   = "fresh"
	FreshnessStale   = "stale"
	FreshnessExpired = "expired"
)

// Execution status of a delivery contract.
const (
	ExecutionPending   = "pending"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
)

// DeliveryContract wraps one skill execution with TTL, idempotency and
// retry accounting.
type DeliveryContract struct {
	SkillRef        string         `json:"skill_ref"`
	TTLSeconds      int            `json:"ttl_seconds"`
	Freshness       string         `json:"freshness"`
	IssuedAt        time.Time      `json:"issued_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	MaxRetries      int            `json:"max_retries"`
	IdempotencyKey  string         `json:"idempotency_key"`
	RetriesUsed     int            `json:"retries_used"`
	ExecutionStatus string         `json:"execution_status"`
	ExecutionResult map[string]any `json:"execution_result"`
}

// ComputeFreshness evaluates the freshness lifecycle at the given instant:
// fresh below 80% of the TTL, stale from 80% up to expiry, expired at or
// past expires_at.
func (c *DeliveryContract) ComputeFreshness(now time.Time) string {
	if c.ExpiresAt.IsZero() || !now.Before(c.ExpiresAt) {
		return FreshnessExpired
	}
	total := c.ExpiresAt.Sub(c.IssuedAt)
	if total <= 0 {
		return FreshnessExpired
	}
	if float64(now.Sub(c.IssuedAt))/float64(total) < 0.8 {
		return FreshnessFresh
	}
	return FreshnessStale
}

// ── Registry ────────────────────────────────────────────────

// Registry entry types.
const (
	EntryRegister  = "REGISTER"
	EntryRevoke    = "REVOKE"
	EntryDelegate  = "DELEGATE"
	EntryKeyRotate = "KEY_ROTATE"
)

// Trust anchor types.
const (
	AnchorSelfSigned     = "self_signed"
	AnchorRootCA         = "root_ca"
	AnchorIntermediateCA = "intermediate_ca"
	AnchorDID            = "did"
)

// TrustAnchor is the root of trust for a registry entry's signature.
type TrustAnchor struct {
	Type      string `json:"type"`
	URI       string `json:"uri,omitempty"`
	Proof     string `json:"proof,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// RegistryEntry is a signed mutation of the skill registry.
type RegistryEntry struct {
	EntryType   string      `json:"entry_type"`
	SkillRef    string      `json:"skill_ref"`
	Timestamp   int64       `json:"timestamp"`
	SignedBy    string      `json:"signed_by"`
	ContentHash string      `json:"content_hash"`
	Signature   string      `json:"signature"`
	Alg         string      `json:"alg"`
	TrustAnchor TrustAnchor `json:"trust_anchor"`

	// Server-managed fields, never part of the signed view.
	Status       string `json:"status,omitempty"`
	RegisteredAt string `json:"registered_at,omitempty"`
	RevokedAt    string `json:"revoked_at,omitempty"`
	RevokedBy    string `json:"revoked_by,omitempty"`
}

var (
	// SkillRefPattern matches DNS-like dotted skill identifiers with an
	// optional @version suffix, e.g. "org.osp.calc@1.2".
	SkillRefPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*(@[0-9]+(\.[0-9]+)*)?$`)

	// ContentHashPattern matches a lowercase 64-char hex SHA-256 digest.
	ContentHashPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
)

// ── Degradation ─────────────────────────────────────────────

// DegradationLevel is the process-wide operating level D0..D3.
type DegradationLevel int

const (
	D0Normal DegradationLevel = iota
	D1ReducedIntelligence
	D2Minimal
	D3Critical
)

func (l DegradationLevel) String() string {
	switch l {
	case D1ReducedIntelligence:
		return "D1_REDUCED_INTELLIGENCE"
	case D2Minimal:
		return "D2_MINIMAL"
	case D3Critical:
		return "D3_CRITICAL"
	default:
		return "D0_NORMAL"
	}
}

// ParseDegradationLevel accepts both short ("D2") and long
// ("D2_MINIMAL") spellings.
func ParseDegradationLevel(s string) (DegradationLevel, bool) {
	switch s {
	case "D0", "D0_NORMAL":
		return D0Normal, true
	case "D1", "D1_REDUCED_INTELLIGENCE":
		return D1ReducedIntelligence, true
	case "D2", "D2_MINIMAL":
		return D2Minimal, true
	case "D3", "D3_CRITICAL":
		return D3Critical, true
	}
	return D0Normal, false
}

// ── Reason Codes ────────────────────────────────────────────

// Protocol / request validation.
const (
	ReasonEmptyQuery    = "INVALID_REQUEST_EMPTY_QUERY"
	ReasonUnknownMethod = "UNKNOWN_METHOD"
	ReasonInvalidParams = "INVALID_PARAMS"
)

// Availability, fail-closed and delivery outcomes.
const (
	ReasonPrefilterSQL        = "PREFILTER_SQL_INJECTION"
	ReasonPrefilterCommand    = "PREFILTER_COMMAND_INJECTION"
	ReasonAnomalyHighRisk     = "ANOMALY_DETECTED_HIGH_RISK"
	ReasonClassifierDown      = "SAFETY_CLASSIFIER_UNAVAILABLE"
	ReasonSafetyCheckTimeout  = "SAFETY_CHECK_TIMEOUT"
	ReasonD3LoadShedding      = "D3_CRITICAL_LOAD_SHEDDING"
	ReasonRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ReasonContractExpired     = "CONTRACT_EXPIRED"
	ReasonExecutionFailed     = "EXECUTION_FAILED"
	ReasonRejectedDegradation = "REJECTED_DEGRADATION"
)
