// Package routing implements the four-stage skill routing pipeline:
// request validation and escape hatch, BM25 lexical scoring, semantic
// reranking over an embedding driver, and conflict resolution with an
// epsilon score comparison and a UTF-8 tiebreak. Decisions for repeated
// (query, pool) pairs are served from a bounded LRU cache.
package routing

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/internal/safety"
	"github.com/openskills/osp-server/pkg/contracts"
	"github.com/openskills/osp-server/pkg/models"
)

const (
	// maxQueryLength bounds query size; longer queries are truncated.
	maxQueryLength = 4096

	// cacheSize bounds the decision cache.
	cacheSize = 256

	// epsilon is the IEEE 754 comparison tolerance for score ties.
	epsilon = 1e-6

	alpha = 0.4 // lexical weight
	beta  = 0.6 // semantic weight
)

// Engine is the routing pipeline. The embedder is optional: without one
// Stage 2 is disabled and decisions are lexical-only.
type Engine struct {
	safety         *safety.Engine
	embedder       contracts.EmbeddingDriver
	cache          *decisionCache
	backendVersion string
	log            zerolog.Logger
}

// NewEngine wires the pipeline. embedder may be nil.
func NewEngine(safetyEngine *safety.Engine, embedder contracts.EmbeddingDriver, backendVersion string, log zerolog.Logger) *Engine {
	return &Engine{
		safety:         safetyEngine,
		embedder:       embedder,
		cache:          newDecisionCache(cacheSize),
		backendVersion: backendVersion,
		log:            log.With().Str("component", "routing").Logger(),
	}
}

type scoredCandidate struct {
	models.Candidate
	bm25     float64
	semantic float64
	combined float64
}

// Route runs the full pipeline over one request and returns either a
// routing decision or a safe fallback.
func (e *Engine) Route(ctx context.Context, req models.RouteRequest) models.RouteResult {
	t0 := time.Now()
	var trace []models.TraceEvent

	query := req.Query
	if runes := []rune(query); len(runes) > maxQueryLength {
		query = string(runes[:maxQueryLength])
	}
	candidates := req.CandidateSkills

	// ── Validation ──────────────────────────────────────────
	if strings.TrimSpace(query) == "" {
		trace = append(trace,
			models.TraceEvent{Code: "VALIDATION_FAILED", StageAttempted: "request_validation",
				Context: map[string]any{"reason": "empty_query"}},
			models.TraceEvent{Code: "SAFE_FALLBACK_GENERATED", StageAttempted: "fallback_handler"},
		)
		return models.RouteResult{Fallback: &models.SafeFallback{
			Refusal:         true,
			ReasonCode:      models.ReasonEmptyQuery,
			Message:         "Invalid params: empty query",
			SafeAlternative: "Please provide a query or question.",
			TraceEvents:     trace,
		}}
	}

	// ── Escape Hatch ────────────────────────────────────────
	if strings.Contains(query, "@override") && len(candidates) > 0 {
		e.log.Warn().Str("skill_id", candidates[0].SkillID).Msg("escape hatch bypassed scoring")
		trace = append(trace,
			models.TraceEvent{Code: "ROUTING_ESCAPE_HATCH_DETECTED", StageAttempted: "0"},
			models.TraceEvent{Code: "ROUTING_SKILL_ID_PARSED", StageAttempted: "0"},
			models.TraceEvent{Code: "ROUTING_DIRECT_DISPATCH", StageAttempted: "0"},
			models.TraceEvent{Code: "ROUTING_DECISION_FINAL", StageAttempted: "0"},
		)
		first := candidates[0].Normalize()
		return decisionResult(first, trace, first.SafetyClearance, false, models.StabilityEscapeHatch, false)
	}

	// ── Empty Pool ──────────────────────────────────────────
	if len(candidates) == 0 {
		trace = append(trace,
			models.TraceEvent{Code: "ROUTING_POOL_EMPTY", StageAttempted: "1"},
			models.TraceEvent{Code: "ROUTING_ESCALATION_REQUIRED", StageAttempted: "1"},
		)
		return models.RouteResult{Decision: &models.RoutingDecision{
			SkillRef:          nil,
			SafetyClearance:   models.ClearanceEscalate,
			Approximate:       false,
			DecisionStability: models.StabilityNoCandidates,
			TieBreakApplied:   false,
			TraceEvents:       trace,
		}}
	}

	// ── Safety Check ────────────────────────────────────────
	verdict := e.safety.Check(query)
	if verdict.Refused() {
		fb := *verdict.Fallback
		fb.TraceEvents = append(trace, verdict.TraceEvents...)
		return models.RouteResult{Fallback: &fb}
	}
	trace = append(trace, verdict.TraceEvents...)
	trace = append(trace, models.TraceEvent{Code: "SAFETY_CHECK_PASS", StageAttempted: "SAFETY_CHECK"})

	// ── Cache ───────────────────────────────────────────────
	cacheKey := e.cache.key(query, candidates)
	if cached, ok := e.cache.get(cacheKey); ok {
		cached.TraceEvents = []models.TraceEvent{{Code: "CACHE_HIT", StageAttempted: "0"}}
		return models.RouteResult{Decision: &cached}
	}

	// ── Stage 1: Lexical Scoring ────────────────────────────
	stage1Start := time.Now()
	scored := make([]scoredCandidate, len(candidates))
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		n := c.Normalize()
		docs[i] = n.Name + " " + n.Description + " " + strings.Join(n.ActivationKeywords, " ")
		scored[i] = scoredCandidate{Candidate: n}
	}

	bm25 := newBM25Scorer()
	if len(docs) > 1 {
		bm25.buildIDF(docs)
	}
	for i := range scored {
		scored[i].bm25 = bm25.score(query, docs[i])
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].bm25 > scored[j].bm25 })

	trace = append(trace, models.TraceEvent{
		Code:           "STAGE1_LEXICAL_MATCH",
		StageAttempted: "1",
		Context: map[string]any{
			"latency_ms":      roundMs(time.Since(stage1Start)),
			"backend_version": e.backendVersion,
		},
	})

	if scored[0].bm25 == 0 {
		trace = append(trace,
			models.TraceEvent{Code: "STAGE1_NO_MATCHES", StageAttempted: "1"},
			models.TraceEvent{Code: "ROUTING_FALLBACK_DEFAULT", StageAttempted: "1"},
			models.TraceEvent{Code: "ROUTING_DECISION_FINAL", StageAttempted: "1"},
		)
		res := decisionResult(scored[0].Candidate, trace, scored[0].SafetyClearance, true, models.StabilityFallbackDefault, false)
		e.cache.put(cacheKey, *res.Decision)
		return res
	}

	tiedLexical := 0
	for _, c := range scored {
		if fp64Equal(c.bm25, scored[0].bm25) {
			tiedLexical++
		}
	}
	if tiedLexical > 1 {
		trace = append(trace, models.TraceEvent{Code: "STAGE1_IDENTICAL_SCORES", StageAttempted: "1"})
	}

	// ── Stage 2: Semantic Reranking ─────────────────────────
	if req.RoutingConditions.SkipSemantic {
		trace = append(trace, models.TraceEvent{Code: "STAGE2_SKIPPED", StageAttempted: "2"})
	} else if e.embedder != nil {
		trace = e.rerankSemantic(ctx, query, scored, trace)
	}

	// ── Combined Score ──────────────────────────────────────
	for i := range scored {
		bm25Norm := 0.0
		if scored[i].bm25 > 0 {
			bm25Norm = scored[i].bm25 / (scored[i].bm25 + 1.0)
		}
		scored[i].combined = alpha*bm25Norm + beta*scored[i].semantic
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].combined > scored[j].combined })

	// ── Stage 3: Conflict Resolution ────────────────────────
	top := scored[0]
	stability := models.StabilityDeterministic
	tieBreakApplied := false
	clearance := top.SafetyClearance

	var tiedFinal []scoredCandidate
	for _, c := range scored {
		if fp64Equal(c.combined, top.combined) {
			tiedFinal = append(tiedFinal, c)
		}
	}

	if len(tiedFinal) > 1 {
		trace = append(trace, models.TraceEvent{Code: "STAGE3_CONFLICT_DETECTED", StageAttempted: "3"})

		minRisk := tiedFinal[0].RiskLevel.Rank()
		for _, c := range tiedFinal[1:] {
			if r := c.RiskLevel.Rank(); r < minRisk {
				minRisk = r
			}
		}
		var lowRisk []scoredCandidate
		for _, c := range tiedFinal {
			if c.RiskLevel.Rank() == minRisk {
				lowRisk = append(lowRisk, c)
			}
		}
		if len(lowRisk) < len(tiedFinal) {
			trace = append(trace, models.TraceEvent{Code: "STAGE3_LOWER_RISK_SELECTED", StageAttempted: "3"})
			tiedFinal = lowRisk
		}

		if len(tiedFinal) > 1 {
			trace = append(trace, models.TraceEvent{Code: "STAGE3_TIE_BREAK_SKILL_ID", StageAttempted: "3"})
			top = utf8Tiebreak(tiedFinal)
			tieBreakApplied = true
			stability = models.StabilityTieBreakLexical
		} else {
			top = tiedFinal[0]
			stability = models.StabilityConflictResolved
		}

		for _, c := range tiedFinal {
			if c.RiskLevel.Rank() >= 1 {
				clearance = models.ClearanceRestricted
				break
			}
		}
	} else {
		if top.semantic > 0.5 {
			stability = models.StabilitySemanticSupport
		} else if top.semantic > 0 {
			stability = models.StabilityApproximateMatch
		}
	}

	approximate := top.semantic < 0.3 && top.bm25 < 1.0

	trace = append(trace, models.TraceEvent{Code: "ROUTING_DECISION_FINAL", StageAttempted: "3"})

	e.log.Info().
		Str("skill_id", top.SkillID).
		Str("stability", stability).
		Float64("latency_ms", roundMs(time.Since(t0))).
		Msg("routing completed")

	res := decisionResult(top.Candidate, trace, clearance, approximate, stability, tieBreakApplied)
	e.cache.put(cacheKey, *res.Decision)
	return res
}

// rerankSemantic batch-encodes the query plus all candidate docs and
// fills semantic scores. Any driver failure degrades to lexical-only
// with the corresponding trace events; it never fails the request.
func (e *Engine) rerankSemantic(ctx context.Context, query string, scored []scoredCandidate, trace []models.TraceEvent) []models.TraceEvent {
	texts := make([]string, 0, len(scored)+1)
	texts = append(texts, query)
	for _, c := range scored {
		texts = append(texts, c.Name+" "+c.Description)
	}

	embeddings, err := e.embedder.Embed(ctx, texts)
	if err != nil || len(embeddings) != len(texts) {
		e.log.Error().Err(err).Msg("semantic rerank failed, falling back to lexical")
		return append(trace,
			models.TraceEvent{Code: "STAGE2_EMBEDDING_TIMEOUT", StageAttempted: "2"},
			models.TraceEvent{Code: "ROUTING_FALLBACK_LEXICAL", StageAttempted: "2"},
		)
	}

	queryVec := unitNorm(embeddings[0])
	trace = append(trace, models.TraceEvent{Code: "STAGE2_EMBEDDING_GENERATED", StageAttempted: "2"})

	best := 0.0
	for i := range scored {
		scored[i].semantic = dot(queryVec, unitNorm(embeddings[i+1]))
		if scored[i].semantic > best {
			best = scored[i].semantic
		}
	}

	trace = append(trace, models.TraceEvent{
		Code:           "STAGE2_SEMANTIC_SIMILARITY",
		StageAttempted: "2",
		Context:        map[string]any{"candidate_count": len(scored)},
	})

	switch {
	case best < 0.3:
		trace = append(trace, models.TraceEvent{Code: "STAGE2_SEMANTIC_SIMILARITY_LOW", StageAttempted: "2"})
	case best >= 0.7:
		trace = append(trace, models.TraceEvent{Code: "STAGE2_SEMANTIC_THRESHOLD_MET", StageAttempted: "2"})
	default:
		trace = append(trace, models.TraceEvent{Code: "STAGE2_CONFIDENCE_MEDIUM", StageAttempted: "2"})
	}
	return trace
}

func decisionResult(c models.Candidate, trace []models.TraceEvent, clearance string, approximate bool, stability string, tieBreak bool) models.RouteResult {
	ref := c.SkillID
	return models.RouteResult{Decision: &models.RoutingDecision{
		SkillRef:          &ref,
		SafetyClearance:   clearance,
		Approximate:       approximate,
		DecisionStability: stability,
		TieBreakApplied:   tieBreak,
		TraceEvents:       trace,
	}}
}

func fp64Equal(a, b float64) bool { return math.Abs(a-b) < epsilon }

// utf8Tiebreak picks the candidate with the smallest skill id in UTF-8
// byte order. Go string comparison is already byte-wise.
func utf8Tiebreak(candidates []scoredCandidate) scoredCandidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.SkillID < best.SkillID {
			best = c
		}
	}
	return best
}

func unitNorm(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func roundMs(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
