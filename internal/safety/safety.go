// Package safety implements the layered admission check run before
// routing: lexical injection prefilters, a semantic classifier over a
// seed vocabulary, and a KL-divergence anomaly brake over the recent
// score history. Classifier failures fail closed.
package safety

import (
	"math"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/pkg/models"
)

// ── Verdict ─────────────────────────────────────────────────

// Kind discriminates the safety verdict variants.
type Kind int

const (
	// KindSafe admits the query to routing.
	KindSafe Kind = iota
	// KindRefused blocks the query with a structured fallback.
	KindRefused
)

// Verdict is the outcome of a safety check. Fallback is non-nil exactly
// when Kind is KindRefused. TraceEvents carries the check's observability
// trail for both variants.
type Verdict struct {
	Kind        Kind
	Fallback    *models.SafeFallback
	TraceEvents []models.TraceEvent
}

// Refused reports whether the verdict blocks the query.
func (v Verdict) Refused() bool { return v.Kind == KindRefused }

// ── Engine ──────────────────────────────────────────────────

const (
	historySize      = 100
	anomalyMinSample = 10
	anomalyWindow    = 10
	anomalyThreshold = 0.5
)

var (
	sqlInjectionPattern = regexp.MustCompile(
		`(?i)(union\s+select|select\s+.*\s+from|insert\s+into|delete\s+from|drop\s+table|update\s+.*set|or\s+1\s*=\s*1)`)
	commandInjectionPattern = regexp.MustCompile(
		`(?i)(rm\s+-rf|;\s*ls|\|\s*cat|;\s*shutdown|;\s*reboot|cat\s+/etc/passwd|\|\s*grep|` + "`.*`" + `|\$\(.*\))`)
)

// Engine runs the layered safety pipeline. Safe for concurrent use.
type Engine struct {
	classifier Classifier
	log        zerolog.Logger

	mu              sync.Mutex
	lexicalHistory  []float64
	semanticHistory []float64
}

// NewEngine wires the pipeline around the given classifier.
func NewEngine(classifier Classifier, log zerolog.Logger) *Engine {
	return &Engine{
		classifier: classifier,
		log:        log.With().Str("component", "safety").Logger(),
	}
}

// Check runs the full pipeline over a query. A nil-Fallback verdict means
// the query may proceed to routing.
func (e *Engine) Check(query string) Verdict {
	var trace []models.TraceEvent

	if sqlInjectionPattern.MatchString(query) {
		trace = append(trace,
			models.TraceEvent{Code: "PREFILTER_MATCH", StageAttempted: "lexical_injection_filter",
				Context: map[string]any{"matched_pattern": "sql_keywords"}},
			models.TraceEvent{Code: "BLOCK_ACTION", StageAttempted: "prefilter_stage"},
		)
		e.log.Warn().Str("reason", models.ReasonPrefilterSQL).Msg("prefilter blocked query")
		return refusedVerdict(&models.SafeFallback{
			Refusal:         true,
			ReasonCode:      models.ReasonPrefilterSQL,
			Message:         "Potential SQL injection detected",
			SafeAlternative: "I cannot help with database queries. Please rephrase your request.",
			TraceEvents:     trace,
		})
	}

	if commandInjectionPattern.MatchString(query) {
		trace = append(trace,
			models.TraceEvent{Code: "PREFILTER_MATCH", StageAttempted: "forbidden_pattern_filter",
				Context: map[string]any{"matched_pattern": "shell_metacharacters"}},
			models.TraceEvent{Code: "BLOCK_ACTION", StageAttempted: "prefilter_stage"},
		)
		e.log.Warn().Str("reason", models.ReasonPrefilterCommand).Msg("prefilter blocked query")
		return refusedVerdict(&models.SafeFallback{
			Refusal:         true,
			ReasonCode:      models.ReasonPrefilterCommand,
			Message:         "Potential command injection detected",
			SafeAlternative: "I cannot execute system commands. Please describe what you'd like to accomplish.",
			TraceEvents:     trace,
		})
	}

	trace = append(trace, models.TraceEvent{Code: "PREFILTER_PASS", StageAttempted: "lexical_injection_filter"})

	result, err := e.classifier.Classify(query)
	if err != nil {
		e.log.Error().Err(err).Msg("semantic classifier error, failing closed")
		trace = append(trace,
			models.TraceEvent{Code: "SEMANTIC_CLASSIFIER_ERROR", StageAttempted: "semantic_classifier"},
			models.TraceEvent{Code: "FAIL_CLOSED_TRIGGERED", StageAttempted: "safety_decision"},
			models.TraceEvent{Code: "SAFE_FALLBACK_GENERATED", StageAttempted: "fallback_handler",
				Context: map[string]any{"fallback_type": "classifier_unavailable"}},
		)
		return refusedVerdict(&models.SafeFallback{
			Refusal:         true,
			ReasonCode:      models.ReasonClassifierDown,
			Message:         "Safety classification is temporarily unavailable.",
			SafeAlternative: "Safety classification is temporarily unavailable. Please try again in a moment.",
			TraceEvents:     trace,
		})
	}

	trace = append(trace, models.TraceEvent{Code: "SEMANTIC_ANALYSIS_START", StageAttempted: "semantic_classifier"})

	if result == nil {
		trace = append(trace, models.TraceEvent{Code: "SEMANTIC_SAFE_PASS", StageAttempted: "semantic_classifier"})
		return Verdict{Kind: KindSafe, TraceEvents: trace}
	}

	trace = append(trace, models.TraceEvent{
		Code:           "SEMANTIC_RISK_DETECTED",
		StageAttempted: "semantic_classifier",
		Context:        map[string]any{"risk_score": result.RiskScore, "risk_category": result.Category},
	})

	if result.Blocked {
		trace = append(trace,
			models.TraceEvent{Code: "BLOCK_ACTION", StageAttempted: "semantic_decision"},
			models.TraceEvent{Code: "SAFE_FALLBACK_GENERATED", StageAttempted: "fallback_handler"},
		)
		e.log.Warn().
			Str("category", result.Category).
			Float64("risk_score", result.RiskScore).
			Msg("semantic classifier blocked query")
		return refusedVerdict(&models.SafeFallback{
			Refusal:     true,
			ReasonCode:  result.ReasonCode,
			Message:     refusalMessage(result.Category),
			TraceEvents: trace,
		})
	}

	trace = append(trace, models.TraceEvent{
		Code:           "SEMANTIC_RISK_NOTED",
		StageAttempted: "semantic_classifier",
		Context:        map[string]any{"risk_score": result.RiskScore},
	})

	if fb, events := e.anomalyBrake(query, result); fb != nil {
		return refusedVerdict(&models.SafeFallback{
			Refusal:     true,
			ReasonCode:  fb.ReasonCode,
			Message:     fb.Message,
			TraceEvents: append(trace, events...),
		})
	} else if len(events) > 0 {
		trace = append(trace, events...)
	}

	return Verdict{Kind: KindSafe, TraceEvents: trace}
}

// anomalyBrake feeds the score histories and applies the KL-divergence
// distribution-shift check over the last ten samples. Only high and
// critical risk results convert an anomaly into a block.
func (e *Engine) anomalyBrake(query string, result *Classification) (*models.SafeFallback, []models.TraceEvent) {
	lexical := 0.0
	if sqlInjectionPattern.MatchString(query) || commandInjectionPattern.MatchString(query) {
		lexical = 1.0
	}

	e.mu.Lock()
	e.lexicalHistory = appendBounded(e.lexicalHistory, lexical, historySize)
	e.semanticHistory = appendBounded(e.semanticHistory, result.RiskScore, historySize)
	if len(e.lexicalHistory) < anomalyMinSample {
		e.mu.Unlock()
		return nil, nil
	}
	p := normalizeTail(e.lexicalHistory, anomalyWindow)
	q := normalizeTail(e.semanticHistory, anomalyWindow)
	e.mu.Unlock()

	kl := klDivergence(p, q)
	if kl <= anomalyThreshold {
		return nil, nil
	}

	e.log.Warn().Float64("kl_divergence", kl).Msg("anomaly detected in score distributions")
	events := []models.TraceEvent{{
		Code:           "ANOMALY_DETECTED",
		StageAttempted: "anomaly_detection",
		Context: map[string]any{
			"anomaly_type":       "distribution_shift",
			"anomaly_confidence": math.Round(math.Min(kl/2.0, 0.99)*100) / 100,
		},
	}}

	if result.RiskLevel == models.RiskHigh || result.RiskLevel == models.RiskCritical {
		events = append(events,
			models.TraceEvent{Code: "SEMANTIC_ANALYSIS_DISCARDED", StageAttempted: "safety_decision",
				Context: map[string]any{"reason": "anomaly_detected"}},
			models.TraceEvent{Code: "CONSERVATIVE_BLOCK_APPLIED", StageAttempted: "safety_decision"},
			models.TraceEvent{Code: "SECURITY_EVENT_LOGGED", StageAttempted: "logging",
				Context: map[string]any{"severity": "CRITICAL"}},
		)
		return &models.SafeFallback{
			ReasonCode: models.ReasonAnomalyHighRisk,
			Message:    "Request blocked.",
		}, events
	}

	events = append(events, models.TraceEvent{Code: "ANOMALY_DETECTED_LOW_RISK", StageAttempted: "anomaly_detection"})
	return nil, events
}

func refusedVerdict(fb *models.SafeFallback) Verdict {
	return Verdict{Kind: KindRefused, Fallback: fb, TraceEvents: fb.TraceEvents}
}

func appendBounded(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

// normalizeTail turns the last n samples into a probability distribution.
func normalizeTail(s []float64, n int) []float64 {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	sum := 1e-10
	for _, v := range s {
		sum += v
	}
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = v / sum
	}
	return out
}

// klDivergence computes D_KL(P || Q) with epsilon flooring so zero
// entries never produce infinities.
func klDivergence(p, q []float64) float64 {
	const epsilon = 1e-10
	var result float64
	for i := range p {
		pi := math.Max(p[i], epsilon)
		qi := math.Max(q[i], epsilon)
		result += pi * math.Log(pi/qi)
	}
	return result
}
