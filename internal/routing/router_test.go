package routing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/internal/routing"
	"github.com/openskills/osp-server/internal/safety"
	"github.com/openskills/osp-server/pkg/contracts"
	"github.com/openskills/osp-server/pkg/models"
)

func newTestEngine(t *testing.T, embedder contracts.EmbeddingDriver) *routing.Engine {
	t.Helper()
	se := safety.NewEngine(safety.NewTFIDFClassifier(), zerolog.Nop())
	return routing.NewEngine(se, embedder, "osp-ref-server-v1.0.0", zerolog.Nop())
}

func testPool() []models.Candidate {
	return []models.Candidate{
		{
			SkillID:            "org.osp.weather",
			Name:               "Weather",
			Description:        "Get weather forecast",
			ActivationKeywords: []string{"weather", "forecast"},
			RiskLevel:          models.RiskLow,
		},
		{
			SkillID:            "org.osp.calc",
			Name:               "Calculator",
			Description:        "Perform arithmetic",
			ActivationKeywords: []string{"calculate", "math"},
			RiskLevel:          models.RiskLow,
		},
	}
}

type stubEmbedder struct {
	vectors [][]float64
	err     error
}

func (s *stubEmbedder) Kind() string    { return "stub" }
func (s *stubEmbedder) Dimensions() int { return 2 }
func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors[:len(texts)], nil
}
func (s *stubEmbedder) HealthCheck(context.Context) error { return s.err }

func TestRouteLexicalMatch(t *testing.T) {
	e := newTestEngine(t, nil)

	res := e.Route(context.Background(), models.RouteRequest{
		Query:           "what is the weather forecast",
		CandidateSkills: testPool(),
	})
	if res.Refused() {
		t.Fatalf("refused: %+v", res.Fallback)
	}
	d := res.Decision
	if d.SkillRef == nil || *d.SkillRef != "org.osp.weather" {
		t.Fatalf("skill_ref = %v, want org.osp.weather", d.SkillRef)
	}
	if d.Approximate {
		t.Fatal("strong lexical match should not be approximate")
	}
	if d.DecisionStability != models.StabilityDeterministic {
		t.Fatalf("stability = %s, want deterministic", d.DecisionStability)
	}
	assertHasEvent(t, d.TraceEvents, "STAGE1_LEXICAL_MATCH")
	assertHasEvent(t, d.TraceEvents, "ROUTING_DECISION_FINAL")
}

func TestRouteDeterministicAndCached(t *testing.T) {
	e := newTestEngine(t, nil)
	req := models.RouteRequest{Query: "calculate 2 plus 2 math", CandidateSkills: testPool()}

	first := e.Route(context.Background(), req)
	second := e.Route(context.Background(), req)

	if first.Refused() || second.Refused() {
		t.Fatal("unexpected refusal")
	}
	if *first.Decision.SkillRef != *second.Decision.SkillRef {
		t.Fatalf("decisions differ: %s vs %s", *first.Decision.SkillRef, *second.Decision.SkillRef)
	}
	assertHasEvent(t, second.Decision.TraceEvents, "CACHE_HIT")
}

func TestRouteEmptyQueryRefused(t *testing.T) {
	e := newTestEngine(t, nil)

	res := e.Route(context.Background(), models.RouteRequest{Query: "   ", CandidateSkills: testPool()})
	if !res.Refused() {
		t.Fatal("blank query should be refused")
	}
	if res.Fallback.ReasonCode != models.ReasonEmptyQuery {
		t.Fatalf("reason = %s, want %s", res.Fallback.ReasonCode, models.ReasonEmptyQuery)
	}
}

func TestRouteEmptyPoolEscalates(t *testing.T) {
	e := newTestEngine(t, nil)

	res := e.Route(context.Background(), models.RouteRequest{Query: "anything"})
	if res.Refused() {
		t.Fatal("empty pool is an escalation, not a refusal")
	}
	d := res.Decision
	if d.SkillRef != nil {
		t.Fatalf("skill_ref = %v, want null", *d.SkillRef)
	}
	if d.SafetyClearance != models.ClearanceEscalate {
		t.Fatalf("clearance = %s, want escalate", d.SafetyClearance)
	}
	if d.DecisionStability != models.StabilityNoCandidates {
		t.Fatalf("stability = %s, want no_candidates", d.DecisionStability)
	}
	assertHasEvent(t, d.TraceEvents, "ROUTING_POOL_EMPTY")
}

func TestRouteEscapeHatch(t *testing.T) {
	e := newTestEngine(t, nil)

	res := e.Route(context.Background(), models.RouteRequest{
		Query:           "@override run whatever",
		CandidateSkills: testPool(),
	})
	if res.Refused() {
		t.Fatal("escape hatch should not refuse")
	}
	if *res.Decision.SkillRef != "org.osp.weather" {
		t.Fatalf("escape hatch should pick the first candidate, got %s", *res.Decision.SkillRef)
	}
	if res.Decision.DecisionStability != models.StabilityEscapeHatch {
		t.Fatalf("stability = %s, want escape_hatch_direct", res.Decision.DecisionStability)
	}
	assertHasEvent(t, res.Decision.TraceEvents, "ROUTING_ESCAPE_HATCH_DETECTED")
}

func TestRouteUTF8Tiebreak(t *testing.T) {
	e := newTestEngine(t, nil)

	pool := []models.Candidate{
		{SkillID: "org.b", Name: "Search", Description: "Search documents", ActivationKeywords: []string{"search"}},
		{SkillID: "org.a", Name: "Search", Description: "Search documents", ActivationKeywords: []string{"search"}},
	}
	res := e.Route(context.Background(), models.RouteRequest{Query: "search documents", CandidateSkills: pool})
	if res.Refused() {
		t.Fatalf("refused: %+v", res.Fallback)
	}
	d := res.Decision
	if *d.SkillRef != "org.a" {
		t.Fatalf("tiebreak picked %s, want org.a (lowest UTF-8 byte order)", *d.SkillRef)
	}
	if !d.TieBreakApplied {
		t.Fatal("tie_break_applied should be set")
	}
	if d.DecisionStability != models.StabilityTieBreakLexical {
		t.Fatalf("stability = %s, want tie_break_lexical_order", d.DecisionStability)
	}
	assertHasEvent(t, d.TraceEvents, "STAGE1_IDENTICAL_SCORES")
	assertHasEvent(t, d.TraceEvents, "STAGE3_CONFLICT_DETECTED")
	assertHasEvent(t, d.TraceEvents, "STAGE3_TIE_BREAK_SKILL_ID")
}

func TestRouteConflictPrefersLowerRisk(t *testing.T) {
	e := newTestEngine(t, nil)

	pool := []models.Candidate{
		{SkillID: "org.risky", Name: "Deploy", Description: "Deploy services", ActivationKeywords: []string{"deploy"}, RiskLevel: models.RiskHigh},
		{SkillID: "org.safe", Name: "Deploy", Description: "Deploy services", ActivationKeywords: []string{"deploy"}, RiskLevel: models.RiskLow},
	}
	res := e.Route(context.Background(), models.RouteRequest{Query: "deploy services", CandidateSkills: pool})
	if res.Refused() {
		t.Fatalf("refused: %+v", res.Fallback)
	}
	d := res.Decision
	if *d.SkillRef != "org.safe" {
		t.Fatalf("conflict resolution picked %s, want org.safe", *d.SkillRef)
	}
	if d.DecisionStability != models.StabilityConflictResolved {
		t.Fatalf("stability = %s, want conflict_resolved", d.DecisionStability)
	}
	if d.TieBreakApplied {
		t.Fatal("risk narrowing alone is not a tiebreak")
	}
	assertHasEvent(t, d.TraceEvents, "STAGE3_LOWER_RISK_SELECTED")
}

func TestRouteSemanticRerank(t *testing.T) {
	// Lexical tie between two identical docs; the embedder aligns the
	// second candidate with the query, so semantics decide.
	embedder := &stubEmbedder{vectors: [][]float64{
		{1, 0}, // query
		{0, 1}, // org.a doc
		{1, 0}, // org.b doc
	}}
	e := newTestEngine(t, embedder)

	pool := []models.Candidate{
		{SkillID: "org.a", Name: "Lookup", Description: "Lookup records", ActivationKeywords: []string{"lookup"}},
		{SkillID: "org.b", Name: "Lookup", Description: "Lookup records", ActivationKeywords: []string{"lookup"}},
	}
	res := e.Route(context.Background(), models.RouteRequest{Query: "lookup records", CandidateSkills: pool})
	if res.Refused() {
		t.Fatalf("refused: %+v", res.Fallback)
	}
	d := res.Decision
	if *d.SkillRef != "org.b" {
		t.Fatalf("semantic rerank picked %s, want org.b", *d.SkillRef)
	}
	if d.DecisionStability != models.StabilitySemanticSupport {
		t.Fatalf("stability = %s, want semantic_supported", d.DecisionStability)
	}
	assertHasEvent(t, d.TraceEvents, "STAGE2_EMBEDDING_GENERATED")
	assertHasEvent(t, d.TraceEvents, "STAGE2_SEMANTIC_THRESHOLD_MET")
}

func TestRouteEmbedderFailureFallsBackToLexical(t *testing.T) {
	e := newTestEngine(t, &stubEmbedder{err: errors.New("backend down")})

	res := e.Route(context.Background(), models.RouteRequest{
		Query:           "what is the weather forecast",
		CandidateSkills: testPool(),
	})
	if res.Refused() {
		t.Fatalf("refused: %+v", res.Fallback)
	}
	if *res.Decision.SkillRef != "org.osp.weather" {
		t.Fatalf("lexical fallback picked %s", *res.Decision.SkillRef)
	}
	assertHasEvent(t, res.Decision.TraceEvents, "STAGE2_EMBEDDING_TIMEOUT")
	assertHasEvent(t, res.Decision.TraceEvents, "ROUTING_FALLBACK_LEXICAL")
}

func TestRouteSkipSemantic(t *testing.T) {
	embedder := &stubEmbedder{vectors: [][]float64{{1, 0}, {0, 1}, {1, 0}}}
	e := newTestEngine(t, embedder)

	res := e.Route(context.Background(), models.RouteRequest{
		Query:             "what is the weather forecast",
		CandidateSkills:   testPool(),
		RoutingConditions: models.RoutingConditions{SkipSemantic: true},
	})
	if res.Refused() {
		t.Fatalf("refused: %+v", res.Fallback)
	}
	assertHasEvent(t, res.Decision.TraceEvents, "STAGE2_SKIPPED")
}

func TestRouteSafetyRefusalPropagates(t *testing.T) {
	e := newTestEngine(t, nil)

	res := e.Route(context.Background(), models.RouteRequest{
		Query:           "'; DROP TABLE users; --",
		CandidateSkills: testPool(),
	})
	if !res.Refused() {
		t.Fatal("injection should be refused")
	}
	if res.Fallback.ReasonCode != models.ReasonPrefilterSQL {
		t.Fatalf("reason = %s, want %s", res.Fallback.ReasonCode, models.ReasonPrefilterSQL)
	}
}

func TestRouteFailsClosedOnClassifierError(t *testing.T) {
	se := safety.NewEngine(failingClassifier{}, zerolog.Nop())
	e := routing.NewEngine(se, nil, "osp-ref-server-v1.0.0", zerolog.Nop())

	res := e.Route(context.Background(), models.RouteRequest{Query: "hello", CandidateSkills: testPool()})
	if !res.Refused() {
		t.Fatal("classifier outage must refuse")
	}
	if res.Fallback.ReasonCode != models.ReasonClassifierDown {
		t.Fatalf("reason = %s, want %s", res.Fallback.ReasonCode, models.ReasonClassifierDown)
	}
}

type failingClassifier struct{}

func (failingClassifier) Classify(string) (*safety.Classification, error) {
	return nil, errors.New("unavailable")
}

func assertHasEvent(t *testing.T, events []models.TraceEvent, code string) {
	t.Helper()
	for _, ev := range events {
		if ev.Code == code {
			return
		}
	}
	t.Fatalf("trace missing event %s", code)
}
