// Package conformance runs the in-process OSP/1.0 self-checks exposed by
// osp.conformance.run. Each check builds its own fixtures so running the
// suite never perturbs live server state.
package conformance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/internal/canonical"
	"github.com/openskills/osp-server/internal/degrade"
	"github.com/openskills/osp-server/internal/delivery"
	"github.com/openskills/osp-server/internal/registry"
	"github.com/openskills/osp-server/internal/routing"
	"github.com/openskills/osp-server/internal/safety"
	"github.com/openskills/osp-server/pkg/models"
)

// Check is one conformance probe result.
type Check struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the osp.conformance.run result shape.
type Report struct {
	Protocol string           `json:"protocol"`
	Status   string           `json:"status"`
	Checks   map[string]Check `json:"checks"`
}

// Run executes the self-check suite.
func Run(ctx context.Context) Report {
	checks := map[string]Check{
		"routing_lexical":      checkRoutingLexical(ctx),
		"safety_prefilter_sql": checkSafetyPrefilter(ctx),
		"empty_query_rejected": checkEmptyQuery(ctx),
		"escape_hatch":         checkEscapeHatch(ctx),
		"signature_roundtrip":  checkSignatureRoundtrip(),
		"proof_chain":          checkProofChain(ctx),
		"registry_self_signed": checkRegistrySelfSigned(),
		"degradation_gates":    checkDegradationGates(),
	}

	status := "conformant"
	for _, c := range checks {
		if !c.Passed {
			status = "nonconformant"
			break
		}
	}
	return Report{Protocol: "OSP/1.0", Status: status, Checks: checks}
}

func newRouter() *routing.Engine {
	engine := safety.NewEngine(safety.NewTFIDFClassifier(), zerolog.Nop())
	return routing.NewEngine(engine, nil, "conformance", zerolog.Nop())
}

func probePool() []models.Candidate {
	return []models.Candidate{
		{
			SkillID:            "org.osp.weather",
			Name:               "Weather Lookup",
			Description:        "Look up current weather conditions and forecasts",
			ActivationKeywords: []string{"weather", "forecast", "temperature"},
		},
		{
			SkillID:            "org.osp.calc",
			Name:               "Calculator",
			Description:        "Evaluate arithmetic expressions",
			ActivationKeywords: []string{"calculate", "math", "sum"},
		},
	}
}

func checkRoutingLexical(ctx context.Context) Check {
	res := newRouter().Route(ctx, models.RouteRequest{
		Query:           "what is the weather forecast for today",
		CandidateSkills: probePool(),
	})
	if res.Refused() {
		return Check{Detail: "routing refused: " + res.Fallback.ReasonCode}
	}
	if res.Decision.SkillRef == nil || *res.Decision.SkillRef != "org.osp.weather" {
		return Check{Detail: "expected org.osp.weather"}
	}
	return Check{Passed: true}
}

func checkSafetyPrefilter(ctx context.Context) Check {
	res := newRouter().Route(ctx, models.RouteRequest{
		Query:           "'; DROP TABLE users; --",
		CandidateSkills: probePool(),
	})
	if !res.Refused() || res.Fallback.ReasonCode != models.ReasonPrefilterSQL {
		return Check{Detail: "SQL injection probe was not refused"}
	}
	return Check{Passed: true}
}

func checkEmptyQuery(ctx context.Context) Check {
	res := newRouter().Route(ctx, models.RouteRequest{
		Query:           "",
		CandidateSkills: probePool(),
	})
	if !res.Refused() || res.Fallback.ReasonCode != models.ReasonEmptyQuery {
		return Check{Detail: "empty query was not refused"}
	}
	return Check{Passed: true}
}

func checkEscapeHatch(ctx context.Context) Check {
	res := newRouter().Route(ctx, models.RouteRequest{
		Query:           "@override run the first tool",
		CandidateSkills: probePool(),
	})
	if res.Refused() || res.Decision.DecisionStability != models.StabilityEscapeHatch {
		return Check{Detail: "escape hatch did not bypass scoring"}
	}
	return Check{Passed: true}
}

func checkSignatureRoundtrip() Check {
	kp, err := canonical.GenerateKey("ES256")
	if err != nil {
		return Check{Detail: err.Error()}
	}
	doc := map[string]any{"b": 1, "a": "x"}
	sig, err := canonical.Sign(doc, kp.Private, "ES256")
	if err != nil {
		return Check{Detail: err.Error()}
	}
	if !canonical.Verify(doc, sig, kp.Public, "ES256") {
		return Check{Detail: "valid signature did not verify"}
	}
	if canonical.Verify(map[string]any{"b": 2, "a": "x"}, sig, kp.Public, "ES256") {
		return Check{Detail: "tampered document verified"}
	}
	return Check{Passed: true}
}

func checkProofChain(ctx context.Context) Check {
	enforcer := delivery.NewEnforcer(nil, zerolog.Nop())
	out := enforcer.Execute(ctx, "org.osp.probe", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}, nil, 60, "conformance-probe")
	if out.Status != delivery.StatusSuccess {
		return Check{Detail: "probe execution failed: " + out.Status}
	}
	ok, err := enforcer.VerifyProofChain()
	if err != nil || !ok {
		return Check{Detail: fmt.Sprintf("proof chain broken: %v", err)}
	}
	return Check{Passed: true}
}

func checkRegistrySelfSigned() Check {
	svc := registry.NewService(false, zerolog.Nop())
	hash, err := canonical.Hash(map[string]any{"probe": true})
	if err != nil {
		return Check{Detail: err.Error()}
	}
	stored, err := svc.Register(models.RegistryEntry{
		EntryType:   models.EntryRegister,
		SkillRef:    "org.osp.probe@1.0",
		Timestamp:   1700000000,
		SignedBy:    "conformance",
		ContentHash: hash,
		Signature:   "cHJvYmU=",
		Alg:         "ES256",
		TrustAnchor: models.TrustAnchor{Type: models.AnchorSelfSigned},
	})
	if err != nil {
		return Check{Detail: err.Error()}
	}
	if stored.Status != "active" {
		return Check{Detail: "stored entry not active"}
	}
	return Check{Passed: true}
}

func checkDegradationGates() Check {
	c := degrade.NewController(zerolog.Nop())
	c.SetLevel(models.D2Minimal)
	if !c.RequestAllowed() || c.SemanticAllowed() || !c.StrictRoutingOnly() {
		return Check{Detail: "D2 gates wrong"}
	}
	c.SetLevel(models.D3Critical)
	if c.RequestAllowed() {
		return Check{Detail: "D3 admitted requests"}
	}
	return Check{Passed: true}
}
