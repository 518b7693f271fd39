package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/pkg/models"
)

type stubGate struct{ allowed bool }

func (g stubGate) RequestAllowed() bool { return g.allowed }

func newTestEnforcer(t *testing.T) (*Enforcer, *time.Time) {
	t.Helper()
	e := NewEnforcer(nil, zerolog.Nop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func TestExecuteSuccessRecordsProof(t *testing.T) {
	e, _ := newTestEnforcer(t)

	out := e.Execute(context.Background(), "org.osp.calc", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"answer": 4.0}, nil
	}, map[string]any{"x": 2, "y": 2}, 300, "key-1")

	if out.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", out.Status)
	}
	if out.Result["answer"] != 4.0 {
		t.Fatalf("result = %v", out.Result)
	}
	if out.Contract.ExecutionStatus != models.ExecutionCompleted {
		t.Fatalf("contract status = %s", out.Contract.ExecutionStatus)
	}

	proof, ok := e.GetProof("key-1")
	if !ok {
		t.Fatal("proof missing")
	}
	assertEventTypes(t, proof, "CONTRACT_ISSUED", "EXECUTION_SUCCESS")

	if ok, err := e.VerifyProofChain(); err != nil || !ok {
		t.Fatalf("proof chain invalid: ok=%v err=%v", ok, err)
	}
}

func TestExecuteIdempotentReplay(t *testing.T) {
	e, _ := newTestEnforcer(t)
	calls := 0
	fn := func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{"n": calls}, nil
	}

	first := e.Execute(context.Background(), "org.osp.echo", fn, nil, 300, "dup-key")
	second := e.Execute(context.Background(), "org.osp.echo", fn, nil, 300, "dup-key")

	if calls != 1 {
		t.Fatalf("skill executed %d times, want 1", calls)
	}
	if first.Status != StatusSuccess {
		t.Fatalf("first status = %s", first.Status)
	}
	if second.Status != StatusIdempotent || !second.Idempotent {
		t.Fatalf("second call not idempotent: %+v", second)
	}
	if second.Result["n"] != first.Result["n"] {
		t.Fatal("idempotent replay must return the original result")
	}

	proof, _ := e.GetProof("dup-key")
	assertEventTypes(t, proof, "CONTRACT_ISSUED", "EXECUTION_SUCCESS", "IDEMPOTENT_RETURN")
}

func TestExecuteRetriesThenFails(t *testing.T) {
	e, _ := newTestEnforcer(t)
	calls := 0
	fn := func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		return nil, errors.New("upstream down")
	}

	out := e.Execute(context.Background(), "org.osp.flaky", fn, nil, 300, "fail-key")

	if out.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if calls != DefaultMaxRetries+1 {
		t.Fatalf("attempts = %d, want %d", calls, DefaultMaxRetries+1)
	}
	if out.Contract.ExecutionStatus != models.ExecutionFailed {
		t.Fatalf("contract status = %s", out.Contract.ExecutionStatus)
	}
	if out.Contract.RetriesUsed != DefaultMaxRetries+1 {
		t.Fatalf("retries_used = %d", out.Contract.RetriesUsed)
	}

	proof, _ := e.GetProof("fail-key")
	retries := 0
	for _, rec := range proof.ProofLog {
		if rec.EventType == "EXECUTION_RETRY" {
			retries++
		}
	}
	if retries != DefaultMaxRetries+1 {
		t.Fatalf("retry events = %d, want %d", retries, DefaultMaxRetries+1)
	}
	assertEventTypes(t, proof, "CONTRACT_ISSUED", "EXECUTION_FAILED")
}

func TestExecuteRecoversOnRetry(t *testing.T) {
	e, _ := newTestEnforcer(t)
	calls := 0
	fn := func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	}

	out := e.Execute(context.Background(), "org.osp.flaky", fn, nil, 300, "")
	if out.Status != StatusSuccess {
		t.Fatalf("status = %s, want success after retries", out.Status)
	}
	if out.Contract.RetriesUsed != 2 {
		t.Fatalf("retries_used = %d, want 2", out.Contract.RetriesUsed)
	}
}

func TestFreshnessLifecycle(t *testing.T) {
	e, now := newTestEnforcer(t)

	contract := e.IssueContract("org.osp.clock", 100, 3, "fresh-key")
	if contract.Freshness != models.FreshnessFresh {
		t.Fatalf("freshness = %s, want fresh", contract.Freshness)
	}

	*now = now.Add(79 * time.Second)
	if f := contract.ComputeFreshness(*now); f != models.FreshnessFresh {
		t.Fatalf("at 79%%: %s, want fresh", f)
	}

	*now = now.Add(2 * time.Second)
	if f := contract.ComputeFreshness(*now); f != models.FreshnessStale {
		t.Fatalf("at 81%%: %s, want stale", f)
	}

	*now = now.Add(20 * time.Second)
	if f := contract.ComputeFreshness(*now); f != models.FreshnessExpired {
		t.Fatalf("at 101%%: %s, want expired", f)
	}
}

func TestExecuteReissuesExpiredContract(t *testing.T) {
	e, now := newTestEnforcer(t)

	first := e.IssueContract("org.osp.slow", 10, 3, "exp-key")
	*now = now.Add(11 * time.Second)

	// An expired contract under the same key is not replayed: a fresh
	// contract is allocated and execution proceeds.
	calls := 0
	out := e.Execute(context.Background(), "org.osp.slow", func(context.Context, map[string]any) (map[string]any, error) {
		calls++
		return map[string]any{"ok": true}, nil
	}, nil, 10, "exp-key")

	if out.Status != StatusSuccess {
		t.Fatalf("status = %s, want success under a re-issued contract", out.Status)
	}
	if calls != 1 {
		t.Fatalf("skill executed %d times, want 1", calls)
	}
	if !out.Contract.IssuedAt.After(first.IssuedAt) {
		t.Fatalf("contract was not re-issued: issued_at %v vs %v", out.Contract.IssuedAt, first.IssuedAt)
	}
	if out.Idempotent {
		t.Fatal("re-issued execution must not be marked idempotent")
	}

	proof, _ := e.GetProof("exp-key")
	issued := 0
	for _, rec := range proof.ProofLog {
		if rec.EventType == "CONTRACT_ISSUED" {
			issued++
		}
	}
	if issued != 2 {
		t.Fatalf("CONTRACT_ISSUED events = %d, want 2 (original plus re-issue)", issued)
	}
	assertEventTypes(t, proof, "EXECUTION_SUCCESS")
}

func TestD3RejectsExecution(t *testing.T) {
	e := NewEnforcer(stubGate{allowed: false}, zerolog.Nop())

	out := e.Execute(context.Background(), "org.osp.calc", func(context.Context, map[string]any) (map[string]any, error) {
		t.Fatal("must not execute under load shedding")
		return nil, nil
	}, nil, 300, "shed-key")

	if out.Status != StatusRejected {
		t.Fatalf("status = %s, want rejected", out.Status)
	}
	page := e.AllProofs(10, 0)
	if len(page.Entries) != 1 || page.Entries[0].EventType != "REJECTED_DEGRADATION" {
		t.Fatalf("unexpected proof log: %+v", page.Entries)
	}
}

func TestAllProofsPagination(t *testing.T) {
	e, _ := newTestEnforcer(t)
	for i := 0; i < 5; i++ {
		e.IssueContract("org.osp.echo", 300, 3, "")
	}

	page := e.AllProofs(2, 1)
	if page.Total != 5 {
		t.Fatalf("total = %d, want 5", page.Total)
	}
	if len(page.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(page.Entries))
	}
	if page.Entries[0].Sequence != 1 {
		t.Fatalf("first sequence = %d, want 1", page.Entries[0].Sequence)
	}
}

func assertEventTypes(t *testing.T, proof *ProofBundle, types ...string) {
	t.Helper()
	for _, want := range types {
		found := false
		for _, rec := range proof.ProofLog {
			if rec.EventType == want {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("proof log missing %s: %+v", want, proof.ProofLog)
		}
	}
}
