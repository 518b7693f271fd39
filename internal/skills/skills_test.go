package skills

import (
	"context"
	"testing"
	"time"
)

func TestCatalogRegisterAndList(t *testing.T) {
	c := NewCatalog()
	RegisterBuiltins(c)

	manifests := c.Manifests()
	if len(manifests) != 3 {
		t.Fatalf("manifests = %d, want 3", len(manifests))
	}
	// Sorted by skill id.
	want := []string{"org.osp.calc", "org.osp.clock", "org.osp.echo"}
	for i, id := range want {
		if manifests[i].SkillID != id {
			t.Fatalf("manifest %d = %s, want %s", i, manifests[i].SkillID, id)
		}
	}

	if _, ok := c.Get("org.osp.calc"); !ok {
		t.Fatal("calc skill missing")
	}
	if _, ok := c.Get("org.osp.ghost"); ok {
		t.Fatal("unknown skill should not resolve")
	}

	pool := c.Candidates()
	if len(pool) != 3 || pool[0].SkillID != "org.osp.calc" {
		t.Fatalf("unexpected candidate pool: %+v", pool)
	}
}

func TestCalcSkill(t *testing.T) {
	s := calcSkill{}

	cases := []struct {
		op   string
		x, y float64
		want float64
	}{
		{"add", 2, 2, 4},
		{"sub", 10, 4, 6},
		{"mul", 3, 5, 15},
		{"div", 9, 3, 3},
	}
	for _, tc := range cases {
		out, err := s.Execute(context.Background(), map[string]any{"op": tc.op, "x": tc.x, "y": tc.y})
		if err != nil {
			t.Fatalf("%s: %v", tc.op, err)
		}
		if out["answer"] != tc.want {
			t.Fatalf("%s(%v, %v) = %v, want %v", tc.op, tc.x, tc.y, out["answer"], tc.want)
		}
	}

	if _, err := s.Execute(context.Background(), map[string]any{"op": "div", "x": 1.0, "y": 0.0}); err == nil {
		t.Fatal("division by zero should fail")
	}
	if _, err := s.Execute(context.Background(), map[string]any{"op": "pow", "x": 1.0, "y": 2.0}); err == nil {
		t.Fatal("unknown op should fail")
	}
	if _, err := s.Execute(context.Background(), map[string]any{"x": "nope", "y": 1.0}); err == nil {
		t.Fatal("non-numeric argument should fail")
	}

	// Default op is add.
	out, err := s.Execute(context.Background(), map[string]any{"x": 1.0, "y": 2.0})
	if err != nil || out["answer"] != 3.0 {
		t.Fatalf("default op: out=%v err=%v", out, err)
	}
}

func TestEchoSkill(t *testing.T) {
	out, err := echoSkill{}.Execute(context.Background(), map[string]any{"msg": "hello"})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	echoed, ok := out["echo"].(map[string]any)
	if !ok || echoed["msg"] != "hello" {
		t.Fatalf("unexpected echo output: %v", out)
	}
}

func TestClockSkill(t *testing.T) {
	at := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	fixed := clockSkill{now: func() time.Time { return at }}
	out, err := fixed.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	if out["now"] != "2026-08-25T12:00:00Z" {
		t.Fatalf("now = %v", out["now"])
	}
	if out["unix"] != at.Unix() {
		t.Fatalf("unix = %v", out["unix"])
	}
}
