package skills

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openskills/osp-server/pkg/contracts"
	"github.com/openskills/osp-server/pkg/models"
)

// RegisterBuiltins installs the built-in demonstration skills.
func RegisterBuiltins(c *Catalog) {
	c.Register(calcSkill{})
	c.Register(echoSkill{})
	c.Register(clockSkill{now: time.Now})
}

// ── org.osp.calc ────────────────────────────────────────────

type calcSkill struct{}

func (calcSkill) Manifest() models.SkillManifest {
	return models.SkillManifest{
		SkillID:            "org.osp.calc",
		Name:               "Calculator",
		Version:            "1.0.0",
		Description:        "Performs basic arithmetic on two numbers",
		ActivationKeywords: []string{"calculate", "math", "arithmetic", "add", "subtract", "multiply", "divide"},
		RiskLevel:          models.RiskLow,
	}
}

func (calcSkill) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	x, err := numberArg(args, "x")
	if err != nil {
		return nil, err
	}
	y, err := numberArg(args, "y")
	if err != nil {
		return nil, err
	}

	op, _ := args["op"].(string)
	if op == "" {
		op = "add"
	}

	var answer float64
	switch op {
	case "add":
		answer = x + y
	case "sub":
		answer = x - y
	case "mul":
		answer = x * y
	case "div":
		if y == 0 {
			return nil, errors.New("division by zero")
		}
		answer = x / y
	default:
		return nil, fmt.Errorf("unknown op %q: want add, sub, mul or div", op)
	}

	return map[string]any{"answer": answer, "op": op}, nil
}

func numberArg(args map[string]any, name string) (float64, error) {
	v, ok := args[name]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("argument %q must be a number", name)
	}
}

// ── org.osp.echo ────────────────────────────────────────────

type echoSkill struct{}

func (echoSkill) Manifest() models.SkillManifest {
	return models.SkillManifest{
		SkillID:            "org.osp.echo",
		Name:               "Echo",
		Version:            "1.0.0",
		Description:        "Returns its arguments unchanged",
		ActivationKeywords: []string{"echo", "repeat"},
		RiskLevel:          models.RiskLow,
	}
}

func (echoSkill) Execute(_ context.Context, args map[string]any) (map[string]any, error) {
	return map[string]any{"echo": args}, nil
}

// ── org.osp.clock ───────────────────────────────────────────

type clockSkill struct {
	now func() time.Time
}

func (clockSkill) Manifest() models.SkillManifest {
	return models.SkillManifest{
		SkillID:            "org.osp.clock",
		Name:               "Clock",
		Version:            "1.0.0",
		Description:        "Returns the current server time",
		ActivationKeywords: []string{"time", "clock", "date", "now"},
		RiskLevel:          models.RiskLow,
	}
}

func (s clockSkill) Execute(context.Context, map[string]any) (map[string]any, error) {
	now := s.now().UTC()
	return map[string]any{
		"now":  now.Format(time.RFC3339),
		"unix": now.Unix(),
	}, nil
}

var _ contracts.Skill = calcSkill{}
