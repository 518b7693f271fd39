package safety

import "github.com/openskills/osp-server/pkg/models"

// Category is one semantic risk category with its seed vocabulary. The
// keyword phrases double as classifier training documents and as the
// fallback keyword matcher's patterns.
type Category struct {
	Name       string
	Keywords   []string
	RiskLevel  models.RiskLevel
	ReasonCode string
}

// Categories is the built-in safety vocabulary. Order is fixed so the
// classifier is deterministic.
var Categories = []Category{
	{
		Name: "JAILBREAK",
		Keywords: []string{
			"ignore previous instructions", "ignore your instructions",
			"ignore instructions", "ignore your",
			"bypass safety", "override your rules", "forget your guidelines",
			"pretend you have no restrictions", "act as if you have no filters",
			"disregard your training", "you are now unfiltered", "DAN mode",
			"no restrictions", "reveal system prompt",
		},
		RiskLevel:  models.RiskHigh,
		ReasonCode: "SEMANTIC_JAILBREAK_ATTEMPT",
	},
	{
		Name: "PRIVACY",
		Keywords: []string{
			"training data", "system prompt", "internal instructions",
			"show me your rules", "what are your guidelines",
			"reveal your prompt", "display your instructions",
			"social security", "credit card number", "password",
		},
		RiskLevel:  models.RiskHigh,
		ReasonCode: "SEMANTIC_PRIVACY_VIOLATION",
	},
	{
		Name: "ILLEGAL",
		Keywords: []string{
			"synthesize drugs", "make explosives", "hack into",
			"steal identity", "forge documents", "launder money",
			"synthesizing fentanyl", "methamphetamine", "illegal weapons",
			"break into", "phishing", "ransomware",
		},
		RiskLevel:  models.RiskCritical,
		ReasonCode: "SEMANTIC_ILLEGAL_ACTIVITY",
	},
	{
		Name: "VIOLENCE",
		Keywords: []string{
			"explosive device", "weapon", "bomb", "assault",
			"terroris", "mass harm", "shoot", "kill people",
			"improvised explosive", "biological weapon", "chemical weapon",
		},
		RiskLevel:  models.RiskCritical,
		ReasonCode: "SEMANTIC_VIOLENCE_HARM",
	},
	{
		Name: "MANIPULATION",
		Keywords: []string{
			"manipulate network", "bypass account security",
			"fake identity", "social engineering", "impersonate",
			"man in the middle", "traffic manipulation",
			"spoof", "intercept communications",
		},
		RiskLevel:  models.RiskHigh,
		ReasonCode: "SEMANTIC_MANIPULATION",
	},
	{
		Name: "INTERNAL_STATE",
		Keywords: []string{
			"safety guidelines", "risk score", "internal state",
			"monitoring parameters", "confidence threshold",
			"exact text of your", "show your config",
		},
		RiskLevel:  models.RiskMedium,
		ReasonCode: "SEMANTIC_INTERNAL_STATE_REQUEST",
	},
}

// refusalMessages maps a category to the user-facing refusal text.
var refusalMessages = map[string]string{
	"JAILBREAK":      "I maintain consistent safety guidelines.",
	"PRIVACY":        "I can't share internal details.",
	"ILLEGAL":        "I cannot allow this request.",
	"VIOLENCE":       "I cannot allow this request.",
	"MANIPULATION":   "Request blocked due to security concerns.",
	"INTERNAL_STATE": "I can't share my internal instructions.",
}

func refusalMessage(category string) string {
	if m, ok := refusalMessages[category]; ok {
		return m
	}
	return "Request blocked."
}
