// Package skills hosts the server's callable skill catalog and the
// builtin demonstration skills.
package skills

import (
	"sort"
	"sync"

	"github.com/openskills/osp-server/pkg/contracts"
	"github.com/openskills/osp-server/pkg/models"
)

// Catalog is the in-process skill registry keyed by skill id. Safe for
// concurrent use; registration normally happens once at startup.
type Catalog struct {
	mu     sync.RWMutex
	skills map[string]contracts.Skill
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{skills: make(map[string]contracts.Skill)}
}

// Register adds a skill, replacing any previous skill with the same id.
func (c *Catalog) Register(s contracts.Skill) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skills[s.Manifest().SkillID] = s
}

// Get looks up a skill by id.
func (c *Catalog) Get(skillID string) (contracts.Skill, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.skills[skillID]
	return s, ok
}

// Manifests lists all skill manifests sorted by skill id.
func (c *Catalog) Manifests() []models.SkillManifest {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.SkillManifest, 0, len(c.skills))
	for _, s := range c.skills {
		out = append(out, s.Manifest())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SkillID < out[j].SkillID })
	return out
}

// Candidates converts the catalog into a routing candidate pool.
func (c *Catalog) Candidates() []models.Candidate {
	manifests := c.Manifests()
	out := make([]models.Candidate, len(manifests))
	for i, m := range manifests {
		out[i] = models.Candidate{
			SkillID:            m.SkillID,
			Name:               m.Name,
			Description:        m.Description,
			ActivationKeywords: m.ActivationKeywords,
			RiskLevel:          m.RiskLevel,
		}
	}
	return out
}
