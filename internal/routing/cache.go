package routing

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/openskills/osp-server/pkg/models"
)

// decisionCache is a small LRU keyed by (query, candidate id set). It
// only ever holds non-refusal decisions: safety runs before the cache
// lookup, so a cached entry was admitted at least once.
type decisionCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]models.RoutingDecision
	order    []string
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		capacity: capacity,
		entries:  make(map[string]models.RoutingDecision),
	}
}

// key derives a deterministic digest from the query and the sorted
// candidate skill ids.
func (c *decisionCache) key(query string, candidates []models.Candidate) string {
	ids := make([]string, len(candidates))
	for i, cand := range candidates {
		ids[i] = cand.SkillID
	}
	sort.Strings(ids)
	sum := md5.Sum([]byte(query + "|" + strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

func (c *decisionCache) get(key string) (models.RoutingDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.entries[key]
	return d, ok
}

func (c *decisionCache) put(key string, d models.RoutingDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	} else if len(c.entries) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = d
	c.order = append(c.order, key)
}
