// Package degrade implements the graceful degradation ladder D0..D3 and
// the background load monitor that climbs and descends it. Escalation is
// fast (two consecutive bad samples) and recovery is slow (four
// consecutive good samples) so the level does not flap around a
// threshold.
package degrade

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/openskills/osp-server/pkg/models"
)

// Controller holds the process-wide degradation level. Safe for
// concurrent use; reads are cheap and sit on every request path.
type Controller struct {
	mu    sync.RWMutex
	level models.DegradationLevel
	log   zerolog.Logger

	// onChange, when set, observes every level transition. Used to keep
	// the degradation gauge current.
	onChange func(models.DegradationLevel)
}

// NewController starts at D0.
func NewController(log zerolog.Logger) *Controller {
	return &Controller{log: log.With().Str("component", "degradation").Logger()}
}

// OnChange registers a transition observer. Call before the monitor
// starts; the observer is invoked with the initial level immediately.
func (c *Controller) OnChange(fn func(models.DegradationLevel)) {
	c.mu.Lock()
	c.onChange = fn
	level := c.level
	c.mu.Unlock()
	fn(level)
}

// Level returns the current degradation level.
func (c *Controller) Level() models.DegradationLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.level
}

// SetLevel transitions to a new level. No-op when already there.
func (c *Controller) SetLevel(level models.DegradationLevel) {
	c.mu.Lock()
	if c.level == level {
		c.mu.Unlock()
		return
	}
	from := c.level
	c.level = level
	fn := c.onChange
	c.mu.Unlock()

	c.log.Warn().
		Str("from", from.String()).
		Str("to", level.String()).
		Msg("degradation level changed")
	if fn != nil {
		fn(level)
	}
}

// RequestAllowed reports whether a request may proceed at all. D3 sheds
// load entirely.
func (c *Controller) RequestAllowed() bool {
	return c.Level() != models.D3Critical
}

// SemanticAllowed reports whether the semantic rerank stage may run.
// D0 and D1 keep it; LLM features go dark first, semantic routing is
// only dropped at D2 and above.
func (c *Controller) SemanticAllowed() bool {
	return c.Level() < models.D2Minimal
}

// LLMAllowed reports whether model-backed features may run. Only D0.
func (c *Controller) LLMAllowed() bool {
	return c.Level() == models.D0Normal
}

// StrictRoutingOnly reports whether only exact lexical matching is
// allowed (D2 and above).
func (c *Controller) StrictRoutingOnly() bool {
	return c.Level() >= models.D2Minimal
}
