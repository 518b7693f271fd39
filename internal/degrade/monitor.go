package degrade

import (
	"context"
	"time"

	"github.com/openskills/osp-server/pkg/contracts"
	"github.com/openskills/osp-server/pkg/models"
)

const (
	// escalationThreshold is the number of consecutive over-target
	// samples before the level climbs.
	escalationThreshold = 2
	// recoveryThreshold is the number of consecutive under-target
	// samples before the level descends.
	recoveryThreshold = 4
)

// targetLevel maps one vitals sample onto the level the system should be
// running at.
func targetLevel(cpu, mem float64) models.DegradationLevel {
	switch {
	case cpu > 95 || mem > 95:
		return models.D3Critical
	case cpu > 80 || mem > 85:
		return models.D2Minimal
	case cpu > 50 || mem > 60:
		return models.D1ReducedIntelligence
	default:
		return models.D0Normal
	}
}

// Monitor samples system vitals on a fixed interval and drives the
// controller through the hysteresis logic. It runs as a supervised
// goroutine owned by the caller's context.
type Monitor struct {
	controller *Controller
	sampler    contracts.VitalsSampler
	interval   time.Duration

	highLoadTicks int
	normalTicks   int
}

// NewMonitor builds a monitor. sampler must be non-nil.
func NewMonitor(controller *Controller, sampler contracts.VitalsSampler, interval time.Duration) *Monitor {
	return &Monitor{controller: controller, sampler: sampler, interval: interval}
}

// Run blocks until ctx is canceled, sampling every interval.
func (m *Monitor) Run(ctx context.Context) {
	m.controller.log.Info().Dur("interval", m.interval).Msg("degradation monitoring started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.controller.log.Info().Msg("degradation monitoring stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick takes one sample and advances the hysteresis counters.
func (m *Monitor) tick(ctx context.Context) {
	cpu, mem, err := m.sampler.Sample(ctx)
	if err != nil {
		m.controller.log.Error().Err(err).Msg("vitals sample failed")
		return
	}

	target := targetLevel(cpu, mem)
	current := m.controller.Level()

	switch {
	case target > current:
		m.highLoadTicks++
		m.normalTicks = 0
		if m.highLoadTicks >= escalationThreshold {
			m.controller.log.Warn().
				Float64("cpu", cpu).
				Float64("mem", mem).
				Str("target", target.String()).
				Msg("load spike, escalating")
			m.controller.SetLevel(target)
			m.highLoadTicks = 0
		}
	case target < current:
		m.normalTicks++
		m.highLoadTicks = 0
		if m.normalTicks >= recoveryThreshold {
			m.controller.log.Info().
				Float64("cpu", cpu).
				Float64("mem", mem).
				Str("target", target.String()).
				Msg("load stabilized, recovering")
			m.controller.SetLevel(target)
			m.normalTicks = 0
		}
	default:
		m.highLoadTicks = 0
		m.normalTicks = 0
	}
}
