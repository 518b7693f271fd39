package degrade

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads CPU and memory utilization from the host OS.
type HostSampler struct{}

// Sample blocks for about one second while the CPU counters accumulate.
func (HostSampler) Sample(ctx context.Context) (float64, float64, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return 0, 0, err
	}
	var cpuPercent float64
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return cpuPercent, vm.UsedPercent, nil
}
