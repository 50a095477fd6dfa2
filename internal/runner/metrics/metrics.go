// Package metrics collects host resource utilization for heartbeat
// reporting. Values are percentages (0–100); collection failures degrade to
// zero for the affected gauge rather than failing the heartbeat.
package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is one sample of host utilization.
type Snapshot struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Collect samples CPU, memory, and root-filesystem usage. The CPU sample
// uses a short measurement window, so Collect blocks for ~100ms — callers
// run it on a ticker, not a hot path.
func Collect(ctx context.Context) Snapshot {
	var s Snapshot

	if pcts, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		s.DiskPercent = du.UsedPercent
	}

	return s
}
