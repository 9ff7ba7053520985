package history

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// CollectSystemSample reads current host resource usage. diskPath is where
// free space is measured, typically the destination directory.
func CollectSystemSample(ctx context.Context, diskPath string) (SystemSample, error) {
	sample := SystemSample{Time: time.Now()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return sample, fmt.Errorf("failed to read CPU usage: %w", err)
	}
	if len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return sample, fmt.Errorf("failed to read memory usage: %w", err)
	}
	sample.MemoryPercent = vm.UsedPercent

	usage, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return sample, fmt.Errorf("failed to read disk usage: %w", err)
	}
	sample.DiskFreeBytes = usage.Free

	return sample, nil
}
