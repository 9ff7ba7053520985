package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
)

// Sample is one reading of the system's load signals
type Sample struct {
	// CPUPercent is total CPU utilization over the sampling interval
	CPUPercent float64

	// LoadAvg is the one-minute load average, zero where unsupported
	LoadAvg float64

	// Taken is when the sample was read
	Taken time.Time
}

// LoadSampler abstracts system-load sensing so the governor can run with a
// fixed limit on hosts where no load signal is available.
type LoadSampler interface {
	// Sample reads the current load signals
	Sample(ctx context.Context) (Sample, error)
}

// cpuSampleInterval is the measurement window for CPU utilization
const cpuSampleInterval = time.Second

// systemSampler reads load through gopsutil
type systemSampler struct{}

// NewSystemSampler returns a sampler backed by the host's CPU and load
// average counters.
func NewSystemSampler() LoadSampler {
	return &systemSampler{}
}

// Sample reads CPU utilization and the one-minute load average. Load average
// is best-effort: platforms without it still produce a usable CPU reading.
func (*systemSampler) Sample(ctx context.Context) (Sample, error) {
	percents, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to sample CPU utilization: %w", err)
	}
	if len(percents) == 0 {
		return Sample{}, fmt.Errorf("no CPU utilization reading available")
	}

	sample := Sample{
		CPUPercent: percents[0],
		Taken:      time.Now(),
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		sample.LoadAvg = avg.Load1
	}

	return sample, nil
}
