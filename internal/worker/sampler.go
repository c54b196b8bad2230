package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler reads resource usage for the autoscaler.
type Sampler interface {
	Sample(ctx context.Context, workers []Info) (Sample, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context, workers []Info) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context, workers []Info) (Sample, error) {
	return f(ctx, workers)
}

// SystemSampler reads host CPU and memory, and per-process RSS for workers
// running as child processes.
type SystemSampler struct{}

func (SystemSampler) Sample(ctx context.Context, workers []Info) (Sample, error) {
	// Interval 0 measures since the previous call, i.e. over the last
	// control interval.
	cpuPct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample memory: %w", err)
	}
	s := Sample{MemoryPercent: vm.UsedPercent, WorkerRSS: make(map[string]uint64, len(workers)), At: time.Now()}
	if len(cpuPct) > 0 {
		s.CPUPercent = cpuPct[0]
	}
	for _, w := range workers {
		if w.PID <= 0 {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, int32(w.PID))
		if err != nil {
			continue
		}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			s.WorkerRSS[w.ID] = mi.RSS
		}
	}
	return s, nil
}
