package health

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSampler reads process gauges from the host. Each reading may fail
// on its own.
type ResourceSampler interface {
	MemoryRSS(ctx context.Context) (uint64, error)
	OpenFiles(ctx context.Context) (uint64, error)
}

// ProcessSampler samples the current process through gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

var _ ResourceSampler = (*ProcessSampler)(nil)

// NewProcessSampler returns a sampler for the running process.
func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: p}, nil
}

// MemoryRSS returns the resident set size in bytes.
func (s *ProcessSampler) MemoryRSS(ctx context.Context) (uint64, error) {
	mi, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mi.RSS, nil
}

// OpenFiles returns the number of open file descriptors.
func (s *ProcessSampler) OpenFiles(ctx context.Context) (uint64, error) {
	n, err := s.proc.NumFDsWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// sampleResources reads every gauge independently. A failing or panicking
// reading yields an unknown gauge and never affects the others.
func sampleResources(ctx context.Context, s ResourceSampler) Resources {
	res := Resources{
		Goroutines: KnownGauge(uint64(runtime.NumGoroutine())),
	}
	if s == nil {
		return res
	}
	res.MemoryRSS = readGauge(ctx, s.MemoryRSS)
	res.OpenFiles = readGauge(ctx, s.OpenFiles)
	return res
}

func readGauge(ctx context.Context, fn func(context.Context) (uint64, error)) (g Gauge) {
	defer func() {
		if recover() != nil {
			g = Gauge{}
		}
	}()
	v, err := fn(ctx)
	if err != nil {
		return Gauge{}
	}
	return KnownGauge(v)
}
