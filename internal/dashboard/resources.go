package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"depthflow/logger"
)

// resourceSnapshot is one host utilisation sample served by /api/resources.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
}

// resourceSampler periodically samples host CPU and memory into a bounded
// window. Disk and network stats are already covered by the periodic report.
type resourceSampler struct {
	mu       sync.RWMutex
	items    []resourceSnapshot
	limit    int
	interval time.Duration

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context) ([]float64, error) {
		return cpu.PercentWithContext(ctx, 0, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
)

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &resourceSampler{limit: limit, interval: interval, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if cancel := s.cancel; cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]resourceSnapshot, len(s.items))
	copy(out, s.items)
	return out
}

func (s *resourceSampler) run(ctx context.Context) {
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := s.sample(ctx)
		if err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample host resources")
			continue
		}

		s.mu.Lock()
		s.items = append(s.items, snap)
		if len(s.items) > s.limit {
			s.items = append([]resourceSnapshot(nil), s.items[len(s.items)-s.limit:]...)
		}
		s.mu.Unlock()
	}
}

func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuSamples, err := cpuPercentFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}
	memStats, err := memoryStatsFn(ctx)
	if err != nil {
		return resourceSnapshot{}, err
	}

	var cpuPct float64
	if len(cpuSamples) > 0 {
		cpuPct = cpuSamples[0]
	}
	return resourceSnapshot{
		Timestamp:   time.Now(),
		CPUPercent:  cpuPct,
		MemoryUsed:  memStats.Used,
		MemoryTotal: memStats.Total,
		MemoryPct:   memStats.UsedPercent,
	}, nil
}
