package monitor

import (
	"context"
	"sync"
	"time"

	"polyglot-sandbox/internal/sandbox"
)

// ResourceUsage summarizes what one execution consumed.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryBytes    uint64  `json:"memory_bytes"`
	MemoryMaxBytes uint64  `json:"memory_max_bytes"`
	NetworkRxBytes uint64  `json:"network_rx_bytes"`
	NetworkTxBytes uint64  `json:"network_tx_bytes"`
}

// StatsFunc fetches one snapshot for the sampled container.
type StatsFunc func(ctx context.Context) (sandbox.Stats, error)

// Sampler turns successive runtime snapshots into a ResourceUsage.
type Sampler struct {
	fetch    StatsFunc
	interval time.Duration

	mu      sync.Mutex
	usage   ResourceUsage
	prev    sandbox.Stats
	hasPrev bool
	samples int
}

// NewSampler creates a sampler polling fetch every interval (default 250ms).
func NewSampler(fetch StatsFunc, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Sampler{fetch: fetch, interval: interval}
}

// Run samples until ctx is done. Fetch errors are ignored: the container may
// exit between ticks.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if st, err := s.fetch(ctx); err == nil {
			s.Observe(st)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Observe folds one snapshot into the usage.
func (s *Sampler) Observe(st sandbox.Stats) {
	if st.At.IsZero() {
		st.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case st.CPUUsageNanos > 0 && s.hasPrev && s.prev.CPUUsageNanos > 0:
		elapsed := st.At.Sub(s.prev.At)
		if elapsed > 0 && st.CPUUsageNanos >= s.prev.CPUUsageNanos {
			delta := st.CPUUsageNanos - s.prev.CPUUsageNanos
			s.usage.CPUPercent = float64(delta) / float64(elapsed.Nanoseconds()) * 100
		}
	case st.CPUUsageNanos == 0 && st.CPUPercent > 0:
		s.usage.CPUPercent = st.CPUPercent
	}

	s.usage.MemoryBytes = st.MemoryBytes
	peak := st.MemoryMaxBytes
	if st.MemoryBytes > peak {
		peak = st.MemoryBytes
	}
	if peak > s.usage.MemoryMaxBytes {
		s.usage.MemoryMaxBytes = peak
	}
	if st.NetworkRxBytes > s.usage.NetworkRxBytes {
		s.usage.NetworkRxBytes = st.NetworkRxBytes
	}
	if st.NetworkTxBytes > s.usage.NetworkTxBytes {
		s.usage.NetworkTxBytes = st.NetworkTxBytes
	}

	s.prev = st
	s.hasPrev = true
	s.samples++
}

// Usage returns the current summary.
func (s *Sampler) Usage() ResourceUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Samples is the number of snapshots observed.
func (s *Sampler) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}
