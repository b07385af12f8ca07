// Package metrics provides in-process metrics collection for the indexer.
package metrics

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// commitRingSize bounds the per-block commit timestamp history used for
	// rate computation (covers two hours at one block per second).
	commitRingSize = 7200

	// durationRingSize bounds the per-block processing time samples.
	durationRingSize = 1000
)

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	StartedAt       time.Time     `json:"started_at"`
	Uptime          time.Duration `json:"uptime"`
	PipelineState   string        `json:"pipeline_state"`
	BlocksProcessed uint64        `json:"blocks_processed"`
	IndexedHeight   uint32        `json:"indexed_height"`
	ChainTip        uint32        `json:"chain_tip"`
	ErrorCount      uint64        `json:"error_count"`
	BlocksPerMinute float64       `json:"blocks_per_minute"`
	BlocksPerHour   float64       `json:"blocks_per_hour"`
	ProcessingTime  TimingStats   `json:"processing_time"`
	MemoryRSSBytes  uint64        `json:"memory_rss_bytes"`
}

// TimingStats summarizes the processing-time sample ring.
type TimingStats struct {
	Avg time.Duration `json:"avg"`
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	Max time.Duration `json:"max"`
}

// Collector tracks pipeline progress counters and timing rings. It is a
// process-lifetime component: created once at startup by the service that
// owns it and passed to the pipeline; the service reports its snapshot
// through the API. The block processor does not receive it.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time

	pipelineState   string
	blocksProcessed uint64
	indexedHeight   uint32
	chainTip        uint32
	errorCount      uint64

	commitTimes []time.Time
	commitPos   int
	commitFull  bool

	durations   []time.Duration
	durationPos int
	durationLen int

	// Prometheus mirrors of the progress counters.
	promBlocksProcessed prometheus.Counter
	promErrors          prometheus.Counter
	promIndexedHeight   prometheus.Gauge
	promChainTip        prometheus.Gauge
	promProcessingTime  prometheus.Histogram
}

// New creates a Collector registered against the default Prometheus registerer.
func New(serviceName string) *Collector {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Collector with a custom registry (nil skips
// Prometheus registration, used by tests).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Collector {
	c := &Collector{
		startedAt:     time.Now().UTC(),
		pipelineState: "idle",
		commitTimes:   make([]time.Time, commitRingSize),
		durations:     make([]time.Duration, durationRingSize),
		promBlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "indexer_blocks_processed_total",
			Help:        "Total number of blocks committed",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		promErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "indexer_errors_total",
			Help:        "Total number of pipeline errors",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		promIndexedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "indexer_indexed_height",
			Help:        "Highest committed block height",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		promChainTip: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "indexer_chain_tip",
			Help:        "Current chain tip height",
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
		promProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "indexer_block_processing_seconds",
			Help:        "Per-block processing duration in seconds",
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			ConstLabels: prometheus.Labels{"service": serviceName},
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			c.promBlocksProcessed,
			c.promErrors,
			c.promIndexedHeight,
			c.promChainTip,
			c.promProcessingTime,
		)
	}

	return c
}

// SetPipelineState records the current pipeline state.
func (c *Collector) SetPipelineState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelineState = state
}

// PipelineState returns the recorded pipeline state.
func (c *Collector) PipelineState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipelineState
}

// RecordBlock records a committed block: its height, commit time, and
// processing duration. blocksProcessed and indexedHeight are monotone.
func (c *Collector) RecordBlock(height uint32, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blocksProcessed++
	if height > c.indexedHeight {
		c.indexedHeight = height
	}

	c.commitTimes[c.commitPos] = time.Now().UTC()
	c.commitPos = (c.commitPos + 1) % commitRingSize
	if c.commitPos == 0 {
		c.commitFull = true
	}

	c.durations[c.durationPos] = duration
	c.durationPos = (c.durationPos + 1) % durationRingSize
	if c.durationLen < durationRingSize {
		c.durationLen++
	}

	c.promBlocksProcessed.Inc()
	c.promIndexedHeight.Set(float64(c.indexedHeight))
	c.promProcessingTime.Observe(duration.Seconds())
}

// SetChainTip records the current chain tip height.
func (c *Collector) SetChainTip(height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height > c.chainTip {
		c.chainTip = height
	}
	c.promChainTip.Set(float64(c.chainTip))
}

// RecordError increments the error counter.
func (c *Collector) RecordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	c.promErrors.Inc()
}

// IndexedHeight returns the highest committed height seen.
func (c *Collector) IndexedHeight() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexedHeight
}

// ChainTip returns the recorded chain tip.
func (c *Collector) ChainTip() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chainTip
}

// Snapshot returns a point-in-time view including process memory.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	snap := Snapshot{
		StartedAt:       c.startedAt,
		Uptime:          now.Sub(c.startedAt),
		PipelineState:   c.pipelineState,
		BlocksProcessed: c.blocksProcessed,
		IndexedHeight:   c.indexedHeight,
		ChainTip:        c.chainTip,
		ErrorCount:      c.errorCount,
		BlocksPerMinute: c.rateLocked(now, time.Minute),
		BlocksPerHour:   c.rateLocked(now, time.Hour),
		ProcessingTime:  c.timingLocked(),
		MemoryRSSBytes:  processRSS(),
	}
	return snap
}

// rateLocked counts commits within the window ending now. Caller holds mu.
func (c *Collector) rateLocked(now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	count := 0

	limit := c.commitPos
	if c.commitFull {
		limit = commitRingSize
	}
	for i := 0; i < limit; i++ {
		if c.commitTimes[i].After(cutoff) {
			count++
		}
	}
	return float64(count)
}

// timingLocked computes avg/p50/p95/max over the duration ring. Caller holds mu.
func (c *Collector) timingLocked() TimingStats {
	if c.durationLen == 0 {
		return TimingStats{}
	}

	samples := make([]time.Duration, c.durationLen)
	copy(samples, c.durations[:c.durationLen])
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var total time.Duration
	for _, d := range samples {
		total += d
	}

	return TimingStats{
		Avg: total / time.Duration(len(samples)),
		P50: samples[percentileIndex(len(samples), 50)],
		P95: samples[percentileIndex(len(samples), 95)],
		Max: samples[len(samples)-1],
	}
}

func percentileIndex(n, pct int) int {
	idx := n * pct / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func processRSS() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
