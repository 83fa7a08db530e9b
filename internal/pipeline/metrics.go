package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/mangalm/invoice-ingest/internal/breaker"
	"github.com/mangalm/invoice-ingest/internal/domain"
	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/mangalm/invoice-ingest/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
)

// emaAlpha is the smoothing factor for the exponential moving average of
// chunk processing time. Small on purpose so one slow chunk doesn't swing
// the estimate.
const emaAlpha = 0.1

// throughputWindow is how far back the rolling rows-per-second rate looks.
const throughputWindow = 10 * time.Second

// AggregatorOptions configures the metrics aggregator.
type AggregatorOptions struct {
	SnapshotInterval time.Duration // gauge refresh and degradation check period
	ThroughputFloor  float64       // rows/sec below which a busy pipeline is degraded
}

func (o AggregatorOptions) withDefaults() AggregatorOptions {
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = 10 * time.Second
	}
	if o.ThroughputFloor <= 0 {
		o.ThroughputFloor = 5000
	}
	return o
}

// MetricsSnapshot is the point-in-time view served by the health endpoint.
type MetricsSnapshot struct {
	RowsPerSecond   float64                    `json:"rows_per_second"`
	AvgChunkMs      float64                    `json:"avg_chunk_ms"`
	ChunksObserved  int64                      `json:"chunks_observed"`
	PeakAllocBytes  uint64                     `json:"peak_alloc_bytes"`
	EventsDropped   int64                      `json:"events_dropped"`
	Pool            pool.PoolStats             `json:"pool"`
	Breakers        map[string]breaker.Metrics `json:"breakers"`
	CapturedAt      time.Time                  `json:"captured_at"`
}

// rateBucket accumulates rows observed within one second.
type rateBucket struct {
	sec  int64
	rows int64
}

// Aggregator collects pipeline-wide throughput statistics, exposes them as
// Prometheus metrics, and publishes an advisory event when a busy pipeline
// falls under the throughput floor.
type Aggregator struct {
	opts     AggregatorOptions
	broker   *Broker
	pool     *pool.Pool
	breakers *breaker.Registry
	log      *logger.Logger

	// now is replaceable in tests.
	now func() time.Time

	mu             sync.Mutex
	emaChunkMs     float64
	chunksObserved int64
	buckets        []rateBucket
	peakAlloc      uint64
	degraded       bool

	rowsTotal     *prometheus.CounterVec
	chunksTotal   *prometheus.CounterVec
	jobsTotal     *prometheus.CounterVec
	chunkDuration prometheus.Histogram
	throughput    prometheus.Gauge
	queueDepth    prometheus.Gauge
	busyWorkers   prometheus.Gauge
	breakerState  *prometheus.GaugeVec
	eventsDropped prometheus.Gauge
}

// NewAggregator creates the aggregator and registers its collectors with reg.
func NewAggregator(opts AggregatorOptions, reg prometheus.Registerer, b *Broker, p *pool.Pool, breakers *breaker.Registry, log *logger.Logger) *Aggregator {
	o := opts.withDefaults()
	a := &Aggregator{
		opts:     o,
		broker:   b,
		pool:     p,
		breakers: breakers,
		log:      log,
		now:      time.Now,
		buckets:  make([]rateBucket, int(throughputWindow/time.Second)),

		rowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "rows_total",
			Help:      "Rows processed by outcome.",
		}, []string{"outcome"}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks finished by status.",
		}, []string{"status"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "jobs_total",
			Help:      "Jobs finalized by status.",
		}, []string{"status"}),
		chunkDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "chunk_duration_seconds",
			Help:      "Wall time spent processing one chunk.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "rows_per_second",
			Help:      "Rolling row throughput.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "queue_depth",
			Help:      "Chunks waiting for a worker.",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "busy_workers",
			Help:      "Workers currently executing a chunk.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "breaker_open",
			Help:      "1 when the named breaker is open, 0 otherwise.",
		}, []string{"name"}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "events_dropped_total",
			Help:      "Progress events lost to slow subscribers.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			a.rowsTotal, a.chunksTotal, a.jobsTotal, a.chunkDuration,
			a.throughput, a.queueDepth, a.busyWorkers, a.breakerState,
			a.eventsDropped,
		)
	}
	return a
}

// ObserveChunk folds one finished chunk into the rolling statistics.
func (a *Aggregator) ObserveChunk(res pool.Result, status domain.ChunkStatus) {
	a.chunksTotal.WithLabelValues(string(status)).Inc()
	a.chunkDuration.Observe(float64(res.ElapsedMs) / 1000)
	a.rowsTotal.WithLabelValues("success").Add(float64(res.SuccessCount))
	a.rowsTotal.WithLabelValues("failed").Add(float64(res.FailureCount))
	a.rowsTotal.WithLabelValues("duplicate").Add(float64(res.DuplicateCount))

	a.mu.Lock()
	defer a.mu.Unlock()

	a.chunksObserved++
	if a.chunksObserved == 1 {
		a.emaChunkMs = float64(res.ElapsedMs)
	} else {
		a.emaChunkMs = emaAlpha*float64(res.ElapsedMs) + (1-emaAlpha)*a.emaChunkMs
	}
	a.addRows(res.RowsProcessed)
}

// ObserveJob counts one finalized job.
func (a *Aggregator) ObserveJob(status domain.JobStatus) {
	a.jobsTotal.WithLabelValues(string(status)).Inc()
}

// AvgChunkMs returns the smoothed per-chunk processing time.
func (a *Aggregator) AvgChunkMs() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.emaChunkMs
}

// Throughput returns the rolling rows-per-second rate.
func (a *Aggregator) Throughput() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.throughputLocked()
}

// Snapshot assembles the health-endpoint view.
func (a *Aggregator) Snapshot() MetricsSnapshot {
	ps := a.pool.Snapshot()

	a.mu.Lock()
	if ps.MemAllocBytes > a.peakAlloc {
		a.peakAlloc = ps.MemAllocBytes
	}
	snap := MetricsSnapshot{
		RowsPerSecond:  a.throughputLocked(),
		AvgChunkMs:     a.emaChunkMs,
		ChunksObserved: a.chunksObserved,
		PeakAllocBytes: a.peakAlloc,
		CapturedAt:     a.now(),
	}
	a.mu.Unlock()

	snap.Pool = ps
	snap.Breakers = a.breakers.All()
	snap.EventsDropped = a.broker.Dropped()
	return snap
}

// Run refreshes gauges and checks for throughput degradation until ctx is
// cancelled. Meant to be started as a goroutine at process start.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick()
		}
	}
}

func (a *Aggregator) tick() {
	ps := a.pool.Snapshot()
	a.queueDepth.Set(float64(ps.QueueDepth))
	a.busyWorkers.Set(float64(ps.Busy))
	a.eventsDropped.Set(float64(a.broker.Dropped()))

	for name, m := range a.breakers.All() {
		v := 0.0
		if m.State == breaker.StateOpen {
			v = 1
		}
		a.breakerState.WithLabelValues(name).Set(v)
	}

	a.mu.Lock()
	if ps.MemAllocBytes > a.peakAlloc {
		a.peakAlloc = ps.MemAllocBytes
	}
	rate := a.throughputLocked()
	wasDegraded := a.degraded
	// Only a pipeline with work in flight can be degraded; an idle pipeline
	// has zero throughput and that is fine.
	a.degraded = ps.Busy > 0 && rate < a.opts.ThroughputFloor
	nowDegraded := a.degraded
	a.mu.Unlock()

	a.throughput.Set(rate)

	if nowDegraded && !wasDegraded {
		a.log.WithFields(logger.Fields{
			"rows_per_second": rate,
			"floor":           a.opts.ThroughputFloor,
		}).Warn("Pipeline throughput degraded")
		a.broker.Publish(Event{
			Type:       EventThroughputDegraded,
			Throughput: rate,
		})
	}
}

// addRows credits rows to the current second's bucket. Caller holds a.mu.
func (a *Aggregator) addRows(rows int) {
	sec := a.now().Unix()
	idx := int(sec % int64(len(a.buckets)))
	if a.buckets[idx].sec != sec {
		a.buckets[idx] = rateBucket{sec: sec}
	}
	a.buckets[idx].rows += int64(rows)
}

// throughputLocked averages rows over the window. Caller holds a.mu.
func (a *Aggregator) throughputLocked() float64 {
	sec := a.now().Unix()
	horizon := sec - int64(len(a.buckets))
	var rows int64
	for _, b := range a.buckets {
		if b.sec > horizon {
			rows += b.rows
		}
	}
	return float64(rows) / throughputWindow.Seconds()
}

// PeakAlloc returns the highest heap allocation seen so far, refreshing it
// with the current reading first.
func (a *Aggregator) PeakAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	a.mu.Lock()
	defer a.mu.Unlock()
	if ms.Alloc > a.peakAlloc {
		a.peakAlloc = ms.Alloc
	}
	return a.peakAlloc
}
