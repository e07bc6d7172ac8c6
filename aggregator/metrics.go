package aggregator

import (
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Metrics holds the pipeline counters. All methods are safe for use from
// multiple stages concurrently.
type Metrics struct {
	decoded          uint64
	malformed        uint64
	lateDropped      uint64
	partialDiscarded uint64
	joined           uint64
	statsEmitted     uint64
	published        uint64
	publishFailed    uint64
	archived         uint64
}

// NewMetrics creates a new Metrics
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncDecoded()          { atomic.AddUint64(&m.decoded, 1) }
func (m *Metrics) IncMalformed()        { atomic.AddUint64(&m.malformed, 1) }
func (m *Metrics) IncLateDropped()      { atomic.AddUint64(&m.lateDropped, 1) }
func (m *Metrics) IncPartialDiscarded() { atomic.AddUint64(&m.partialDiscarded, 1) }
func (m *Metrics) AddJoined(n uint64)   { atomic.AddUint64(&m.joined, n) }
func (m *Metrics) IncStatsEmitted()     { atomic.AddUint64(&m.statsEmitted, 1) }
func (m *Metrics) IncPublished()        { atomic.AddUint64(&m.published, 1) }
func (m *Metrics) IncPublishFailed()    { atomic.AddUint64(&m.publishFailed, 1) }
func (m *Metrics) IncArchived()         { atomic.AddUint64(&m.archived, 1) }

// Snapshot is a point-in-time copy of the pipeline counters.
type Snapshot struct {
	Decoded          uint64 `json:"decoded"`
	Malformed        uint64 `json:"malformed"`
	LateDropped      uint64 `json:"late_dropped"`
	PartialDiscarded uint64 `json:"partial_discarded"`
	Joined           uint64 `json:"joined"`
	StatsEmitted     uint64 `json:"stats_emitted"`
	Published        uint64 `json:"published"`
	PublishFailed    uint64 `json:"publish_failed"`
	Archived         uint64 `json:"archived"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Decoded:          atomic.LoadUint64(&m.decoded),
		Malformed:        atomic.LoadUint64(&m.malformed),
		LateDropped:      atomic.LoadUint64(&m.lateDropped),
		PartialDiscarded: atomic.LoadUint64(&m.partialDiscarded),
		Joined:           atomic.LoadUint64(&m.joined),
		StatsEmitted:     atomic.LoadUint64(&m.statsEmitted),
		Published:        atomic.LoadUint64(&m.published),
		PublishFailed:    atomic.LoadUint64(&m.publishFailed),
		Archived:         atomic.LoadUint64(&m.archived),
	}
}

// Reporter periodically logs a JSON snapshot of the pipeline counters.
type Reporter struct {
	metrics  *Metrics
	interval time.Duration
	logger   *zap.SugaredLogger
	done     chan struct{}
}

// NewReporter creates a new Reporter
func NewReporter(metrics *Metrics, interval time.Duration, logger *zap.SugaredLogger) *Reporter {
	return &Reporter{
		metrics:  metrics,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run logs snapshots until Stop is called. It is meant to be run in its
// own goroutine.
func (r *Reporter) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-r.done:
			r.report()

			return
		}
	}
}

// Stop terminates the Reporter after a final snapshot.
func (r *Reporter) Stop() {
	close(r.done)
}

func (r *Reporter) report() {
	b, err := json.Marshal(r.metrics.Snapshot())
	if err != nil {
		r.logger.Errorf("reporter: %s", err)

		return
	}

	r.logger.Infof("reporter: %s", b)
}
