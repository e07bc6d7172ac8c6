package aggregator

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memorySource struct {
	deliveries chan Delivery
	acks       int32
	closeOnce  sync.Once
}

func newMemorySource() *memorySource {
	return &memorySource{deliveries: make(chan Delivery)}
}

func (s *memorySource) Subscribe() (<-chan Delivery, error) {
	return s.deliveries, nil
}

func (s *memorySource) Shutdown() error {
	s.closeOnce.Do(func() { close(s.deliveries) })

	return nil
}

func (s *memorySource) send(kind StreamKind, body string) {
	s.deliveries <- Delivery{
		Kind: kind,
		Body: body,
		Ack: func() error {
			atomic.AddInt32(&s.acks, 1)

			return nil
		},
	}
}

type published struct {
	key  string
	text string
}

type memorySink struct {
	mu     sync.Mutex
	topics map[string][]published
}

func newMemorySink() *memorySink {
	return &memorySink{topics: make(map[string][]published)}
}

func (s *memorySink) Connect() error { return nil }

func (s *memorySink) NewSession() (PublishSession, error) {
	return &memorySession{sink: s}, nil
}

func (s *memorySink) Shutdown() error { return nil }

func (s *memorySink) messages(topic string) []published {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]published(nil), s.topics[topic]...)
}

type memorySession struct {
	sink *memorySink
}

func (s *memorySession) Publish(topic string, key string, text string) error {
	s.sink.mu.Lock()
	defer s.sink.mu.Unlock()

	s.sink.topics[topic] = append(s.sink.topics[topic], published{key: key, text: text})

	return nil
}

type flakySink struct {
	*memorySink
	failures int32
}

func newFlakySink(failures int32) *flakySink {
	return &flakySink{memorySink: newMemorySink(), failures: failures}
}

func (s *flakySink) NewSession() (PublishSession, error) {
	inner, err := s.memorySink.NewSession()
	if err != nil {
		return nil, err
	}

	return &flakySession{sink: s, inner: inner}, nil
}

type flakySession struct {
	sink  *flakySink
	inner PublishSession
}

func (s *flakySession) Publish(topic string, key string, text string) error {
	if atomic.AddInt32(&s.sink.failures, -1) >= 0 {
		return errors.New("broker unavailable")
	}

	return s.inner.Publish(topic, key, text)
}

func testConfig() Config {
	return Config{
		Channels: ChannelConfig{
			TelemetryQueue:   "telemetry",
			TrafficQueue:     "traffic",
			JoinedDataTopic:  "joined-data",
			DriverStatsTopic: "driver-stats",
		},
		Pipeline: PipelineConfig{
			WindowMs:     1000,
			RingCapacity: 3,
			Partitions:   2,
			BufferSize:   8,
		},
	}
}

func runPipeline(t *testing.T, config Config, source *memorySource, sink *memorySink, metrics *Metrics, feed func()) {
	t.Helper()

	p := NewPipeline(config, source, sink, nil, metrics, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	feed()
	require.NoError(t, p.Shutdown())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain after shutdown")
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	source := newMemorySource()
	sink := newMemorySink()
	metrics := NewMetrics()

	// Four telemetry/traffic pairs for one driver, one pair per tumbling
	// window. The fourth summary must cover only the three most recent
	// joined records.
	runPipeline(t, testConfig(), source, sink, metrics, func() {
		for i := int64(0); i < 4; i++ {
			source.send(StreamTelemetry, telemetry(100+1000*i, 7, 11, 60+10*int(i)).Encode())
			source.send(StreamTraffic, traffic(400+1000*i, 7, 40+int(i)).Encode())
		}
	})

	joined := sink.messages("joined-data")
	require.Len(t, joined, 4)
	for i, msg := range joined {
		assert.Equal(t, "11", msg.key)

		rec, err := Decode(StreamTelemetry, msg.text[:strings.LastIndex(msg.text, ",")])
		require.NoError(t, err)
		assert.Equal(t, 60+10*i, rec.(TelemetryRecord).Speed)
	}

	stats := sink.messages("driver-stats")
	require.Len(t, stats, 4)

	last := strings.Split(stats[3].text, ",")
	require.Len(t, last, 7)
	assert.Equal(t, "11", stats[3].key)
	assert.Equal(t, "11", last[0])
	assert.Equal(t, "3", last[1])

	avg, err := strconv.ParseFloat(last[2], 64)
	require.NoError(t, err)
	assert.Equal(t, 80.0, avg) // mean of 70, 80 and 90

	assert.Equal(t, int32(8), atomic.LoadInt32(&source.acks))

	snapshot := metrics.Snapshot()
	assert.Equal(t, uint64(8), snapshot.Decoded)
	assert.Equal(t, uint64(4), snapshot.Joined)
	assert.Equal(t, uint64(4), snapshot.StatsEmitted)
	assert.Equal(t, uint64(8), snapshot.Published)
}

func TestPipelineDropsMalformedAndContinues(t *testing.T) {
	source := newMemorySource()
	sink := newMemorySink()
	metrics := NewMetrics()

	runPipeline(t, testConfig(), source, sink, metrics, func() {
		source.send(StreamTelemetry, "not,a,telemetry,record")
		source.send(StreamTelemetry, telemetry(100, 7, 11, 60).Encode())
		source.send(StreamTraffic, traffic(400, 7, 45).Encode())
	})

	assert.Len(t, sink.messages("joined-data"), 1)
	assert.Len(t, sink.messages("driver-stats"), 1)

	// The malformed delivery is acked so the broker does not redeliver it.
	assert.Equal(t, int32(3), atomic.LoadInt32(&source.acks))
	assert.Equal(t, uint64(1), metrics.Snapshot().Malformed)
	assert.Equal(t, uint64(2), metrics.Snapshot().Decoded)
}

func TestPipelineLateRecordDropped(t *testing.T) {
	source := newMemorySource()
	sink := newMemorySink()
	metrics := NewMetrics()

	runPipeline(t, testConfig(), source, sink, metrics, func() {
		source.send(StreamTelemetry, telemetry(100, 7, 11, 60).Encode())
		source.send(StreamTraffic, traffic(400, 7, 45).Encode())

		// Rolls the window to [1000,2000), closing [0,1000).
		source.send(StreamTelemetry, telemetry(1100, 8, 12, 70).Encode())

		// Arrives after its window closed.
		source.send(StreamTraffic, traffic(50, 9, 30).Encode())
	})

	joined := sink.messages("joined-data")
	require.Len(t, joined, 1)
	assert.Equal(t, "11", joined[0].key)

	assert.Equal(t, uint64(1), metrics.Snapshot().LateDropped)
	assert.Equal(t, uint64(1), metrics.Snapshot().PartialDiscarded) // route 8 telemetry at shutdown
}

func TestPipelinePublishRetriesUntilTransportRecovers(t *testing.T) {
	source := newMemorySource()
	sink := newFlakySink(3)
	metrics := NewMetrics()

	p := NewPipeline(testConfig(), source, sink, nil, metrics, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	source.send(StreamTelemetry, telemetry(100, 7, 11, 60).Encode())
	source.send(StreamTraffic, traffic(400, 7, 45).Encode())
	require.NoError(t, p.Shutdown())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain after shutdown")
	}

	// Nothing is lost while the broker is down: the joined record and
	// its summary come through once publishing recovers.
	require.Len(t, sink.messages("joined-data"), 1)
	require.Len(t, sink.messages("driver-stats"), 1)
	assert.Equal(t, uint64(3), metrics.Snapshot().PublishFailed)
	assert.Equal(t, uint64(2), metrics.Snapshot().Published)
}

func TestPipelineRoutesDriversToStablePartitions(t *testing.T) {
	source := newMemorySource()
	sink := newMemorySink()
	metrics := NewMetrics()

	config := testConfig()
	config.Pipeline.Partitions = 4

	// Several drivers on separate routes, two windows each. Per-driver
	// summaries must accumulate across windows, which only holds when
	// every joined record of a driver reaches the same worker.
	runPipeline(t, config, source, sink, metrics, func() {
		for i := int64(0); i < 2; i++ {
			for d := 0; d < 6; d++ {
				route := 100 + d
				source.send(StreamTelemetry, telemetry(100+1000*i, route, 20+d, 60).Encode())
				source.send(StreamTraffic, traffic(400+1000*i, route, 45).Encode())
			}
		}
	})

	stats := sink.messages("driver-stats")
	require.Len(t, stats, 12)

	counts := make(map[string][]string)
	for _, msg := range stats {
		fields := strings.Split(msg.text, ",")
		counts[msg.key] = append(counts[msg.key], fields[1])
	}

	for driver, samples := range counts {
		assert.ElementsMatch(t, []string{"1", "2"}, samples, "driver %s", driver)
	}
}
