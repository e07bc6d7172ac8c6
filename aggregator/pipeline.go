package aggregator

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pipeline wires the subscriber, the tumbling join window, the partition
// workers and the publisher into one directed flow:
//
//	decode -> join -> route by driver -> sliding stats -> encode -> publish
//
// Channels between the stages are bounded, so a slow downstream stage
// backpressures its producer instead of buffering without limit; with the
// subscriber's prefetch bound, the backpressure reaches the broker. An
// inbound delivery is acknowledged only after its decoded record has been
// accepted by the join stage, preserving at-least-once semantics end to
// end. A failure while processing one record never stops the pipeline or
// touches another key's state.
type Pipeline struct {
	config  Config
	source  Source
	sink    Sink
	archive *Archive
	router  *Router
	metrics *Metrics
	logger  *zap.SugaredLogger

	joinIn     chan TypedRecord
	partitions []chan JoinedRecord
	joiner     sync.WaitGroup
	workers    sync.WaitGroup
}

// NewPipeline creates a new Pipeline. The archive may be nil, in which
// case joined records are only republished, not persisted.
func NewPipeline(config Config, source Source, sink Sink, archive *Archive, metrics *Metrics, logger *zap.SugaredLogger) *Pipeline {
	partitions := make([]chan JoinedRecord, config.Pipeline.Partitions)
	for i := range partitions {
		partitions[i] = make(chan JoinedRecord, config.bufferSize())
	}

	return &Pipeline{
		config:     config,
		source:     source,
		sink:       sink,
		archive:    archive,
		router:     NewRouter(config.Pipeline.Partitions),
		metrics:    metrics,
		logger:     logger,
		joinIn:     make(chan TypedRecord, config.bufferSize()),
		partitions: partitions,
	}
}

// Run consumes the inbound streams until the source closes, then drains
// the remaining stages and shuts the sink down. It blocks for the
// lifetime of the pipeline; call Shutdown from another goroutine to stop
// it gracefully.
func (p *Pipeline) Run() error {
	deliveries, err := p.source.Subscribe()
	if err != nil {
		return err
	}

	err = p.sink.Connect()
	if err != nil {
		return err
	}

	joinerSession, err := p.sink.NewSession()
	if err != nil {
		return err
	}

	for i, ch := range p.partitions {
		session, err := p.sink.NewSession()
		if err != nil {
			return err
		}

		p.workers.Add(1)
		go p.runWorker(i, ch, session)
	}

	p.joiner.Add(1)
	go p.runJoiner(joinerSession)

	p.ingest(deliveries)

	p.joiner.Wait()
	p.workers.Wait()

	err = p.sink.Shutdown()
	if p.archive != nil {
		err = multierr.Append(err, p.archive.Close())
	}

	return err
}

// Shutdown stops the source. The pipeline then flushes the open join
// window, drains the partition workers and Run returns.
func (p *Pipeline) Shutdown() error {
	return p.source.Shutdown()
}

// ingest decodes inbound deliveries and hands them to the join stage.
// A delivery is acked once its record is in the join channel; malformed
// payloads are acked too, since redelivery can never make them decode.
func (p *Pipeline) ingest(deliveries <-chan Delivery) {
	for d := range deliveries {
		rec, err := Decode(d.Kind, d.Body)
		if err != nil {
			p.metrics.IncMalformed()
			p.logger.Warnf("pipeline: dropping record: %s", err)
			p.ack(d)

			continue
		}

		p.metrics.IncDecoded()
		p.joinIn <- rec
		p.ack(d)
	}

	close(p.joinIn)
}

func (p *Pipeline) ack(d Delivery) {
	if err := d.Ack(); err != nil {
		p.logger.Errorf("pipeline: ack failed: %s", err)
	}
}

// runJoiner owns the tumbling join window. It is the single fan-in point
// of the pipeline: both streams pass through here in delivery order.
func (p *Pipeline) runJoiner(session PublishSession) {
	defer p.joiner.Done()

	window := NewJoinWindow(time.Duration(p.config.Pipeline.WindowMs)*time.Millisecond, p.metrics, p.logger)

	ticker := time.NewTicker(time.Duration(p.config.Pipeline.WindowMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-p.joinIn:
			if !ok {
				p.dispatch(session, window.Flush())
				for _, ch := range p.partitions {
					close(ch)
				}

				return
			}

			p.dispatch(session, window.Add(rec))
		case <-ticker.C:
			// Closes the window on wall clock when the streams go
			// quiet, so a final pair is not held open indefinitely.
			p.dispatch(session, window.CloseDue(time.Now().UnixMilli()))
		}
	}
}

// publishRetryDelay paces the retry loop when the sink keeps failing.
const publishRetryDelay = 100 * time.Millisecond

// publish blocks until the sink accepts the payload. A transport outage
// stalls the calling stage, and the bounded channels carry that stall up
// to the subscriber's prefetch window: the pipeline stops consuming
// inbound rather than dropping a record that was already acked.
func (p *Pipeline) publish(session PublishSession, topic string, key string, text string) {
	for {
		err := session.Publish(topic, key, text)
		if err == nil {
			p.metrics.IncPublished()

			return
		}

		p.metrics.IncPublishFailed()
		p.logger.Errorf("pipeline: %s", err)
		time.Sleep(publishRetryDelay)
	}
}

// dispatch publishes each joined record, archives it when an archive is
// configured, and routes it to the partition owning its driver.
func (p *Pipeline) dispatch(session PublishSession, joined []JoinedRecord) {
	for _, rec := range joined {
		key := strconv.Itoa(rec.DriverKey())

		p.publish(session, p.config.Channels.JoinedDataTopic, key, rec.Encode())

		if p.archive != nil {
			rec := rec
			if err := p.archive.Write(&rec); err != nil {
				p.logger.Errorf("pipeline: %s", err)
			} else {
				p.metrics.IncArchived()
			}
		}

		p.partitions[p.router.Route(rec.DriverKey())] <- rec
	}
}

// runWorker owns the sliding windows of the drivers routed to one
// partition. Workers never share state and never block on each other.
func (p *Pipeline) runWorker(id int, in <-chan JoinedRecord, session PublishSession) {
	defer p.workers.Done()

	window := NewSlidingWindow(p.config.Pipeline.RingCapacity)

	for rec := range in {
		stats := window.Update(rec)
		p.metrics.IncStatsEmitted()

		p.publish(session, p.config.Channels.DriverStatsTopic, strconv.Itoa(stats.DriverID), stats.Encode())
	}
}
