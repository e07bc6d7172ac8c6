package aggregator

import (
	"time"

	"go.uber.org/zap"
)

// JoinWindow buffers telemetry and traffic records for one tumbling
// interval at a time and joins them by route when the interval closes.
//
// Window membership is decided by record timestamp: the interval covering
// a timestamp is [start, end), so a record stamped exactly at end belongs
// to the next window. A record stamped before the open window's start, or
// inside any interval that already flushed, is late and is dropped; no
// reordering buffer is kept and a flushed interval never reopens, so each
// window flushes exactly once. Intervals are aligned to the epoch and a
// new window opens immediately when the previous one flushes, with no gap.
type JoinWindow struct {
	length    int64 // interval length in milliseconds
	start     int64 // inclusive, valid only while open
	end       int64 // exclusive, valid only while open
	open      bool
	highWater int64 // end of the most recently flushed window

	// Latest record per route per side. The join keeps only the most
	// recent record of each kind for a route, so earlier arrivals within
	// the window are discarded as they are superseded.
	telemetry map[int]TelemetryRecord
	traffic   map[int]TrafficRecord

	metrics *Metrics
	logger  *zap.SugaredLogger
}

// NewJoinWindow creates a JoinWindow with the given tumbling interval.
func NewJoinWindow(length time.Duration, metrics *Metrics, logger *zap.SugaredLogger) *JoinWindow {
	return &JoinWindow{
		length:    length.Milliseconds(),
		telemetry: make(map[int]TelemetryRecord),
		traffic:   make(map[int]TrafficRecord),
		metrics:   metrics,
		logger:    logger,
	}
}

// Add buffers a record into the window covering its timestamp. If the
// record's timestamp lies at or past the open window's end, the open
// window is flushed first and its joined records are returned. A record
// older than the open window is dropped and counted as late.
func (w *JoinWindow) Add(rec TypedRecord) []JoinedRecord {
	ts := rec.Time()

	// A record from an interval that already flushed can never rejoin it.
	if ts < w.highWater {
		w.metrics.IncLateDropped()
		w.logger.Debugw("join: late record dropped",
			"route", rec.RouteKey(), "timestamp", ts, "flushedEnd", w.highWater)

		return nil
	}

	if !w.open {
		w.openAt(ts)
	}

	if ts < w.start {
		w.metrics.IncLateDropped()
		w.logger.Debugw("join: late record dropped",
			"route", rec.RouteKey(), "timestamp", ts, "windowStart", w.start)

		return nil
	}

	var joined []JoinedRecord
	if ts >= w.end {
		joined = w.flush()
		w.openAt(ts)
	}

	w.buffer(rec)

	return joined
}

// CloseDue flushes the open window if wall-clock time has passed its end,
// returning the joined records. The next Add opens a fresh window.
func (w *JoinWindow) CloseDue(now int64) []JoinedRecord {
	if !w.open || now < w.end {
		return nil
	}

	return w.flush()
}

// Flush force-closes the open window, used on graceful shutdown. Keys
// complete on both sides are joined and returned, the rest discarded.
func (w *JoinWindow) Flush() []JoinedRecord {
	if !w.open {
		return nil
	}

	return w.flush()
}

func (w *JoinWindow) openAt(ts int64) {
	w.start = ts - mod(ts, w.length)
	w.end = w.start + w.length
	w.open = true
}

func (w *JoinWindow) buffer(rec TypedRecord) {
	switch r := rec.(type) {
	case TelemetryRecord:
		if prev, ok := w.telemetry[r.RouteID]; !ok || r.EventTime >= prev.EventTime {
			w.telemetry[r.RouteID] = r
		}
	case TrafficRecord:
		if prev, ok := w.traffic[r.RouteID]; !ok || r.EventTime >= prev.EventTime {
			w.traffic[r.RouteID] = r
		}
	}
}

// flush performs the inner join and resets the window. A window is
// flushed exactly once: the buffers are replaced, never revisited.
func (w *JoinWindow) flush() []JoinedRecord {
	joined := make([]JoinedRecord, 0, len(w.telemetry))

	for route, t := range w.telemetry {
		c, ok := w.traffic[route]
		if !ok {
			w.metrics.IncPartialDiscarded()
			continue
		}

		joined = append(joined, JoinedRecord{
			EventTime:       t.EventTime,
			TruckID:         t.TruckID,
			DriverID:        t.DriverID,
			DriverName:      t.DriverName,
			RouteID:         t.RouteID,
			RouteName:       t.RouteName,
			Latitude:        t.Latitude,
			Longitude:       t.Longitude,
			Speed:           t.Speed,
			EventType:       t.EventType,
			Foggy:           t.Foggy,
			Rainy:           t.Rainy,
			Windy:           t.Windy,
			CongestionLevel: c.CongestionLevel,
		})
	}

	for route := range w.traffic {
		if _, ok := w.telemetry[route]; !ok {
			w.metrics.IncPartialDiscarded()
		}
	}

	w.telemetry = make(map[int]TelemetryRecord)
	w.traffic = make(map[int]TrafficRecord)
	w.highWater = w.end
	w.open = false
	w.metrics.AddJoined(uint64(len(joined)))

	return joined
}

// mod is a floored modulo so pre-epoch timestamps still align downward.
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}

	return m
}
