package aggregator

import (
	"strconv"
	"strings"
)

// StreamKind identifies which inbound stream a record originated from.
type StreamKind int

const (
	StreamTelemetry StreamKind = iota
	StreamTraffic
)

func (k StreamKind) String() string {
	switch k {
	case StreamTelemetry:
		return "telemetry"
	case StreamTraffic:
		return "traffic"
	default:
		return "unknown"
	}
}

// TypedRecord is the decoded form of a wire line from either stream.
// Records are immutable once decoded.
type TypedRecord interface {
	// RouteKey returns the route the record is correlated on.
	RouteKey() int

	// Time returns the record's event time in milliseconds since epoch.
	Time() int64

	// Encode serializes the record back to its wire format. Encoding is
	// total and is the exact inverse of Decode.
	Encode() string
}

// TelemetryRecord is one enriched truck telemetry event.
type TelemetryRecord struct {
	EventTime  int64
	TruckID    int
	DriverID   int
	DriverName string
	RouteID    int
	RouteName  string
	Latitude   float64
	Longitude  float64
	Speed      int
	EventType  string
	Foggy      int
	Rainy      int
	Windy      int
}

func (r TelemetryRecord) RouteKey() int { return r.RouteID }
func (r TelemetryRecord) Time() int64   { return r.EventTime }

// Encode serializes the record to a CSV line.
func (r TelemetryRecord) Encode() string {
	return strings.Join([]string{
		strconv.FormatInt(r.EventTime, 10),
		strconv.Itoa(r.TruckID),
		strconv.Itoa(r.DriverID),
		r.DriverName,
		strconv.Itoa(r.RouteID),
		r.RouteName,
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		strconv.Itoa(r.Speed),
		r.EventType,
		strconv.Itoa(r.Foggy),
		strconv.Itoa(r.Rainy),
		strconv.Itoa(r.Windy),
	}, ",")
}

// TrafficRecord is one road congestion measurement.
type TrafficRecord struct {
	EventTime       int64
	RouteID         int
	CongestionLevel int
}

func (r TrafficRecord) RouteKey() int { return r.RouteID }
func (r TrafficRecord) Time() int64   { return r.EventTime }

// Encode serializes the record to a CSV line.
func (r TrafficRecord) Encode() string {
	return strings.Join([]string{
		strconv.FormatInt(r.EventTime, 10),
		strconv.Itoa(r.RouteID),
		strconv.Itoa(r.CongestionLevel),
	}, ",")
}

// JoinedRecord combines a telemetry and a traffic record that shared a
// route within one join window.
type JoinedRecord struct {
	EventTime       int64
	TruckID         int
	DriverID        int
	DriverName      string
	RouteID         int
	RouteName       string
	Latitude        float64
	Longitude       float64
	Speed           int
	EventType       string
	Foggy           int
	Rainy           int
	Windy           int
	CongestionLevel int
}

// DriverKey returns the driver the record is aggregated under.
func (r JoinedRecord) DriverKey() int { return r.DriverID }

// Encode serializes the record to a CSV line.
func (r JoinedRecord) Encode() string {
	return strings.Join([]string{
		strconv.FormatInt(r.EventTime, 10),
		strconv.Itoa(r.TruckID),
		strconv.Itoa(r.DriverID),
		r.DriverName,
		strconv.Itoa(r.RouteID),
		r.RouteName,
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		strconv.Itoa(r.Speed),
		r.EventType,
		strconv.Itoa(r.Foggy),
		strconv.Itoa(r.Rainy),
		strconv.Itoa(r.Windy),
		strconv.Itoa(r.CongestionLevel),
	}, ",")
}

// DriverStats is the rolling summary of a driver's recent joined records.
type DriverStats struct {
	DriverID        int
	SampleCount     int
	AverageSpeed    float64
	TotalFog        int
	TotalRain       int
	TotalWind       int
	TotalViolations int
}

// Encode serializes the stats to a CSV line.
func (s DriverStats) Encode() string {
	return strings.Join([]string{
		strconv.Itoa(s.DriverID),
		strconv.Itoa(s.SampleCount),
		strconv.FormatFloat(s.AverageSpeed, 'f', -1, 64),
		strconv.Itoa(s.TotalFog),
		strconv.Itoa(s.TotalRain),
		strconv.Itoa(s.TotalWind),
		strconv.Itoa(s.TotalViolations),
	}, ",")
}

// fieldReader parses positional CSV fields, remembering the first failure.
type fieldReader struct {
	fields []string
	err    error
}

func (f *fieldReader) str(i int) string {
	return f.fields[i]
}

func (f *fieldReader) int(i int) int {
	v, err := strconv.Atoi(f.fields[i])
	if err != nil && f.err == nil {
		f.err = err
	}

	return v
}

func (f *fieldReader) int64(i int) int64 {
	v, err := strconv.ParseInt(f.fields[i], 10, 64)
	if err != nil && f.err == nil {
		f.err = err
	}

	return v
}

func (f *fieldReader) float(i int) float64 {
	v, err := strconv.ParseFloat(f.fields[i], 64)
	if err != nil && f.err == nil {
		f.err = err
	}

	return v
}

// Decode parses a CSV line into the typed record for the given stream.
// It returns a *MalformedRecordError when the field count does not match
// the stream's schema or a numeric field does not parse.
func Decode(kind StreamKind, line string) (TypedRecord, error) {
	fields := strings.Split(line, ",")

	switch kind {
	case StreamTelemetry:
		return decodeTelemetry(fields, line)
	case StreamTraffic:
		return decodeTraffic(fields, line)
	default:
		return nil, &MalformedRecordError{Kind: kind, Line: line, Reason: "unknown stream kind"}
	}
}

func decodeTelemetry(fields []string, line string) (TypedRecord, error) {
	if len(fields) != 13 {
		return nil, &MalformedRecordError{Kind: StreamTelemetry, Line: line, Reason: "expected 13 fields"}
	}

	f := fieldReader{fields: fields}
	r := TelemetryRecord{
		EventTime:  f.int64(0),
		TruckID:    f.int(1),
		DriverID:   f.int(2),
		DriverName: f.str(3),
		RouteID:    f.int(4),
		RouteName:  f.str(5),
		Latitude:   f.float(6),
		Longitude:  f.float(7),
		Speed:      f.int(8),
		EventType:  f.str(9),
		Foggy:      f.int(10),
		Rainy:      f.int(11),
		Windy:      f.int(12),
	}
	if f.err != nil {
		return nil, &MalformedRecordError{Kind: StreamTelemetry, Line: line, Reason: f.err.Error()}
	}

	return r, nil
}

func decodeTraffic(fields []string, line string) (TypedRecord, error) {
	if len(fields) != 3 {
		return nil, &MalformedRecordError{Kind: StreamTraffic, Line: line, Reason: "expected 3 fields"}
	}

	f := fieldReader{fields: fields}
	r := TrafficRecord{
		EventTime:       f.int64(0),
		RouteID:         f.int(1),
		CongestionLevel: f.int(2),
	}
	if f.err != nil {
		return nil, &MalformedRecordError{Kind: StreamTraffic, Line: line, Reason: f.err.Error()}
	}

	return r, nil
}
