package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTelemetryRoundTrip(t *testing.T) {
	rec := TelemetryRecord{
		EventTime:  1488767711734,
		TruckID:    26,
		DriverID:   11,
		DriverName: "J. Carter",
		RouteID:    160405074,
		RouteName:  "Joplin to Kansas City",
		Latitude:   38.141,
		Longitude:  -94.395,
		Speed:      62,
		EventType:  "Normal",
		Foggy:      0,
		Rainy:      1,
		Windy:      0,
	}

	decoded, err := Decode(StreamTelemetry, rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestDecodeTrafficRoundTrip(t *testing.T) {
	rec := TrafficRecord{
		EventTime:       1488767711734,
		RouteID:         160405074,
		CongestionLevel: 45,
	}

	decoded, err := Decode(StreamTraffic, rec.Encode())
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		kind StreamKind
		line string
	}{
		{
			name: "telemetry field count too low",
			kind: StreamTelemetry,
			line: "1488767711734,26,11",
		},
		{
			name: "telemetry field count too high",
			kind: StreamTelemetry,
			line: "1,2,3,a,4,b,5,6,7,c,8,9,10,11",
		},
		{
			name: "telemetry non-numeric speed",
			kind: StreamTelemetry,
			line: "1488767711734,26,11,J. Carter,160405074,Joplin to Kansas City,38.141,-94.395,fast,Normal,0,1,0",
		},
		{
			name: "traffic field count",
			kind: StreamTraffic,
			line: "1488767711734,160405074",
		},
		{
			name: "traffic non-numeric congestion",
			kind: StreamTraffic,
			line: "1488767711734,160405074,heavy",
		},
		{
			name: "empty line",
			kind: StreamTraffic,
			line: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := Decode(tt.kind, tt.line)
			require.Error(t, err)
			assert.Nil(t, rec)

			var malformed *MalformedRecordError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, tt.kind, malformed.Kind)
			assert.Equal(t, tt.line, malformed.Line)
		})
	}
}

func TestEncodeJoinedRecord(t *testing.T) {
	rec := JoinedRecord{
		EventTime:       1000,
		TruckID:         26,
		DriverID:        11,
		DriverName:      "J. Carter",
		RouteID:         7,
		RouteName:       "Route 7",
		Latitude:        38.141,
		Longitude:       -94.395,
		Speed:           62,
		EventType:       "Normal",
		Foggy:           0,
		Rainy:           1,
		Windy:           0,
		CongestionLevel: 45,
	}

	assert.Equal(t, "1000,26,11,J. Carter,7,Route 7,38.141,-94.395,62,Normal,0,1,0,45", rec.Encode())
}

func TestEncodeDriverStats(t *testing.T) {
	stats := DriverStats{
		DriverID:        11,
		SampleCount:     3,
		AverageSpeed:    61.5,
		TotalFog:        1,
		TotalRain:       2,
		TotalWind:       0,
		TotalViolations: 1,
	}

	assert.Equal(t, "11,3,61.5,1,2,0,1", stats.Encode())
}
