package aggregator

// SlidingWindow keeps the N most recent joined records per driver and
// reduces them to DriverStats on every insert. One SlidingWindow is owned
// exclusively by one partition worker, so no synchronization is needed.
type SlidingWindow struct {
	capacity int
	rings    map[int][]JoinedRecord
}

// NewSlidingWindow creates a SlidingWindow holding up to capacity records
// per driver.
func NewSlidingWindow(capacity int) *SlidingWindow {
	return &SlidingWindow{
		capacity: capacity,
		rings:    make(map[int][]JoinedRecord),
	}
}

// Update appends rec to its driver's ring, evicting the oldest entry once
// the ring is full, and returns stats computed over the current contents.
// Every update emits exactly one summary; partial rings still count.
func (w *SlidingWindow) Update(rec JoinedRecord) DriverStats {
	driver := rec.DriverKey()

	ring := w.rings[driver]
	if len(ring) == w.capacity {
		copy(ring, ring[1:])
		ring = ring[:len(ring)-1]
	}
	ring = append(ring, rec)
	w.rings[driver] = ring

	return reduce(driver, ring)
}

// Size returns the number of records currently held for a driver.
func (w *SlidingWindow) Size(driver int) int {
	return len(w.rings[driver])
}

func reduce(driver int, ring []JoinedRecord) DriverStats {
	stats := DriverStats{
		DriverID:    driver,
		SampleCount: len(ring),
	}

	var speedSum int
	for _, rec := range ring {
		speedSum += rec.Speed
		stats.TotalFog += rec.Foggy
		stats.TotalRain += rec.Rainy
		stats.TotalWind += rec.Windy
		if rec.EventType != "Normal" {
			stats.TotalViolations++
		}
	}
	stats.AverageSpeed = float64(speedSum) / float64(len(ring))

	return stats
}
