package anomaly

import (
	"fmt"
)

// Detector flags suspicious readings against the stored current value.
// Its findings are advisory; they never block a save.
type Detector struct {
	spikeThreshold float64
}

// NewDetector creates a new anomaly detector with the specified spike threshold
func NewDetector(spikeThreshold float64) *Detector {
	return &Detector{
		spikeThreshold: spikeThreshold,
	}
}

// CheckReading compares a new cumulative meter value with the previous one
func (d *Detector) CheckReading(previous, current float64) (bool, string) {
	if current < 0 {
		return true, "negative value"
	}

	// Cumulative registers only move forward unless the meter was replaced
	if current < previous {
		return true, fmt.Sprintf("reading %.2f is lower than previous reading %.2f", current, previous)
	}

	if d.spikeThreshold > 0 && previous > 0 && current > d.spikeThreshold*previous {
		return true, fmt.Sprintf("sudden spike detected: value %.2f exceeds %.1fx previous reading %.2f",
			current, d.spikeThreshold, previous)
	}

	return false, ""
}
