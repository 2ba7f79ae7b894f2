package ftms

import "fmt"

// Metrics is the running aggregate of the latest known rower values. Fields
// present in a merged frame overwrite, absent fields keep their previous
// value. Metrics is not safe for concurrent use; its owner serializes access.
type Metrics struct {
	RowerData
	Frames uint64 `json:"frames"`
}

// Merge folds one decoded frame into the aggregate.
func (m *Metrics) Merge(d RowerData) {
	overwrite(&m.StrokeRate, d.StrokeRate)
	overwrite(&m.StrokeCount, d.StrokeCount)
	overwrite(&m.AverageStrokeRate, d.AverageStrokeRate)
	overwrite(&m.TotalDistance, d.TotalDistance)
	overwrite(&m.InstantaneousPace, d.InstantaneousPace)
	overwrite(&m.AveragePace, d.AveragePace)
	overwrite(&m.InstantaneousPower, d.InstantaneousPower)
	overwrite(&m.AveragePower, d.AveragePower)
	overwrite(&m.ResistanceLevel, d.ResistanceLevel)
	overwrite(&m.TotalEnergy, d.TotalEnergy)
	overwrite(&m.EnergyPerHour, d.EnergyPerHour)
	overwrite(&m.EnergyPerMinute, d.EnergyPerMinute)
	overwrite(&m.HeartRate, d.HeartRate)
	overwrite(&m.ElapsedTime, d.ElapsedTime)
	overwrite(&m.RemainingTime, d.RemainingTime)
	m.Frames++
}

// Reset clears every field, as after a disconnect.
func (m *Metrics) Reset() {
	*m = Metrics{}
}

// Snapshot returns a copy safe to hand to other goroutines. Decoded values
// are never mutated after decoding, so sharing the pointers is safe.
func (m *Metrics) Snapshot() Metrics {
	return *m
}

func overwrite[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

// FormatPace renders a seconds-per-500m value as m:ss.
func FormatPace(seconds uint16) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
