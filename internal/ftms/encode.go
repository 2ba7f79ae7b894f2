package ftms

import (
	"math"

	"codeberg.org/mutker/rowstate/internal/wire"
)

// EncodeRowerData builds a rower-data frame whose flags describe exactly the
// fields present in d. Grouped fields (stroke rate with stroke count, the
// three energy values) are written together; a missing member of a present
// group is encoded as zero.
func EncodeRowerData(d RowerData) []byte {
	var flags Flag
	var body wire.Writer

	if d.StrokeRate != nil || d.StrokeCount != nil {
		body.Uint8(uint8(math.Round(deref(d.StrokeRate) * 2)))
		body.Uint16(deref(d.StrokeCount))
	} else {
		flags |= FlagMoreData
	}
	if d.AverageStrokeRate != nil {
		flags |= FlagAverageStrokeRate
		body.Uint8(*d.AverageStrokeRate)
	}
	if d.TotalDistance != nil {
		flags |= FlagTotalDistance
		body.Uint24(*d.TotalDistance)
	}
	if d.InstantaneousPace != nil {
		flags |= FlagInstantaneousPace
		body.Uint16(*d.InstantaneousPace)
	}
	if d.AveragePace != nil {
		flags |= FlagAveragePace
		body.Uint16(*d.AveragePace)
	}
	if d.InstantaneousPower != nil {
		flags |= FlagInstantaneousPower
		body.Int16(*d.InstantaneousPower)
	}
	if d.AveragePower != nil {
		flags |= FlagAveragePower
		body.Int16(*d.AveragePower)
	}
	if d.ResistanceLevel != nil {
		flags |= FlagResistanceLevel
		body.Uint8(*d.ResistanceLevel)
	}
	if d.TotalEnergy != nil || d.EnergyPerHour != nil || d.EnergyPerMinute != nil {
		flags |= FlagExpendedEnergy
		body.Uint16(deref(d.TotalEnergy))
		body.Uint16(deref(d.EnergyPerHour))
		body.Uint8(deref(d.EnergyPerMinute))
	}
	if d.HeartRate != nil {
		flags |= FlagHeartRate
		body.Uint8(*d.HeartRate)
	}
	if d.ElapsedTime != nil {
		flags |= FlagElapsedTime
		body.Uint16(*d.ElapsedTime)
	}
	if d.RemainingTime != nil {
		flags |= FlagRemainingTime
		body.Uint16(*d.RemainingTime)
	}

	var frame wire.Writer
	frame.Uint16(uint16(flags))
	return append(frame.Bytes(), body.Bytes()...)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
