package peripheral

import (
	"codeberg.org/mutker/rowstate/internal/ftms"
	"codeberg.org/mutker/rowstate/internal/hrm"
)

// Profile binds a GATT service/characteristic pair to its frame decoder.
type Profile[R any] struct {
	Name           string
	Service        UUID
	Characteristic UUID
	Decode         func(buf []byte) (R, error)
	// Battery enables the best-effort battery level probe after connecting.
	Battery bool
}

// RowerProfile reads FTMS rower data.
func RowerProfile() Profile[ftms.RowerData] {
	return Profile[ftms.RowerData]{
		Name:           "rower",
		Service:        ServiceFitnessMachine,
		Characteristic: CharRowerData,
		Decode:         ftms.DecodeRowerData,
	}
}

// HeartRateProfile reads heart-rate measurements and probes battery level.
func HeartRateProfile() Profile[hrm.Measurement] {
	return Profile[hrm.Measurement]{
		Name:           "heart_rate",
		Service:        ServiceHeartRate,
		Characteristic: CharHeartRateMeasurement,
		Decode:         hrm.Decode,
		Battery:        true,
	}
}
