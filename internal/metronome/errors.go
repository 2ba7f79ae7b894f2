package metronome

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrInvalidCadence errors.ErrorCode = "metronome_invalid_cadence"
)
