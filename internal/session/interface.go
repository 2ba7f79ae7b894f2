package session

import (
	"context"
	"time"

	"codeberg.org/mutker/rowstate/internal/ftms"
)

// Recorder stores one rowing session.
type Recorder interface {
	ID() string
	Record(ctx context.Context, sample *Sample) error
	Close() error
}

// Repository is the storage behind a Recorder.
type Repository interface {
	Record(sample *Sample) error
	Samples(ctx context.Context, sessionID string) ([]Sample, error)
	Close() error
}

// Sample is the merged state of the session at one point in time.
type Sample struct {
	Timestamp time.Time
	Metrics   ftms.RowerData
	HeartRate *uint16
	Rate      float64
	Target    float64
}
