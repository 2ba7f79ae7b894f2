// Package stream publishes decoded telemetry and the playback rate on NATS.
package stream

import (
	"encoding/json"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/ftms"
	"codeberg.org/mutker/rowstate/internal/hrm"
	"codeberg.org/mutker/rowstate/internal/logger"
	"github.com/nats-io/nats.go"
)

const (
	SubjectRower     = "rowstate.rower"
	SubjectHeartRate = "rowstate.hr"
	SubjectRate      = "rowstate.rate"

	clientName = "rowstate"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Connect dials url with reconnects that never give up.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(
		url,
		nats.Name(clientName),
		nats.Timeout(3*time.Second),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.New().Wrap(ErrConnect, err)
	}
	return nc, nil
}

// RateSample is the payload published on SubjectRate.
type RateSample struct {
	Rate   float64   `json:"rate"`
	Target float64   `json:"target"`
	Time   time.Time `json:"time"`
}

// Publisher encodes records as JSON. Publish failures are returned to the
// caller, which decides whether they matter.
type Publisher struct {
	conn Conn
	log  logger.Logger
}

// NewPublisher wraps an open connection.
func NewPublisher(conn Conn, log logger.Logger) *Publisher {
	return &Publisher{conn: conn, log: log.With("stream")}
}

func (p *Publisher) publish(subject string, v any) error {
	errFactory := errors.New()

	data, err := json.Marshal(v)
	if err != nil {
		return errFactory.Wrap(ErrEncode, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return errFactory.Wrap(ErrPublish, err)
	}
	return nil
}

// Rower publishes one decoded rower-data frame.
func (p *Publisher) Rower(d ftms.RowerData) error {
	return p.publish(SubjectRower, d)
}

// HeartRate publishes one heart-rate measurement.
func (p *Publisher) HeartRate(m hrm.Measurement) error {
	return p.publish(SubjectHeartRate, m)
}

// Rate publishes a playback rate sample.
func (p *Publisher) Rate(s RateSample) error {
	return p.publish(SubjectRate, s)
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Debug().Err(err).Msg("Failed to drain connection")
	}
}
