// Package session records rowing sessions to sqlite, one sample per
// second, batched into transactions.
package session

import (
	"context"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
	"github.com/google/uuid"
)

type service struct {
	id   string
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct {
	id string
}

// NewService starts a new session. When recording is disabled the returned
// Recorder discards samples.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	id := uuid.NewString()
	log = log.With("session")

	if !cfg.Enabled {
		log.Debug().Msg("Session recording disabled, using no-op recorder")
		return &noopRecorder{id: id}, nil
	}

	repo, err := NewRepository(cfg, id, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create session repository")
		return nil, err
	}

	return &service{id: id, repo: repo, cfg: cfg}, nil
}

func (s *service) ID() string {
	return s.id
}

func (s *service) Record(ctx context.Context, sample *Sample) error {
	errFactory := errors.New()

	if sample == nil || sample.Timestamp.IsZero() {
		return errFactory.New(ErrInvalidSample)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		cp := *sample
		if err := s.repo.Record(&cp); err != nil {
			return errFactory.Wrap(errors.ErrRecordSession, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(errors.ErrCloseSession, err)
	}
	return nil
}

func (n *noopRecorder) ID() string {
	return n.id
}

func (*noopRecorder) Record(_ context.Context, _ *Sample) error {
	return nil
}

func (*noopRecorder) Close() error {
	return nil
}
