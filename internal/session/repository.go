package session

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/ftms"
	"codeberg.org/mutker/rowstate/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db        *sql.DB
	logger    logger.Logger
	cfg       Config
	sessionID string
	startedAt time.Time
	recorded  int

	mu            sync.Mutex
	closed        bool
	buffer        []*Sample
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

// NewRepository opens the database and registers sessionID as a new
// session.
func NewRepository(cfg Config, sessionID string, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	startedAt := time.Now()
	if _, err := db.Exec(upsertSessionSQL, sessionID, startedAt.UnixMilli(), nil, cfg.Baseline, 0); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Str("session", sessionID).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Int("batch_timeout", cfg.BatchTimeout).
		Msg("Session repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		sessionID:     sessionID,
		startedAt:     startedAt,
		buffer:        make([]*Sample, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 0 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(time.Duration(cfg.BatchTimeout) * time.Second)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) Record(sample *Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().New(ErrClosed)
	}

	r.buffer = append(r.buffer, sample)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) Samples(ctx context.Context, sessionID string) ([]Sample, error) {
	errFactory := errors.New()

	rows, err := r.db.QueryContext(ctx, selectSamplesSQL, sessionID)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var (
			ts                                                  int64
			strokeRate                                          sql.NullFloat64
			strokeCount, distance, pace, power, energy, elapsed sql.NullInt64
			heartRate                                           sql.NullInt64
			rate, target                                        float64
		)
		if err := rows.Scan(&ts, &strokeRate, &strokeCount, &distance, &pace, &power,
			&energy, &elapsed, &heartRate, &rate, &target); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		samples = append(samples, Sample{
			Timestamp: time.UnixMilli(ts),
			Metrics: ftms.RowerData{
				StrokeRate:         nullable(strokeRate.Valid, strokeRate.Float64),
				StrokeCount:        nullable(strokeCount.Valid, uint16(strokeCount.Int64)),
				TotalDistance:      nullable(distance.Valid, uint32(distance.Int64)),
				InstantaneousPace:  nullable(pace.Valid, uint16(pace.Int64)),
				InstantaneousPower: nullable(power.Valid, int16(power.Int64)),
				TotalEnergy:        nullable(energy.Valid, uint16(energy.Int64)),
				ElapsedTime:        nullable(elapsed.Valid, uint16(elapsed.Int64)),
			},
			HeartRate: nullable(heartRate.Valid, uint16(heartRate.Int64)),
			Rate:      rate,
			Target:    target,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return samples, nil
}

func (r *repository) Close() error {
	errFactory := errors.New()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	<-r.flushDoneChan

	r.mu.Lock()
	flushErr := r.flush()
	recorded := r.recorded
	r.mu.Unlock()
	if flushErr != nil {
		r.logger.Warn().Err(flushErr).Msg("Dropping unsaved samples")
	}

	if _, err := r.db.Exec(upsertSessionSQL, r.sessionID, r.startedAt.UnixMilli(),
		time.Now().UnixMilli(), r.cfg.Baseline, recorded); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to finalize session")
	}

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Int("samples", recorded).Msg("Session repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Debug().Err(err).Msg("Periodic flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. The caller holds r.mu.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, s := range r.buffer {
		m := s.Metrics
		values := []any{
			r.sessionID,
			s.Timestamp.UnixMilli(),
			m.StrokeRate,
			m.StrokeCount,
			m.TotalDistance,
			m.InstantaneousPace,
			m.InstantaneousPower,
			m.TotalEnergy,
			m.ElapsedTime,
			s.HeartRate,
			s.Rate,
			s.Target,
		}

		if _, err := stmt.Exec(values...); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed samples to database")
	r.recorded += len(r.buffer)
	r.buffer = r.buffer[:0]

	return nil
}

func nullable[T any](valid bool, v T) *T {
	if !valid {
		return nil
	}
	return &v
}
