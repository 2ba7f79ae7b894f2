package session

import (
	"database/sql"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS sessions (
	       id           TEXT PRIMARY KEY,
	       started_at   INTEGER NOT NULL,
	       ended_at     INTEGER,
	       baseline_spm REAL NOT NULL,
	       samples      INTEGER NOT NULL DEFAULT 0
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       session_id   TEXT NOT NULL REFERENCES sessions(id),
	       timestamp    INTEGER NOT NULL,
	       stroke_rate  REAL,
	       stroke_count INTEGER,
	       distance     INTEGER,
	       pace         INTEGER,
	       power        INTEGER,
	       energy       INTEGER,
	       elapsed      INTEGER,
	       heart_rate   INTEGER,
	       rate         REAL NOT NULL,
	       target_rate  REAL NOT NULL,
	       PRIMARY KEY (session_id, timestamp)
	   );`

	upsertSessionSQL = `
    INSERT INTO sessions (id, started_at, ended_at, baseline_spm, samples)
    VALUES (?, ?, ?, ?, ?)
    ON CONFLICT(id) DO UPDATE SET
        ended_at = excluded.ended_at,
        samples = excluded.samples`

	insertSampleSQL = `
    INSERT INTO samples (
        session_id, timestamp,
        stroke_rate, stroke_count, distance, pace, power, energy, elapsed,
        heart_rate, rate, target_rate
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(session_id, timestamp) DO UPDATE SET
        stroke_rate = excluded.stroke_rate,
        stroke_count = excluded.stroke_count,
        distance = excluded.distance,
        pace = excluded.pace,
        power = excluded.power,
        energy = excluded.energy,
        elapsed = excluded.elapsed,
        heart_rate = excluded.heart_rate,
        rate = excluded.rate,
        target_rate = excluded.target_rate`

	selectSamplesSQL = `
    SELECT timestamp, stroke_rate, stroke_count, distance, pace, power,
           energy, elapsed, heart_rate, rate, target_rate
    FROM samples
    WHERE session_id = ?
    ORDER BY timestamp`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "create_tables",
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
