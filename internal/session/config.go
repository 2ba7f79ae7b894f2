package session

import (
	"os"
	"path/filepath"

	"codeberg.org/mutker/rowstate/internal/errors"
)

const (
	defaultDirPerm      = 0o755
	defaultBatchSize    = 30
	defaultBatchTimeout = 10
)

type Config struct {
	DBPath string
	// BackupDir receives a copy of the database before an incompatible
	// schema is replaced. Empty means a "backups" directory next to DBPath.
	BackupDir    string
	BatchSize    int
	BatchTimeout int // seconds
	Enabled      bool
	Baseline     float64
}

// DefaultDBPath returns sessions.db under the user's data directory.
func DefaultDBPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "rowstate", "sessions.db")
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "rowstate", "sessions.db")
}

func DefaultConfig() Config {
	return Config{
		DBPath:       DefaultDBPath(),
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      false,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "negative batch settings")
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}
