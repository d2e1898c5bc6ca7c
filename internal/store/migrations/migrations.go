package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed sqlite/*.sql postgres/*.sql
var scripts embed.FS

type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

func (d Dialect) dir() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// goose keeps its dialect and base FS in package state.
var gooseMu sync.Mutex

// Up applies every pending migration for dialect and returns the schema
// version before and after.
func Up(db *sql.DB, dialect Dialect, logger *zap.Logger) (int64, int64, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(scripts)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(string(dialect)); err != nil {
		return 0, 0, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	from, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get current version: %w", err)
	}
	if err := goose.Up(db, dialect.dir()); err != nil {
		return from, 0, fmt.Errorf("failed to run migrations: %w", err)
	}
	to, err := goose.GetDBVersion(db)
	if err != nil {
		return from, 0, fmt.Errorf("failed to get final version: %w", err)
	}

	if from != to {
		logger.Info("schema migrated",
			zap.String("dialect", string(dialect)),
			zap.Int64("from_version", from),
			zap.Int64("to_version", to))
	}
	return from, to, nil
}
