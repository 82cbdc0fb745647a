// Package store persists sessions and their message history.
//
// Two engines are available: SQLite (the default) and bbolt. Both allocate
// session ids, keep sessions in creation order and append a turn's messages
// atomically.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"TermChat/internal/session"
)

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Store is the persistence gateway used by the chat registry.
type Store interface {
	AllocateSession(ctx context.Context, settings session.Settings) (string, error)
	ListSessions(ctx context.Context) ([]session.Record, error)
	LoadMessages(ctx context.Context, id string) ([]session.Message, error)
	AppendMessages(ctx context.Context, id string, msgs ...session.Message) error
	Path() string
	Close() error
}

// Path returns the database file used by driver inside dataDir.
func Path(driver, dataDir string) (string, error) {
	switch driver {
	case DriverSQLite, "":
		return filepath.Join(dataDir, "store.db"), nil
	case DriverBolt:
		return filepath.Join(dataDir, "store.bolt"), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// Open creates the data directory if needed and opens the store for driver.
// SQLite databases are migrated to the latest schema.
func Open(ctx context.Context, driver, dataDir string, logger *slog.Logger) (Store, error) {
	path, err := Path(driver, dataDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if driver == DriverBolt {
		return OpenBolt(path, logger)
	}
	return OpenSQLite(ctx, path, logger)
}
