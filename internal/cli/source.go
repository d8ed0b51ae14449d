package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/rtdispatch/internal/config"
	"github.com/me/rtdispatch/internal/store"
	"github.com/me/rtdispatch/pkg/model"
)

// runSource reads recorded runs, either from the local database or from a
// trace server.
type runSource interface {
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListEvents(ctx context.Context, runID string, q store.EventQuery) ([]model.Event, error)
}

// openStore opens and migrates the local database.
func openStore(ctx context.Context) (*store.SQLiteStore, error) {
	dbPath, err := config.ResolveDBPath(flagDB)
	if err != nil {
		return nil, err
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", filepath.Dir(dbPath), err)
		}
	}
	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Debug("database ready", "path", dbPath)
	return st, nil
}

// openSource returns the server client when --server is set, otherwise the
// local database. The returned func releases it.
func openSource(ctx context.Context) (runSource, func(), error) {
	if flagServer != "" {
		return NewClient(flagServer, logger), func() {}, nil
	}
	st, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	return st, func() { st.Close() }, nil
}
