package store

import (
	"context"

	"github.com/me/rtdispatch/pkg/model"
)

// Store defines the persistence layer for recorded scenario runs.
type Store interface {
	// Run CRUD
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	FinishRun(ctx context.Context, run *model.Run) error
	DeleteRun(ctx context.Context, id string) error

	// Trace events
	AppendEvents(ctx context.Context, runID string, events []model.Event) error
	ListEvents(ctx context.Context, runID string, opts EventQuery) ([]model.Event, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// EventQuery filters the events of one run. Zero values select everything.
type EventQuery struct {
	AfterSeq int
	Task     string
	Kinds    []model.EventKind
	Limit    int
}
