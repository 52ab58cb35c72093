// Package store provides the unit journal: a durable record of every message the
// dispatcher consumed and how its unit of work ended.
package store

import (
	"context"
	"time"

	"github.com/ashureev/askstream/internal/domain"
)

// Repository defines the interface for persisting unit records.
type Repository interface {
	// StartUnit records a unit as running.
	StartUnit(ctx context.Context, rec *domain.UnitRecord) error

	// FinishUnit sets the terminal status of a running unit. errKind and detail
	// are empty for completed units.
	FinishUnit(ctx context.Context, id string, status domain.UnitStatus, errKind, detail string) error

	// DropMessage records a message that never became a unit.
	DropMessage(ctx context.Context, rec *domain.UnitRecord) error

	// ListUnits returns the most recent records matching filter, newest first.
	ListUnits(ctx context.Context, filter domain.UnitFilter) ([]*domain.UnitRecord, error)

	// MarkAbandoned flips units left running by a previous process to lost.
	MarkAbandoned(ctx context.Context) (int64, error)

	// DeleteFinishedBefore removes finished records older than t.
	DeleteFinishedBefore(ctx context.Context, t time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
