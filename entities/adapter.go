package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrUnknownEntity  = errors.New("unknown entity table")
	ErrParentMissing  = errors.New("parent entity not found")
	ErrKeyMismatch    = errors.New("natural key does not match payload")
	ErrDependencyLoop = errors.New("entity dependency cycle")
)

// ValidationError reports a payload that can never be applied as sent.
type ValidationError struct {
	Table string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Table, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EntityAdapter is the per-table part of the sync pipeline. Everything else
// (queueing, pushing, pulling, conflict handling) is generic over it.
type EntityAdapter interface {
	Table() string
	// Dependencies lists the tables whose rows must exist before rows of this table.
	Dependencies() []string
	NaturalKey(data json.RawMessage) (string, error)
	Validate(data json.RawMessage) error
	// Read returns nil when no row matches. Soft-deleted rows are returned with Deleted set.
	Read(tx *gorm.DB, naturalKey string) (*Snapshot, error)
	// Write upserts by natural key, taking Version and ModifiedAt from the snapshot.
	// A deleted snapshot soft-deletes the row; it returns nil when there was nothing to delete.
	Write(tx *gorm.DB, snap Snapshot) (*Snapshot, error)
	// ChangedSince pages through rows with modified_at >= since in (modified_at, id) order.
	// The returned cursor is nil on the last page.
	ChangedSince(tx *gorm.DB, since time.Time, after *Cursor, limit int) ([]Snapshot, *Cursor, error)
}
