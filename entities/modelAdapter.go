package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mmdatafocus/maintsync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type syncedRow[M any] interface {
	*M
	Synced() *models.SyncedModel
}

// modelAdapter implements EntityAdapter for a gorm model M with wire payload P.
type modelAdapter[M any, PM syncedRow[M], P any] struct {
	table string
	deps  []string
	parts int

	keyParts    func(p *P) []string
	lookup      func(tx *gorm.DB, parts []string) (PM, error)
	toPayload   func(tx *gorm.DB, row PM) (P, error)
	fromPayload func(tx *gorm.DB, row PM, p *P) error
}

func (a *modelAdapter[M, PM, P]) Table() string {
	return a.table
}

func (a *modelAdapter[M, PM, P]) Dependencies() []string {
	return append([]string(nil), a.deps...)
}

func (a *modelAdapter[M, PM, P]) decode(data json.RawMessage) (*P, error) {
	var p P
	if len(data) == 0 {
		return nil, &ValidationError{Table: a.table, Err: errors.New("empty payload")}
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ValidationError{Table: a.table, Err: err}
	}
	return &p, nil
}

func (a *modelAdapter[M, PM, P]) NaturalKey(data json.RawMessage) (string, error) {
	p, err := a.decode(data)
	if err != nil {
		return "", err
	}
	return JoinKey(a.keyParts(p)...), nil
}

func (a *modelAdapter[M, PM, P]) Validate(data json.RawMessage) error {
	p, err := a.decode(data)
	if err != nil {
		return err
	}
	if err := validate.Struct(p); err != nil {
		return &ValidationError{Table: a.table, Err: err}
	}
	return nil
}

func (a *modelAdapter[M, PM, P]) Read(tx *gorm.DB, naturalKey string) (*Snapshot, error) {
	parts, err := SplitKey(naturalKey, a.parts)
	if err != nil {
		return nil, err
	}
	row, err := a.lookup(tx, parts)
	if err != nil || row == nil {
		return nil, err
	}
	return a.snapshot(tx, row)
}

func (a *modelAdapter[M, PM, P]) Write(tx *gorm.DB, snap Snapshot) (*Snapshot, error) {
	p, err := a.decode(snap.Data)
	if err != nil {
		return nil, err
	}
	key := JoinKey(a.keyParts(p)...)
	if snap.NaturalKey != "" && snap.NaturalKey != key {
		return nil, fmt.Errorf("%s %q vs %q: %w", a.table, snap.NaturalKey, key, ErrKeyMismatch)
	}

	row, err := a.lookup(tx, a.keyParts(p))
	if err != nil {
		return nil, err
	}
	if row == nil {
		if snap.Deleted {
			return nil, nil
		}
		row = PM(new(M))
	}
	if err := a.fromPayload(tx, row, p); err != nil {
		return nil, err
	}

	meta := row.Synced()
	meta.Version = snap.Version
	meta.ModifiedAt = NormalizeTime(snap.ModifiedAt)
	if snap.Deleted {
		meta.DeletedAt = gorm.DeletedAt{Time: meta.ModifiedAt, Valid: true}
	} else {
		meta.DeletedAt = gorm.DeletedAt{}
	}
	if err := tx.Unscoped().Omit(clause.Associations).Save(row).Error; err != nil {
		return nil, err
	}
	return a.snapshot(tx, row)
}

func (a *modelAdapter[M, PM, P]) ChangedSince(tx *gorm.DB, since time.Time, after *Cursor, limit int) ([]Snapshot, *Cursor, error) {
	var rows []M
	q := tx.Unscoped().Model(new(M)).Where("modified_at >= ?", NormalizeTime(since))
	if after != nil {
		at := NormalizeTime(after.ModifiedAt)
		q = q.Where("(modified_at > ?) OR (modified_at = ? AND id > ?)", at, at, after.ID)
	}
	if err := q.Order("modified_at ASC, id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	out := make([]Snapshot, 0, len(rows))
	for i := range rows {
		snap, err := a.snapshot(tx, PM(&rows[i]))
		if err != nil {
			return nil, nil, err
		}
		out = append(out, *snap)
	}

	var next *Cursor
	if limit > 0 && len(rows) == limit {
		last := PM(&rows[len(rows)-1]).Synced()
		next = &Cursor{ModifiedAt: last.ModifiedAt, ID: last.ID}
	}
	return out, next, nil
}

func (a *modelAdapter[M, PM, P]) snapshot(tx *gorm.DB, row PM) (*Snapshot, error) {
	p, err := a.toPayload(tx, row)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	meta := row.Synced()
	return &Snapshot{
		Table:      a.table,
		NaturalKey: JoinKey(a.keyParts(&p)...),
		Version:    meta.Version,
		ModifiedAt: NormalizeTime(meta.ModifiedAt),
		Deleted:    meta.DeletedAt.Valid,
		Data:       data,
	}, nil
}

// findOne looks a row up including soft-deleted ones; nil when absent.
func findOne[M any](tx *gorm.DB, query string, args ...interface{}) (*M, error) {
	var rows []M
	if err := tx.Unscoped().Where(query, args...).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func mustFind[M any](tx *gorm.DB, table string, query string, args ...interface{}) (*M, error) {
	row, err := findOne[M](tx, query, args...)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%s %v: %w", table, args, ErrParentMissing)
	}
	return row, nil
}
