package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WatermarkStore keeps one pull watermark per (endpoint, entity type).
type WatermarkStore struct {
	db       *gorm.DB
	endpoint string
}

func NewWatermarkStore(db *gorm.DB, endpoint string) *WatermarkStore {
	return &WatermarkStore{db: db, endpoint: endpoint}
}

// Get returns the zero time when the type was never pulled.
func (s *WatermarkStore) Get(ctx context.Context, entityType string) (time.Time, error) {
	return s.getTx(s.db.WithContext(ctx), entityType)
}

func (s *WatermarkStore) getTx(tx *gorm.DB, entityType string) (time.Time, error) {
	var rows []models.SyncWatermark
	err := tx.Where("endpoint = ? AND entity_type = ?", s.endpoint, entityType).Limit(1).Find(&rows).Error
	if err != nil {
		return time.Time{}, storageErr("read watermark", err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	return entities.NormalizeTime(rows[0].Watermark), nil
}

func (s *WatermarkStore) All(ctx context.Context) (map[string]time.Time, error) {
	var rows []models.SyncWatermark
	if err := s.db.WithContext(ctx).Where("endpoint = ?", s.endpoint).Find(&rows).Error; err != nil {
		return nil, storageErr("read watermarks", err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.EntityType] = entities.NormalizeTime(r.Watermark)
	}
	return out, nil
}

// Advance moves the watermark forward. A timestamp before the stored value is
// rejected with ErrWatermarkRegression and nothing is written.
func (s *WatermarkStore) Advance(ctx context.Context, entityType string, ts time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.AdvanceTx(tx, entityType, ts)
	})
}

func (s *WatermarkStore) AdvanceTx(tx *gorm.DB, entityType string, ts time.Time) error {
	ts = entities.NormalizeTime(ts)
	current, err := s.getTx(tx, entityType)
	if err != nil {
		return err
	}
	if ts.Before(current) {
		return fmt.Errorf("%s: %s before %s: %w", entityType, ts.Format(time.RFC3339Nano), current.Format(time.RFC3339Nano), ErrWatermarkRegression)
	}
	if ts.Equal(current) && !current.IsZero() {
		return nil
	}

	row := models.SyncWatermark{Endpoint: s.endpoint, EntityType: entityType, Watermark: ts}
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}, {Name: "entity_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"watermark", "updated_at"}),
	}).Create(&row).Error
	return storageErr("advance watermark", err)
}
