package syncengine

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EndpointStateStore persists connectivity and last-outcome data of one endpoint.
type EndpointStateStore struct {
	db       *gorm.DB
	endpoint string
	now      func() time.Time
}

func NewEndpointStateStore(db *gorm.DB, endpoint string) *EndpointStateStore {
	return &EndpointStateStore{db: db, endpoint: endpoint, now: time.Now}
}

func (s *EndpointStateStore) Get(ctx context.Context) (*models.SyncEndpointState, error) {
	var st models.SyncEndpointState
	err := s.db.WithContext(ctx).Where("endpoint = ?", s.endpoint).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.SyncEndpointState{Endpoint: s.endpoint}, nil
	}
	if err != nil {
		return nil, storageErr("read endpoint state", err)
	}
	return &st, nil
}

func (s *EndpointStateStore) upsert(ctx context.Context, row models.SyncEndpointState, columns ...string) error {
	row.Endpoint = s.endpoint
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
	}).Create(&row).Error
	return storageErr("write endpoint state", err)
}

func (s *EndpointStateStore) RecordProbe(ctx context.Context, res ProbeResult) error {
	checked := entities.NormalizeTime(res.CheckedAt)
	row := models.SyncEndpointState{Online: res.Online, CheckedAt: &checked}
	if !res.Online {
		return s.upsert(ctx, row, "online", "checked_at")
	}
	row.LastContactAt = &checked
	return s.upsert(ctx, row, "online", "checked_at", "last_contact_at")
}

// RecordCycle stores the outcome of one reconciliation cycle. A nil cycleErr
// advances LastSuccessfulSyncAt and clears LastError.
func (s *EndpointStateStore) RecordCycle(ctx context.Context, startedAt time.Time, cycleErr error) error {
	started := entities.NormalizeTime(startedAt)
	if cycleErr != nil {
		msg := cycleErr.Error()
		return s.upsert(ctx, models.SyncEndpointState{LastAttemptAt: &started, LastError: &msg}, "last_attempt_at", "last_error")
	}
	done := entities.NormalizeTime(s.now())
	return s.upsert(ctx, models.SyncEndpointState{LastAttemptAt: &started, LastSuccessfulSyncAt: &done},
		"last_attempt_at", "last_successful_sync_at", "last_error")
}
