package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var activeStatuses = []models.SyncQueueStatus{models.SyncQueueStatusPending, models.SyncQueueStatusInProgress}

// QueueStore is the durable log of local mutations waiting to be pushed.
type QueueStore struct {
	db       *gorm.DB
	registry *entities.Registry
	now      func() time.Time
}

func NewQueueStore(db *gorm.DB, registry *entities.Registry) *QueueStore {
	return &QueueStore{db: db, registry: registry, now: time.Now}
}

func (s *QueueStore) clock() time.Time {
	return entities.NormalizeTime(s.now())
}

// Enqueue records a committed local mutation. Prefer EnqueueTx inside the
// transaction of the mutation itself.
func (s *QueueStore) Enqueue(ctx context.Context, table, localId string, op models.SyncOperation, snap entities.Snapshot) (*models.SyncQueueItem, error) {
	var item *models.SyncQueueItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		item, err = s.EnqueueTx(tx, table, localId, op, snap)
		return err
	})
	return item, err
}

// EnqueueTx appends a queue item. snap.Data is the payload, snap.Version the
// server version the edit was based on.
func (s *QueueStore) EnqueueTx(tx *gorm.DB, table, localId string, op models.SyncOperation, snap entities.Snapshot) (*models.SyncQueueItem, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("enqueue %s: unknown operation %q", table, op)
	}
	if localId == "" {
		return nil, fmt.Errorf("enqueue %s: empty local id", table)
	}
	adapter, err := s.registry.Adapter(table)
	if err != nil {
		return nil, err
	}
	naturalKey := snap.NaturalKey
	if naturalKey == "" {
		if naturalKey, err = adapter.NaturalKey(snap.Data); err != nil {
			return nil, err
		}
	}

	now := s.clock()
	modifiedAt := entities.NormalizeTime(snap.ModifiedAt)
	if snap.ModifiedAt.IsZero() {
		modifiedAt = now
	}
	item := &models.SyncQueueItem{
		EntityTable:   table,
		EntityLocalId: localId,
		NaturalKey:    naturalKey,
		Operation:     op,
		Payload:       datatypes.JSON(snap.Data),
		ClientId:      uuid.NewString(),
		BaseVersion:   snap.Version,
		ModifiedAt:    modifiedAt,
		Status:        models.SyncQueueStatusPending,
		CreatedAt:     now,
	}
	if err := tx.Create(item).Error; err != nil {
		return nil, storageErr("enqueue", err)
	}
	return item, nil
}

// PullPending returns eligible pending items ordered by (entity_table,
// entity_local_id, created_at). Only the oldest active item of each entity is
// returned, and only once its backoff has elapsed.
func (s *QueueStore) PullPending(ctx context.Context, limit int) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	q := s.db.WithContext(ctx).
		Table("sync_queue_items AS q").
		Select("q.*").
		Where("q.status = ?", models.SyncQueueStatusPending).
		Where("q.next_attempt_at IS NULL OR q.next_attempt_at <= ?", s.clock()).
		Where(`NOT EXISTS (
			SELECT 1 FROM sync_queue_items p
			WHERE p.entity_table = q.entity_table
			AND p.entity_local_id = q.entity_local_id
			AND p.status IN ?
			AND (p.created_at < q.created_at OR (p.created_at = q.created_at AND p.id < q.id))
		)`, activeStatuses).
		Order("q.entity_table ASC, q.entity_local_id ASC, q.created_at ASC, q.id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, storageErr("pull pending", err)
	}
	return items, nil
}

func (s *QueueStore) Get(ctx context.Context, id uint) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, storageErr("get", err)
	}
	return &item, nil
}

func (s *QueueStore) MarkInProgress(ctx context.Context, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("id IN ? AND status = ?", ids, models.SyncQueueStatusPending).
		Update("status", models.SyncQueueStatusInProgress).Error
	return storageErr("mark in progress", err)
}

// IncrementAttempt counts one delivery attempt. It runs before the network call
// so a crash mid-request still counts.
func (s *QueueStore) IncrementAttempt(ctx context.Context, id uint) error {
	now := s.clock()
	err := s.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"sync_attempts":   gorm.Expr("sync_attempts + 1"),
			"last_attempt_at": &now,
		}).Error
	return storageErr("increment attempt", err)
}

// ScheduleRetry puts a non-terminal item back to pending, eligible after delay.
func (s *QueueStore) ScheduleRetry(ctx context.Context, id uint, delay time.Duration, reason string) error {
	next := s.clock().Add(delay)
	err := s.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":          models.SyncQueueStatusPending,
			"next_attempt_at": &next,
			"error_detail":    &reason,
		}).Error
	return storageErr("schedule retry", err)
}

// SetForceOverride makes the next delivery of the items bypass the server's
// version check.
func (s *QueueStore) SetForceOverride(ctx context.Context, ids []uint) error {
	return s.SetForceOverrideTx(s.db.WithContext(ctx), ids)
}

func (s *QueueStore) SetForceOverrideTx(tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	err := tx.Model(&models.SyncQueueItem{}).
		Where("id IN ? AND status IN ?", ids, activeStatuses).
		Update("force_override", true).Error
	return storageErr("set force override", err)
}

// MarkSynced is a no-op on an item that is already synced.
func (s *QueueStore) MarkSynced(ctx context.Context, id uint, serverVersion *int, note string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.MarkSyncedTx(tx, id, serverVersion, note)
	})
}

// MarkSyncedTx marks the item synced and, when the server reported a version,
// rebases the later active items of the same entity onto it.
func (s *QueueStore) MarkSyncedTx(tx *gorm.DB, id uint, serverVersion *int, note string) error {
	var item models.SyncQueueItem
	if err := tx.First(&item, id).Error; err != nil {
		return storageErr("mark synced", err)
	}
	if item.Status == models.SyncQueueStatusSynced {
		return nil
	}

	now := s.clock()
	updates := map[string]interface{}{
		"status":          models.SyncQueueStatusSynced,
		"synced_at":       &now,
		"next_attempt_at": nil,
		"error_detail":    nil,
	}
	if note != "" {
		updates["error_detail"] = &note
	}
	if err := tx.Model(&models.SyncQueueItem{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return storageErr("mark synced", err)
	}

	if serverVersion != nil {
		err := tx.Model(&models.SyncQueueItem{}).
			Where("entity_table = ? AND entity_local_id = ? AND status IN ? AND id <> ?",
				item.EntityTable, item.EntityLocalId, activeStatuses, item.ID).
			Update("base_version", *serverVersion).Error
		if err != nil {
			return storageErr("rebase pending", err)
		}
	}
	return nil
}

// MarkFailed moves a non-terminal item to failed. Terminal items are left alone.
func (s *QueueStore) MarkFailed(ctx context.Context, id uint, reason string) error {
	err := s.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":          models.SyncQueueStatusFailed,
			"error_detail":    &reason,
			"next_attempt_at": nil,
		}).Error
	return storageErr("mark failed", err)
}

// PendingForKeyTx lists the active items of one entity in FIFO order.
func (s *QueueStore) PendingForKeyTx(tx *gorm.DB, table, naturalKey string) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	err := tx.Where("entity_table = ? AND natural_key = ? AND status IN ?", table, naturalKey, activeStatuses).
		Order("created_at ASC, id ASC").
		Find(&items).Error
	if err != nil {
		return nil, storageErr("pending for key", err)
	}
	return items, nil
}

// DiscardPendingTx marks every active item of an entity as synced without
// sending it. Used when the remote side won a conflict.
func (s *QueueStore) DiscardPendingTx(tx *gorm.DB, table, naturalKey, note string) (int64, error) {
	now := s.clock()
	res := tx.Model(&models.SyncQueueItem{}).
		Where("entity_table = ? AND natural_key = ? AND status IN ?", table, naturalKey, activeStatuses).
		Updates(map[string]interface{}{
			"status":          models.SyncQueueStatusSynced,
			"synced_at":       &now,
			"next_attempt_at": nil,
			"error_detail":    &note,
		})
	if res.Error != nil {
		return 0, storageErr("discard pending", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *QueueStore) CountByStatus(ctx context.Context, status models.SyncQueueStatus) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.SyncQueueItem{}).Where("status = ?", status).Count(&n).Error; err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

func (s *QueueStore) ListByStatus(ctx context.Context, status models.SyncQueueStatus, limit int) ([]models.SyncQueueItem, error) {
	var items []models.SyncQueueItem
	q := s.db.WithContext(ctx).Where("status = ?", status).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, storageErr("list", err)
	}
	return items, nil
}

// PruneSynced deletes terminal items last touched before olderThan.
func (s *QueueStore) PruneSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.SyncQueueStatus{models.SyncQueueStatusSynced, models.SyncQueueStatusFailed},
			entities.NormalizeTime(olderThan)).
		Delete(&models.SyncQueueItem{})
	if res.Error != nil {
		return 0, storageErr("prune", res.Error)
	}
	return res.RowsAffected, nil
}

// RecoverInFlight returns items left in_progress by a previous process to
// pending. Attempt counts are kept.
func (s *QueueStore) RecoverInFlight(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("status = ?", models.SyncQueueStatusInProgress).
		Update("status", models.SyncQueueStatusPending)
	if res.Error != nil {
		return 0, storageErr("recover in flight", res.Error)
	}
	return res.RowsAffected, nil
}

var ErrNotRequeueable = errors.New("only failed items can be requeued")

// Requeue gives a failed item a fresh set of attempts.
func (s *QueueStore) Requeue(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Model(&models.SyncQueueItem{}).
		Where("id = ? AND status = ?", id, models.SyncQueueStatusFailed).
		Updates(map[string]interface{}{
			"status":          models.SyncQueueStatusPending,
			"sync_attempts":   0,
			"next_attempt_at": nil,
			"error_detail":    nil,
		})
	if res.Error != nil {
		return storageErr("requeue", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotRequeueable
	}
	return nil
}
