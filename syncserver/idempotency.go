package syncserver

import (
	"errors"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/mmdatafocus/maintsync/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleAfter is how long a STARTED key blocks retries before it is taken over.
const staleAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// beginIdempotency inserts STARTED for the entry's clientId. When the key already
// SUCCEEDED it returns the stored result so the caller can replay it.
func beginIdempotency(tx *gorm.DB, entry entities.PushEntry, naturalKey string, now time.Time) (*entities.PushResult, error) {
	key := models.SyncIdempotencyKey{
		ClientId:    entry.ClientId,
		EntityTable: entry.Table,
		Operation:   entry.Operation,
		NaturalKey:  naturalKey,
		Status:      models.IdempotencyStatusStarted,
	}
	// The insert runs in a savepoint so a duplicate key does not abort the
	// surrounding Postgres transaction.
	err := tx.Transaction(func(sp *gorm.DB) error {
		return sp.Create(&key).Error
	})
	if err == nil {
		return nil, nil
	} else if !isDuplicateKeyErr(err) {
		return nil, err
	}

	var existing models.SyncIdempotencyKey
	if err := tx.Where("client_id = ?", entry.ClientId).First(&existing).Error; err != nil {
		return nil, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		var stored entities.PushResult
		if err := utils.UnmarshalFromJSON(existing.ResponseJSON, &stored); err != nil {
			return nil, err
		}
		return &stored, nil
	case models.IdempotencyStatusStarted:
		// Another request is applying this entry right now; the client retries.
		// A stale STARTED row is taken over.
		if now.Sub(existing.UpdatedAt) < staleAfter {
			return nil, ErrIdempotencyInProgress
		}
	}
	return nil, tx.Model(&models.SyncIdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil, "updated_at": now}).Error
}

func markIdempotencySucceeded(tx *gorm.DB, clientId string, result entities.PushResult) error {
	raw, err := utils.MarshalToJSON(result)
	if err != nil {
		return err
	}
	return tx.Model(&models.SyncIdempotencyKey{}).
		Where("client_id = ?", clientId).
		Updates(map[string]interface{}{
			"status":        models.IdempotencyStatusSucceeded,
			"response_json": datatypes.JSON(raw),
			"last_error":    nil,
		}).Error
}

func markIdempotencyFailed(tx *gorm.DB, clientId string, reason string) error {
	msg := reason
	return tx.Model(&models.SyncIdempotencyKey{}).
		Where("client_id = ?", clientId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}
