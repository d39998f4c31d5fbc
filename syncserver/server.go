package syncserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/maintsync/config"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/mmdatafocus/maintsync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	defaultLockTTL      = 10 * time.Second
	defaultLockWait     = 5 * time.Second
	defaultSettleWindow = 2 * time.Second
	maxPushEntries      = 500
	defaultPullLimit    = 200
	maxPullLimit        = 1000
)

// Publisher receives a notification for every applied entry.
type Publisher interface {
	PublishChange(ctx context.Context, msg config.SyncChangeMessage) error
}

// PubSubPublisher publishes change notifications to a Pub/Sub topic.
type PubSubPublisher struct {
	Topic string
}

func (p PubSubPublisher) PublishChange(ctx context.Context, msg config.SyncChangeMessage) error {
	_, err := config.PublishSyncChangeWithResult(ctx, p.Topic, msg)
	return err
}

// Server is the canonical side of the sync API.
type Server struct {
	db        *gorm.DB
	registry  *entities.Registry
	locker    *redislock.Client
	publisher Publisher
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time

	lockTTL      time.Duration
	lockWait     time.Duration
	settleWindow time.Duration
}

type Option func(*Server)

func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithLocker serializes writers of one natural key across server instances.
func WithLocker(locker *redislock.Client) Option {
	return func(s *Server) { s.locker = locker }
}

func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSettleWindow sets how far serverTimestamp trails the clock so that rows
// committed by transactions still in flight are picked up by the next pull.
func WithSettleWindow(d time.Duration) Option {
	return func(s *Server) { s.settleWindow = d }
}

func New(db *gorm.DB, registry *entities.Registry, opts ...Option) *Server {
	s := &Server{
		db:           db,
		registry:     registry,
		logger:       config.GetLogger(),
		tracer:       otel.Tracer("github.com/mmdatafocus/maintsync/syncserver"),
		now:          time.Now,
		lockTTL:      defaultLockTTL,
		lockWait:     defaultLockWait,
		settleWindow: defaultSettleWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func errorResult(clientId, code string, retryable bool, err error) entities.PushResult {
	return entities.PushResult{
		ClientId:  clientId,
		Status:    entities.PushStatusError,
		Code:      code,
		Message:   err.Error(),
		Retryable: retryable,
	}
}

// Apply processes one pushed entry exactly once per clientId.
func (s *Server) Apply(ctx context.Context, entry entities.PushEntry) entities.PushResult {
	ctx, span := s.tracer.Start(ctx, "syncserver.Apply", trace.WithAttributes(
		attribute.String("sync.table", entry.Table),
		attribute.String("sync.operation", string(entry.Operation)),
		attribute.String("sync.client_id", entry.ClientId),
	))
	defer span.End()

	adapter, err := s.registry.Adapter(entry.Table)
	if err != nil {
		return errorResult(entry.ClientId, entities.CodeUnknownEntity, false, err)
	}
	if !entry.Operation.Valid() {
		return errorResult(entry.ClientId, entities.CodeValidation, false, fmt.Errorf("unknown operation %q", entry.Operation))
	}
	if err := adapter.Validate(entry.Payload); err != nil {
		return errorResult(entry.ClientId, entities.CodeValidation, false, err)
	}
	naturalKey, err := adapter.NaturalKey(entry.Payload)
	if err != nil {
		return errorResult(entry.ClientId, entities.CodeValidation, false, err)
	}

	if s.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
		lock, err := s.locker.Obtain(lockCtx, "sync:"+entry.Table+":"+naturalKey, s.lockTTL, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
		})
		cancel()
		if err != nil {
			return errorResult(entry.ClientId, entities.CodeInProgress, true, fmt.Errorf("lock %s: %w", naturalKey, err))
		}
		defer func() {
			_ = lock.Release(context.Background())
		}()
	}

	now := entities.NormalizeTime(s.now())
	var (
		result   entities.PushResult
		replayed bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := beginIdempotency(tx, entry, naturalKey, now)
		if err != nil {
			return err
		}
		if stored != nil {
			result, replayed = *stored, true
			return nil
		}

		result = s.applyEntry(tx, adapter, entry, naturalKey, now)
		if result.Status == entities.PushStatusOK {
			return markIdempotencySucceeded(tx, entry.ClientId, result)
		}
		return markIdempotencyFailed(tx, entry.ClientId, result.Code+": "+result.Message)
	})
	if errors.Is(err, ErrIdempotencyInProgress) {
		return errorResult(entry.ClientId, entities.CodeInProgress, true, err)
	}
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"field":     "SyncServer",
			"table":     entry.Table,
			"client_id": entry.ClientId,
		}).Error("apply entry: " + err.Error())
		return errorResult(entry.ClientId, entities.CodeInternal, true, err)
	}

	if !replayed && result.Status == entities.PushStatusOK && s.publisher != nil && result.ServerSnapshot != nil {
		s.publish(ctx, entry, result.ServerSnapshot)
	}
	return result
}

func (s *Server) applyEntry(tx *gorm.DB, adapter entities.EntityAdapter, entry entities.PushEntry, naturalKey string, now time.Time) entities.PushResult {
	current, err := adapter.Read(tx, naturalKey)
	if err != nil {
		return errorResult(entry.ClientId, entities.CodeInternal, true, err)
	}

	conflict := func(code, msg string) entities.PushResult {
		return entities.PushResult{
			ClientId:       entry.ClientId,
			Status:         entities.PushStatusConflict,
			ServerSnapshot: current,
			Code:           code,
			Message:        msg,
		}
	}

	next := entities.Snapshot{
		Table:      entry.Table,
		NaturalKey: naturalKey,
		Version:    1,
		ModifiedAt: now,
		Data:       entry.Payload,
	}
	if current != nil {
		next.Version = current.Version + 1
	}

	switch entry.Operation {
	case models.SyncOperationInsert:
		if current != nil && !current.Deleted && !entry.Force {
			return conflict(entities.CodeAlreadyExists, "record already exists")
		}
	case models.SyncOperationUpdate:
		if current == nil {
			return errorResult(entry.ClientId, entities.CodeNotFound, false, fmt.Errorf("%s %q does not exist", entry.Table, naturalKey))
		}
		if !entry.Force && (current.Deleted || entry.BaseVersion != current.Version) {
			return conflict(entities.CodeVersionMismatch, fmt.Sprintf("base version %d, current %d", entry.BaseVersion, current.Version))
		}
	case models.SyncOperationDelete:
		if current == nil || current.Deleted {
			return entities.PushResult{ClientId: entry.ClientId, Status: entities.PushStatusOK, ServerSnapshot: current}
		}
		if !entry.Force && entry.BaseVersion != current.Version {
			return conflict(entities.CodeVersionMismatch, fmt.Sprintf("base version %d, current %d", entry.BaseVersion, current.Version))
		}
		next.Deleted = true
	}

	// Writes go through a savepoint so a failed write leaves the idempotency
	// row usable for marking the entry failed.
	var written *entities.Snapshot
	err = tx.Transaction(func(sp *gorm.DB) error {
		var werr error
		written, werr = adapter.Write(sp, next)
		return werr
	})
	if err != nil {
		var verr *entities.ValidationError
		switch {
		case errors.As(err, &verr):
			return errorResult(entry.ClientId, entities.CodeValidation, false, err)
		case errors.Is(err, entities.ErrParentMissing):
			// The parent may still be queued on the client.
			return errorResult(entry.ClientId, entities.CodeParentMissing, true, err)
		case isDuplicateKeyErr(err):
			return errorResult(entry.ClientId, entities.CodeAlreadyExists, true, err)
		default:
			return errorResult(entry.ClientId, entities.CodeInternal, true, err)
		}
	}
	return entities.PushResult{ClientId: entry.ClientId, Status: entities.PushStatusOK, ServerSnapshot: written}
}

func (s *Server) publish(ctx context.Context, entry entities.PushEntry, snap *entities.Snapshot) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	msg := config.SyncChangeMessage{
		Table:         snap.Table,
		NaturalKey:    snap.NaturalKey,
		Operation:     string(entry.Operation),
		Version:       snap.Version,
		ClientId:      entry.ClientId,
		ModifiedAt:    snap.ModifiedAt,
		CorrelationId: cid,
	}
	if err := s.publisher.PublishChange(pubCtx, msg); err != nil {
		s.logger.WithFields(logrus.Fields{
			"field":     "SyncServer",
			"table":     snap.Table,
			"client_id": entry.ClientId,
		}).Warn("publish change notification: " + err.Error())
	}
}

// ServerTimestamp is the watermark handed to pulling clients.
func (s *Server) ServerTimestamp() time.Time {
	return entities.NormalizeTime(s.now().Add(-s.settleWindow))
}
