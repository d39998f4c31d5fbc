package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/mmdatafocus/maintsync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeConflict  OutcomeKind = "conflict"
	OutcomeTransient OutcomeKind = "transient"
	OutcomePermanent OutcomeKind = "permanent"
)

// Outcome is the result of delivering one queue item.
type Outcome struct {
	Kind   OutcomeKind
	Remote *entities.Snapshot
	Reason string
}

// Handled reports whether the item reached a terminal state for this batch.
func (o Outcome) Handled() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeConflict
}

func outcomeFromResult(res entities.PushResult) Outcome {
	reason := res.Message
	if res.Code != "" {
		reason = res.Code + ": " + res.Message
	}
	switch res.Status {
	case entities.PushStatusOK:
		return Outcome{Kind: OutcomeSuccess, Remote: res.ServerSnapshot}
	case entities.PushStatusConflict:
		return Outcome{Kind: OutcomeConflict, Remote: res.ServerSnapshot, Reason: reason}
	default:
		if res.Retryable {
			return Outcome{Kind: OutcomeTransient, Reason: reason}
		}
		return Outcome{Kind: OutcomePermanent, Reason: reason}
	}
}

// outcomeFor finds the result of the item by client id. Results are never
// matched by position.
func outcomeFor(resp *entities.PushResponse, item models.SyncQueueItem) Outcome {
	for _, res := range resp.Results {
		if res.ClientId == item.ClientId {
			return outcomeFromResult(res)
		}
	}
	return Outcome{Kind: OutcomeTransient, Reason: fmt.Sprintf("push: no result for client id %s", item.ClientId)}
}

func outcomeFromErr(err error) Outcome {
	if IsTransient(err) {
		return Outcome{Kind: OutcomeTransient, Reason: err.Error()}
	}
	return Outcome{Kind: OutcomePermanent, Reason: err.Error()}
}

// BatchResult counts the outcomes of one push batch.
type BatchResult struct {
	Outcomes     map[uint]Outcome
	SuccessCount int
	FailureCount int
	// Sent is the number of items that went out over the network.
	Sent int
	Err  error
}

// Uploader delivers queue items to the remote API and settles their status.
type Uploader struct {
	db             *gorm.DB
	queue          *QueueStore
	store          *entities.LocalStore
	remote         Remote
	backoff        *Backoff
	strategy       Strategy
	maxAttempts    int
	requestTimeout time.Duration
	logger         *logrus.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

func NewUploader(db *gorm.DB, queue *QueueStore, store *entities.LocalStore, remote Remote, backoff *Backoff, strategy Strategy, maxAttempts int, requestTimeout time.Duration, logger *logrus.Logger) *Uploader {
	return &Uploader{
		db:             db,
		queue:          queue,
		store:          store,
		remote:         remote,
		backoff:        backoff,
		strategy:       strategy,
		maxAttempts:    maxAttempts,
		requestTimeout: requestTimeout,
		logger:         logger,
		tracer:         otel.Tracer("github.com/mmdatafocus/maintsync/syncengine"),
		now:            time.Now,
	}
}

// Upload delivers a single item.
func (u *Uploader) Upload(ctx context.Context, item models.SyncQueueItem) Outcome {
	res := u.PushBatch(ctx, []models.SyncQueueItem{item})
	return res.Outcomes[item.ID]
}

// PushBatch sends the items in one request. Once the request starts the batch
// runs to completion even if ctx is cancelled, so no item is left half-settled.
func (u *Uploader) PushBatch(ctx context.Context, items []models.SyncQueueItem) BatchResult {
	ctx = context.WithoutCancel(ctx)
	ctx, span := u.tracer.Start(ctx, "syncengine.PushBatch", trace.WithAttributes(attribute.Int("sync.items", len(items))))
	defer span.End()

	result := BatchResult{Outcomes: make(map[uint]Outcome, len(items))}
	send := make([]models.SyncQueueItem, 0, len(items))
	for _, item := range items {
		if u.exhausted(item) {
			out, err := u.failExhausted(ctx, item)
			if err != nil {
				result.Err = err
			}
			result.Outcomes[item.ID] = out
			result.FailureCount++
			continue
		}
		send = append(send, item)
	}
	if len(send) == 0 {
		return result
	}

	ids := make([]uint, len(send))
	for i, item := range send {
		ids[i] = item.ID
	}
	if err := u.queue.MarkInProgress(ctx, ids); err != nil {
		return u.abort(ctx, result, send, err)
	}
	for i := range send {
		if err := u.queue.IncrementAttempt(ctx, send[i].ID); err != nil {
			return u.abort(ctx, result, send, err)
		}
		send[i].SyncAttempts++
	}

	result.Sent = len(send)
	resp, err := u.push(ctx, send, nil)
	for _, item := range send {
		var out Outcome
		if err != nil {
			out = outcomeFromErr(err)
		} else {
			out = outcomeFor(resp, item)
		}
		out = u.settle(ctx, item, out)
		result.Outcomes[item.ID] = out
		if out.Handled() {
			result.SuccessCount++
		} else {
			result.FailureCount++
		}
	}
	if err != nil {
		result.Err = err
	}
	return result
}

func (u *Uploader) exhausted(item models.SyncQueueItem) bool {
	return u.maxAttempts > 0 && item.SyncAttempts >= u.maxAttempts
}

// failExhausted moves an item that used up its attempts to failed without
// contacting the remote.
func (u *Uploader) failExhausted(ctx context.Context, item models.SyncQueueItem) (Outcome, error) {
	reason := fmt.Sprintf("max sync attempts exceeded (%d)", u.maxAttempts)
	err := u.queue.MarkFailed(ctx, item.ID, reason)
	if err != nil {
		u.logItem(item).Error("mark failed: " + err.Error())
	}
	u.logItem(item).Error("sync item moved to failed after max attempts")
	return Outcome{Kind: OutcomePermanent, Reason: reason}, err
}

// abort returns claimed items to pending after a local storage failure.
func (u *Uploader) abort(ctx context.Context, result BatchResult, items []models.SyncQueueItem, err error) BatchResult {
	for _, item := range items {
		_ = u.queue.ScheduleRetry(ctx, item.ID, 0, err.Error())
		result.Outcomes[item.ID] = Outcome{Kind: OutcomeTransient, Reason: err.Error()}
		result.FailureCount++
	}
	result.Err = err
	u.logger.WithFields(logrus.Fields{"field": "Uploader", "items": len(items)}).Error("claim batch: " + err.Error())
	return result
}

func (u *Uploader) push(ctx context.Context, items []models.SyncQueueItem, force map[uint]bool) (*entities.PushResponse, error) {
	req := entities.PushRequest{Entries: make([]entities.PushEntry, len(items))}
	for i, item := range items {
		req.Entries[i] = entities.PushEntry{
			Table:       item.EntityTable,
			Operation:   item.Operation,
			Payload:     json.RawMessage(item.Payload),
			ClientId:    item.ClientId,
			BaseVersion: item.BaseVersion,
			Force:       item.ForceOverride || force[item.ID],
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, u.requestTimeout)
	defer cancel()
	return u.remote.Push(callCtx, req)
}

// settle applies the queue transition for one outcome and returns the final
// outcome, which differs from the input when a conflict re-send fails.
func (u *Uploader) settle(ctx context.Context, item models.SyncQueueItem, out Outcome) Outcome {
	switch out.Kind {
	case OutcomeSuccess:
		if err := u.markSynced(ctx, item, out.Remote, ""); err != nil {
			return u.retry(ctx, item, err.Error())
		}
		return out
	case OutcomeConflict:
		return u.resolveConflict(ctx, item, out)
	case OutcomeTransient:
		return u.retry(ctx, item, out.Reason)
	default:
		if err := u.queue.MarkFailed(ctx, item.ID, out.Reason); err != nil {
			u.logItem(item).Error("mark failed: " + err.Error())
		}
		u.logItem(item).Warn("sync item rejected by remote: " + out.Reason)
		return out
	}
}

func (u *Uploader) retry(ctx context.Context, item models.SyncQueueItem, reason string) Outcome {
	delay := u.backoff.Delay(item.SyncAttempts - 1)
	if err := u.queue.ScheduleRetry(ctx, item.ID, delay, reason); err != nil {
		u.logItem(item).Error("schedule retry: " + err.Error())
	}
	u.logItem(item).WithField("retry_in", delay.String()).Warn("sync item will be retried: " + reason)
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

// markSynced acknowledges the item, then brings the local row up to the
// server version. The local write is best effort.
func (u *Uploader) markSynced(ctx context.Context, item models.SyncQueueItem, remote *entities.Snapshot, note string) error {
	var version *int
	if remote != nil {
		v := remote.Version
		version = &v
	}
	var later int
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := u.queue.MarkSyncedTx(tx, item.ID, version, note); err != nil {
			return err
		}
		pending, err := u.queue.PendingForKeyTx(tx, item.EntityTable, item.NaturalKey)
		later = len(pending)
		return err
	})
	if err != nil || remote == nil {
		return err
	}

	err = u.db.WithContext(utils.SetSyncApplyInContext(ctx)).Transaction(func(tx *gorm.DB) error {
		if later == 0 {
			_, err := u.store.WriteTx(tx, *remote)
			return err
		}
		// Later local edits still own the data; only record the version they
		// were rebased onto.
		local, err := u.store.ReadTx(tx, item.EntityTable, item.NaturalKey)
		if err != nil || local == nil {
			return err
		}
		local.Version = remote.Version
		_, err = u.store.WriteTx(tx, *local)
		return err
	})
	if err != nil {
		u.logItem(item).Warn("apply server snapshot locally: " + err.Error())
	}
	return nil
}

func (u *Uploader) resolveConflict(ctx context.Context, item models.SyncQueueItem, out Outcome) Outcome {
	local := Version{ModifiedAt: item.ModifiedAt, Version: item.BaseVersion, Data: json.RawMessage(item.Payload)}
	var remote Version
	if out.Remote != nil {
		remote = Version{ModifiedAt: out.Remote.ModifiedAt, Version: out.Remote.Version, Data: out.Remote.Data}
	}
	winner := Resolve(local, remote, u.strategy)
	rec := conflictRecord{
		Table:      item.EntityTable,
		NaturalKey: item.NaturalKey,
		ClientId:   item.ClientId,
		Source:     ConflictSourcePush,
		Strategy:   u.strategy,
		Winner:     winner,
		Local:      local,
		Remote:     remote,
	}
	u.logItem(item).WithFields(logrus.Fields{
		"strategy": string(u.strategy),
		"winner":   string(winner),
	}).Info("sync conflict: " + out.Reason)

	if winner == WinnerRemote {
		err := u.db.WithContext(utils.SetSyncApplyInContext(ctx)).Transaction(func(tx *gorm.DB) error {
			if out.Remote != nil {
				if _, err := u.store.WriteTx(tx, *out.Remote); err != nil {
					return err
				}
			}
			var version *int
			if out.Remote != nil {
				version = &remote.Version
			}
			if err := u.queue.MarkSyncedTx(tx, item.ID, version, "conflict: remote version kept"); err != nil {
				return err
			}
			note := fmt.Sprintf("superseded by remote version %d", remote.Version)
			if _, err := u.queue.DiscardPendingTx(tx, item.EntityTable, item.NaturalKey, note); err != nil {
				return err
			}
			return recordConflict(tx, rec, entities.NormalizeTime(u.now()))
		})
		if err != nil {
			return u.retry(ctx, item, storageErr("apply remote winner", err).Error())
		}
		return out
	}

	if err := recordConflict(u.db.WithContext(ctx), rec, entities.NormalizeTime(u.now())); err != nil {
		u.logItem(item).Warn("record conflict: " + err.Error())
	}
	return u.forceResend(ctx, item)
}

// forceResend re-delivers a conflicting item with the force flag set.
func (u *Uploader) forceResend(ctx context.Context, item models.SyncQueueItem) Outcome {
	if u.exhausted(item) {
		out, _ := u.failExhausted(ctx, item)
		return out
	}
	if err := u.queue.IncrementAttempt(ctx, item.ID); err != nil {
		return u.retry(ctx, item, err.Error())
	}
	item.SyncAttempts++

	resp, err := u.push(ctx, []models.SyncQueueItem{item}, map[uint]bool{item.ID: true})
	var out Outcome
	if err != nil {
		out = outcomeFromErr(err)
	} else {
		out = outcomeFor(resp, item)
	}

	switch out.Kind {
	case OutcomeSuccess:
		if err := u.markSynced(ctx, item, out.Remote, "conflict: local version forced"); err != nil {
			return u.retry(ctx, item, err.Error())
		}
		return Outcome{Kind: OutcomeConflict, Remote: out.Remote, Reason: "local version forced"}
	case OutcomePermanent:
		return u.settle(ctx, item, out)
	default:
		if err := u.queue.SetForceOverride(ctx, []uint{item.ID}); err != nil {
			u.logItem(item).Error("set force override: " + err.Error())
		}
		return u.retry(ctx, item, out.Reason)
	}
}

func (u *Uploader) logItem(item models.SyncQueueItem) *logrus.Entry {
	return u.logger.WithFields(logrus.Fields{
		"field":       "Uploader",
		"table":       item.EntityTable,
		"natural_key": item.NaturalKey,
		"client_id":   item.ClientId,
		"attempt":     item.SyncAttempts,
	})
}
