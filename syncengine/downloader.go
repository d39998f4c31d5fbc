package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
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

// TypeReport is the pull outcome of one entity type.
type TypeReport struct {
	Entity    string    `json:"entity"`
	Pages     int       `json:"pages"`
	Applied   int       `json:"applied"`
	Skipped   int       `json:"skipped"`
	Conflicts int       `json:"conflicts"`
	Since     time.Time `json:"since"`
	Watermark time.Time `json:"watermark"`
	Error     string    `json:"error,omitempty"`
}

func (r TypeReport) Failed() bool {
	return r.Error != ""
}

type PullReport struct {
	Types []TypeReport `json:"types"`
}

func (r PullReport) Counts() (succeeded, failed int) {
	for _, t := range r.Types {
		if t.Failed() {
			failed++
		} else {
			succeeded++
		}
	}
	return succeeded, failed
}

// Downloader merges remote changes into the local store by natural key.
type Downloader struct {
	db             *gorm.DB
	registry       *entities.Registry
	store          *entities.LocalStore
	queue          *QueueStore
	watermarks     *WatermarkStore
	remote         Remote
	strategy       Strategy
	pageSize       int
	requestTimeout time.Duration
	logger         *logrus.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

func NewDownloader(db *gorm.DB, store *entities.LocalStore, queue *QueueStore, watermarks *WatermarkStore, remote Remote, strategy Strategy, pageSize int, requestTimeout time.Duration, logger *logrus.Logger) *Downloader {
	return &Downloader{
		db:             db,
		registry:       store.Registry(),
		store:          store,
		queue:          queue,
		watermarks:     watermarks,
		remote:         remote,
		strategy:       strategy,
		pageSize:       pageSize,
		requestTimeout: requestTimeout,
		logger:         logger,
		tracer:         otel.Tracer("github.com/mmdatafocus/maintsync/syncengine"),
		now:            time.Now,
	}
}

// Pull fetches every registered entity type in dependency order. A type whose
// dependency failed in this cycle is not pulled and keeps its watermark.
func (d *Downloader) Pull(ctx context.Context) (*PullReport, error) {
	ordered, err := d.registry.Ordered()
	if err != nil {
		return nil, err
	}
	ctx, span := d.tracer.Start(ctx, "syncengine.Pull", trace.WithAttributes(attribute.Int("sync.types", len(ordered))))
	defer span.End()

	report := &PullReport{}
	failed := map[string]bool{}
	for _, adapter := range ordered {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		table := adapter.Table()
		var blocked string
		for _, dep := range adapter.Dependencies() {
			if failed[dep] {
				blocked = dep
				break
			}
		}
		if blocked != "" {
			failed[table] = true
			report.Types = append(report.Types, TypeReport{Entity: table, Error: "skipped: dependency " + blocked + " failed"})
			continue
		}

		tr := d.PullEntity(ctx, table)
		if tr.Failed() {
			failed[table] = true
		}
		report.Types = append(report.Types, tr)
	}
	return report, nil
}

// PullEntity pulls one type from its watermark and advances the watermark to
// the server timestamp of the first page once every page is merged.
func (d *Downloader) PullEntity(ctx context.Context, table string) TypeReport {
	tr := TypeReport{Entity: table}
	log := d.logger.WithFields(logrus.Fields{"field": "Downloader", "entity": table})

	since, err := d.watermarks.Get(ctx, table)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	tr.Since = since

	var (
		serverTimestamp time.Time
		cursor          string
	)
	for {
		page, err := d.fetch(ctx, table, since, cursor)
		if err != nil {
			tr.Error = err.Error()
			log.Warn("pull failed: " + err.Error())
			return tr
		}
		if tr.Pages == 0 {
			serverTimestamp = page.ServerTimestamp
		}
		tr.Pages++

		if err := d.mergePage(ctx, table, page.Records, &tr); err != nil {
			tr.Error = err.Error()
			log.Error("merge pulled records: " + err.Error())
			return tr
		}
		if page.NextCursor == "" || len(page.Records) == 0 {
			break
		}
		cursor = page.NextCursor
	}

	err = d.watermarks.Advance(ctx, table, serverTimestamp)
	switch {
	case errors.Is(err, ErrWatermarkRegression):
		log.Warn(err.Error())
		tr.Watermark = since
	case err != nil:
		tr.Error = err.Error()
		return tr
	default:
		tr.Watermark = entities.NormalizeTime(serverTimestamp)
	}

	if tr.Applied > 0 || tr.Conflicts > 0 {
		log.WithFields(logrus.Fields{
			"applied":   tr.Applied,
			"skipped":   tr.Skipped,
			"conflicts": tr.Conflicts,
			"pages":     tr.Pages,
		}).Info("pulled remote changes")
	}
	return tr
}

func (d *Downloader) fetch(ctx context.Context, table string, since time.Time, cursor string) (*entities.PullResponse, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.requestTimeout)
	defer cancel()
	page, err := d.remote.Pull(callCtx, table, since, cursor, d.pageSize)
	if err != nil {
		return nil, err
	}
	if page.Entity != "" && page.Entity != table {
		return nil, &RemoteValidationError{Message: fmt.Sprintf("asked for %s, got %s", table, page.Entity)}
	}
	return page, nil
}

// mergePage applies one page in a single local transaction.
func (d *Downloader) mergePage(ctx context.Context, table string, records []entities.Snapshot, tr *TypeReport) error {
	var applied, skipped, conflicts int
	err := d.db.WithContext(utils.SetSyncApplyInContext(ctx)).Transaction(func(tx *gorm.DB) error {
		applied, skipped, conflicts = 0, 0, 0
		for _, rec := range records {
			if rec.Table == "" {
				rec.Table = table
			}
			if rec.Table != table {
				return fmt.Errorf("record of %s in %s page", rec.Table, table)
			}
			outcome, err := d.mergeRecord(tx, rec)
			if err != nil {
				return fmt.Errorf("%s %q: %w", table, rec.NaturalKey, err)
			}
			switch outcome {
			case mergeApplied:
				applied++
			case mergeSkipped:
				skipped++
			case mergeConflictLocal:
				conflicts++
				skipped++
			case mergeConflictRemote:
				conflicts++
				applied++
			}
		}
		return nil
	})
	if err != nil {
		return storageErr("merge page", err)
	}
	tr.Applied += applied
	tr.Skipped += skipped
	tr.Conflicts += conflicts
	return nil
}

type mergeOutcome int

const (
	mergeApplied mergeOutcome = iota
	mergeSkipped
	mergeConflictLocal
	mergeConflictRemote
)

func (d *Downloader) mergeRecord(tx *gorm.DB, rec entities.Snapshot) (mergeOutcome, error) {
	local, err := d.store.ReadTx(tx, rec.Table, rec.NaturalKey)
	if err != nil {
		return 0, err
	}
	if local != nil {
		if rec.Version < local.Version {
			return mergeSkipped, nil
		}
		if rec.Version == local.Version && entities.NormalizeTime(rec.ModifiedAt).Equal(local.ModifiedAt) {
			return mergeSkipped, nil
		}
	}

	pending, err := d.queue.PendingForKeyTx(tx, rec.Table, rec.NaturalKey)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		if _, err := d.store.WriteTx(tx, rec); err != nil {
			return 0, err
		}
		return mergeApplied, nil
	}

	// Local edits already based on this version are not in conflict with it.
	head, last := pending[0], pending[len(pending)-1]
	if rec.Version <= head.BaseVersion {
		return mergeSkipped, nil
	}
	// A record equal to a queued payload is an unacknowledged write of ours.
	// Replaying that item settles it.
	if echoesPending(rec, pending) {
		return mergeSkipped, nil
	}

	localSide := Version{ModifiedAt: last.ModifiedAt, Version: head.BaseVersion, Data: []byte(last.Payload)}
	remoteSide := Version{ModifiedAt: rec.ModifiedAt, Version: rec.Version, Data: rec.Data}
	winner := Resolve(localSide, remoteSide, d.strategy)
	err = recordConflict(tx, conflictRecord{
		Table:      rec.Table,
		NaturalKey: rec.NaturalKey,
		ClientId:   head.ClientId,
		Source:     ConflictSourcePull,
		Strategy:   d.strategy,
		Winner:     winner,
		Local:      localSide,
		Remote:     remoteSide,
	}, entities.NormalizeTime(d.now()))
	if err != nil {
		return 0, err
	}

	if winner == WinnerLocal {
		ids := make([]uint, len(pending))
		for i, p := range pending {
			ids[i] = p.ID
		}
		return mergeConflictLocal, d.queue.SetForceOverrideTx(tx, ids)
	}

	if _, err := d.store.WriteTx(tx, rec); err != nil {
		return 0, err
	}
	note := fmt.Sprintf("superseded by remote version %d", rec.Version)
	if _, err := d.queue.DiscardPendingTx(tx, rec.Table, rec.NaturalKey, note); err != nil {
		return 0, err
	}
	return mergeConflictRemote, nil
}

func echoesPending(rec entities.Snapshot, pending []models.SyncQueueItem) bool {
	var remote any
	if err := json.Unmarshal(rec.Data, &remote); err != nil {
		return false
	}
	for _, p := range pending {
		if (p.Operation == models.SyncOperationDelete) != rec.Deleted {
			continue
		}
		var local any
		if err := json.Unmarshal([]byte(p.Payload), &local); err != nil {
			continue
		}
		if reflect.DeepEqual(remote, local) {
			return true
		}
	}
	return false
}
