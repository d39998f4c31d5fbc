package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/maintsync/config"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/mmdatafocus/maintsync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type State string

const (
	StateStopped State = "stopped"
	StateIdle    State = "idle"
	StateProbing State = "probing"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
)

// maxPushRounds bounds how many plan/drain rounds one cycle runs. Each round
// advances every entity by one queued mutation.
const maxPushRounds = 100

const minLoopPause = 100 * time.Millisecond

var ErrOffline = errors.New("remote endpoint is offline")

// SyncHealth is the operator view of one endpoint.
type SyncHealth struct {
	Endpoint           string     `json:"endpoint"`
	State              State      `json:"state"`
	Online             bool       `json:"online"`
	LastSuccessfulSync *time.Time `json:"last_successful_sync"`
	LastContactAt      *time.Time `json:"last_contact_at"`
	LastError          *string    `json:"last_error,omitempty"`
	PendingCount       int64      `json:"pending_count"`
	InProgressCount    int64      `json:"in_progress_count"`
	FailedCount        int64      `json:"failed_count"`
	Watermark          *time.Time `json:"watermark"`
}

// CycleReport summarizes one reconciliation cycle.
type CycleReport struct {
	StartedAt time.Time        `json:"started_at"`
	Online    bool             `json:"online"`
	Batches   []BatchCompleted `json:"-"`
	Pushed    int              `json:"pushed"`
	Failed    int              `json:"failed"`
	Pull      *PullReport      `json:"pull,omitempty"`
	Complete  bool             `json:"complete"`
}

// Engine is the reconciliation loop of one remote endpoint.
type Engine struct {
	cfg      config.SyncConfig
	db       *gorm.DB
	registry *entities.Registry
	remote   Remote
	logger   *logrus.Logger
	now      func() time.Time
	rand     func() float64
	deviceId string

	store      *entities.LocalStore
	queue      *QueueStore
	watermarks *WatermarkStore
	states     *EndpointStateStore
	monitor    *Monitor
	uploader   *Uploader
	downloader *Downloader
	scheduler  *Scheduler

	cycleMu sync.Mutex

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Engine)

// WithRemote replaces the HTTP client built from SyncConfig.RemoteURL.
func WithRemote(r Remote) Option {
	return func(e *Engine) { e.remote = r }
}

func WithRegistry(r *entities.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRand sets the jitter source of the retry backoff.
func WithRand(r func() float64) Option {
	return func(e *Engine) { e.rand = r }
}

func WithDeviceId(id string) Option {
	return func(e *Engine) { e.deviceId = id }
}

func New(db *gorm.DB, cfg config.SyncConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy, err := ParseStrategy(cfg.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		db:     db,
		logger: config.GetLogger(),
		now:    time.Now,
		state:  StateStopped,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = entities.DefaultRegistry()
	}
	if _, err := e.registry.Ordered(); err != nil {
		return nil, err
	}
	if e.deviceId == "" {
		e.deviceId = uuid.NewString()
	}
	if e.remote == nil {
		client, err := NewRemoteClient(cfg.RemoteURL, cfg.APIToken, e.deviceId, &http.Client{})
		if err != nil {
			return nil, err
		}
		e.remote = client
	}

	backoff := NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter)
	if e.rand != nil {
		backoff.Rand = e.rand
	}

	e.store = entities.NewLocalStore(db, e.registry)
	e.queue = NewQueueStore(db, e.registry)
	e.queue.now = e.now
	e.watermarks = NewWatermarkStore(db, cfg.EndpointName)
	e.states = NewEndpointStateStore(db, cfg.EndpointName)
	e.states.now = e.now
	e.monitor = NewMonitor(e.remote, cfg.ProbeTimeout, e.logger)
	e.monitor.now = e.now
	e.uploader = NewUploader(db, e.queue, e.store, e.remote, backoff, strategy, cfg.MaxRetryAttempts, cfg.RequestTimeout, e.logger)
	e.uploader.now = e.now
	e.downloader = NewDownloader(db, e.store, e.queue, e.watermarks, e.remote, strategy, cfg.PullPageSize, cfg.RequestTimeout, e.logger)
	e.downloader.now = e.now
	e.scheduler = NewScheduler(db, cfg.EndpointName, e.queue, e.uploader, e.downloader, cfg.MaxBatchSize, cfg.DispatchRate, e.logger)
	e.scheduler.now = e.now
	return e, nil
}

func (e *Engine) Queue() *QueueStore {
	return e.queue
}

func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

func (e *Engine) LocalStore() *entities.LocalStore {
	return e.store
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) log() *logrus.Entry {
	return e.logger.WithFields(logrus.Fields{"field": "SyncEngine", "endpoint": e.cfg.EndpointName})
}

// Start recovers items left in flight by a previous process and launches the
// background loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrEngineRunning
	}
	e.running = true
	e.mu.Unlock()

	recovered, err := e.queue.RecoverInFlight(ctx)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}
	if recovered > 0 {
		e.log().WithField("items", recovered).Info("returned in-flight sync items to pending")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = StateIdle
	done := e.done
	e.mu.Unlock()

	go e.loop(loopCtx, done)
	return nil
}

// Stop ends the loop after the current batch and waits for it, or for ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	e.running = false
	e.state = StateStopped
	e.mu.Unlock()
	return nil
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		e.runGuarded(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := e.cfg.CheckInterval
		if e.monitor.Online() {
			wait = e.cfg.MinInterval
		}
		if wait < minLoopPause {
			wait = minLoopPause
		}
		e.scheduler.Wait(ctx, wait)
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *Engine) runGuarded(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.setState(StateIdle)
			err := fmt.Errorf("sync cycle panicked: %v", r)
			e.log().Error(err.Error())
			_ = e.states.RecordCycle(context.WithoutCancel(ctx), e.now(), err)
		}
	}()
	if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrOffline) && !errors.Is(err, context.Canceled) {
		e.log().Warn("sync cycle: " + err.Error())
	}
}

// RunCycle runs Probing, Pushing and Pulling once. Concurrent calls are
// serialized.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	defer e.setState(StateIdle)

	ctx = utils.SetCorrelationIdInContext(ctx, uuid.NewString())
	report := &CycleReport{StartedAt: entities.NormalizeTime(e.now()), Complete: true}

	e.setState(StateProbing)
	probe := e.monitor.Probe(ctx)
	if err := e.states.RecordProbe(context.WithoutCancel(ctx), probe); err != nil {
		e.log().Warn(err.Error())
	}
	report.Online = probe.Online
	if !probe.Online {
		return report, ErrOffline
	}

	e.setState(StatePushing)
	cycleErr := e.push(ctx, report)

	if cycleErr == nil && ctx.Err() == nil && config.SyncPullEnabled() {
		e.setState(StatePulling)
		e.scheduler.PlanPull()
		batches, err := e.scheduler.Drain(ctx)
		e.collect(report, batches)
		if err != nil {
			cycleErr = err
		}
	}
	e.scheduler.Clear()

	if cycleErr == nil && !report.Complete {
		cycleErr = errors.New("sync cycle finished with failed batches")
	}
	if ctx.Err() != nil && cycleErr == nil {
		cycleErr = ctx.Err()
	}
	if cycleErr == nil {
		e.prune(ctx)
	}
	if err := e.states.RecordCycle(context.WithoutCancel(ctx), report.StartedAt, cycleErr); err != nil {
		e.log().Warn(err.Error())
	}
	return report, cycleErr
}

// push drains the queue round by round until nothing is eligible or a batch
// fails outright. Items failed locally after max attempts do not stop it.
func (e *Engine) push(ctx context.Context, report *CycleReport) error {
	for round := 0; round < maxPushRounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := e.scheduler.PlanPush(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		batches, err := e.scheduler.Drain(ctx)
		e.collect(report, batches)
		if err != nil {
			return err
		}
		for _, b := range batches {
			if b.Task.Status == models.BatchTaskStatusFailed && b.Sent > 0 {
				return nil
			}
		}
	}
	return nil
}

func (e *Engine) collect(report *CycleReport, batches []BatchCompleted) {
	for _, b := range batches {
		report.Batches = append(report.Batches, b)
		if b.Task.Status != models.BatchTaskStatusCompleted {
			report.Complete = false
		}
		if b.Task.TaskType == models.BatchTaskPush {
			report.Pushed += b.Task.SuccessCount
			report.Failed += b.Task.FailureCount
		}
		if b.Report != nil {
			report.Pull = b.Report
		}
	}
}

func (e *Engine) prune(ctx context.Context) {
	if e.cfg.Retention <= 0 {
		return
	}
	cutoff := e.now().Add(-e.cfg.Retention)
	if n, err := e.queue.PruneSynced(ctx, cutoff); err != nil {
		e.log().Warn("prune sync queue: " + err.Error())
	} else if n > 0 {
		e.log().WithField("items", n).Info("pruned terminal sync items")
	}
	if _, err := pruneConflicts(e.db.WithContext(ctx), cutoff); err != nil {
		e.log().Warn("prune conflict log: " + err.Error())
	}
}

// OnLocalMutation queues a committed local write. Prefer OnLocalMutationTx so
// the write and its queue item commit together. Writes made by the engine
// itself (see utils.IsSyncApply) are not queued and return a nil item.
func (e *Engine) OnLocalMutation(ctx context.Context, table, localId string, op models.SyncOperation, snap entities.Snapshot) (*models.SyncQueueItem, error) {
	if utils.IsSyncApply(ctx) {
		return nil, nil
	}
	return e.queue.Enqueue(ctx, table, localId, op, snap)
}

func (e *Engine) OnLocalMutationTx(tx *gorm.DB, table, localId string, op models.SyncOperation, snap entities.Snapshot) (*models.SyncQueueItem, error) {
	if tx.Statement != nil && tx.Statement.Context != nil && utils.IsSyncApply(tx.Statement.Context) {
		return nil, nil
	}
	return e.queue.EnqueueTx(tx, table, localId, op, snap)
}

// ForceSyncNow ends the current idle wait. A batch in flight is not interrupted.
func (e *Engine) ForceSyncNow() {
	e.scheduler.Force()
}

func (e *Engine) GetSyncHealth(ctx context.Context) (*SyncHealth, error) {
	h := &SyncHealth{Endpoint: e.cfg.EndpointName, State: e.State()}
	var err error
	if h.PendingCount, err = e.queue.CountByStatus(ctx, models.SyncQueueStatusPending); err != nil {
		return nil, err
	}
	if h.InProgressCount, err = e.queue.CountByStatus(ctx, models.SyncQueueStatusInProgress); err != nil {
		return nil, err
	}
	if h.FailedCount, err = e.queue.CountByStatus(ctx, models.SyncQueueStatusFailed); err != nil {
		return nil, err
	}

	st, err := e.states.Get(ctx)
	if err != nil {
		return nil, err
	}
	h.Online = st.Online
	h.LastSuccessfulSync = st.LastSuccessfulSyncAt
	h.LastContactAt = st.LastContactAt
	h.LastError = st.LastError

	marks, err := e.watermarks.All(ctx)
	if err != nil {
		return nil, err
	}
	if len(marks) == len(e.registry.Tables()) {
		var lowest time.Time
		for _, m := range marks {
			if lowest.IsZero() || m.Before(lowest) {
				lowest = m
			}
		}
		h.Watermark = &lowest
	}
	return h, nil
}
