package syncengine

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Lower priorities are served first.
const (
	PriorityPush = 0
	PriorityPull = 10
)

// Task is a batch waiting in the scheduler.
type Task struct {
	BatchId string
	Type    models.BatchTaskType
	Items   []models.SyncQueueItem

	priority int
	seq      uint64
	index    int
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// BatchCompleted is published after every processed batch.
type BatchCompleted struct {
	Task   models.BatchSyncTask
	Report *PullReport
	// Sent counts the push items that reached the network.
	Sent int
}

// Scheduler runs batches one at a time against one endpoint.
type Scheduler struct {
	db           *gorm.DB
	endpoint     string
	queue        *QueueStore
	registry     *entities.Registry
	uploader     *Uploader
	downloader   *Downloader
	maxBatchSize int
	limiter      *rate.Limiter
	logger       *logrus.Logger
	now          func() time.Time

	mu          sync.Mutex
	tasks       taskHeap
	seq         uint64
	subscribers []chan BatchCompleted

	force chan struct{}
}

func NewScheduler(db *gorm.DB, endpoint string, queue *QueueStore, uploader *Uploader, downloader *Downloader, maxBatchSize int, dispatchRate float64, logger *logrus.Logger) *Scheduler {
	limit := rate.Inf
	if dispatchRate > 0 {
		limit = rate.Limit(dispatchRate)
	}
	return &Scheduler{
		db:           db,
		endpoint:     endpoint,
		queue:        queue,
		registry:     queue.registry,
		uploader:     uploader,
		downloader:   downloader,
		maxBatchSize: maxBatchSize,
		limiter:      rate.NewLimiter(limit, 1),
		logger:       logger,
		now:          time.Now,
		force:        make(chan struct{}, 1),
	}
}

func (s *Scheduler) Enqueue(task *Task, priority int) {
	if task.BatchId == "" {
		task.BatchId = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	task.priority = priority
	task.seq = s.seq
	heap.Push(&s.tasks, task)
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks.Len()
}

func (s *Scheduler) pop() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.tasks).(*Task)
}

// PlanPush splits the eligible queue heads into push batches, parents first.
// It returns the number of batches enqueued.
func (s *Scheduler) PlanPush(ctx context.Context) (int, error) {
	items, err := s.queue.PullPending(ctx, 0)
	if err != nil || len(items) == 0 {
		return 0, err
	}

	rank := map[string]int{}
	if ordered, err := s.registry.Ordered(); err == nil {
		for i, a := range ordered {
			rank[a.Table()] = i
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return rank[items[i].EntityTable] < rank[items[j].EntityTable]
	})

	size := s.maxBatchSize
	if size <= 0 {
		size = len(items)
	}
	batches := 0
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		s.Enqueue(&Task{Type: models.BatchTaskPush, Items: items[start:end]}, PriorityPush)
		batches++
	}
	return batches, nil
}

func (s *Scheduler) PlanPull() {
	s.Enqueue(&Task{Type: models.BatchTaskPull}, PriorityPull)
}

// ProcessNext runs the highest priority task. It returns nil when the
// scheduler is empty.
func (s *Scheduler) ProcessNext(ctx context.Context) (*BatchCompleted, error) {
	task := s.pop()
	if task == nil {
		return nil, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	started := entities.NormalizeTime(s.now())
	row := models.BatchSyncTask{
		BatchId:   task.BatchId,
		Endpoint:  s.endpoint,
		TaskType:  task.Type,
		Status:    models.BatchTaskStatusInProgress,
		ItemCount: len(task.Items),
		StartedAt: &started,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, storageErr("record batch", err)
	}

	ev := BatchCompleted{}
	var batchErr error
	switch task.Type {
	case models.BatchTaskPush:
		res := s.uploader.PushBatch(ctx, task.Items)
		row.SuccessCount, row.FailureCount = res.SuccessCount, res.FailureCount
		ev.Sent = res.Sent
		batchErr = res.Err
	case models.BatchTaskPull:
		report, err := s.downloader.Pull(context.WithoutCancel(ctx))
		batchErr = err
		if report != nil {
			ev.Report = report
			row.ItemCount = len(report.Types)
			row.SuccessCount, row.FailureCount = report.Counts()
		}
		if err != nil && row.FailureCount == 0 {
			row.FailureCount = 1
		}
	default:
		batchErr = fmt.Errorf("unknown task type %q", task.Type)
		row.FailureCount = 1
	}

	completed := entities.NormalizeTime(s.now())
	row.CompletedAt = &completed
	row.Status = models.FinalBatchStatus(row.SuccessCount, row.FailureCount)
	if row.ItemCount == 0 && row.FailureCount == 0 {
		row.Status = models.BatchTaskStatusCompleted
	}
	if batchErr != nil {
		msg := batchErr.Error()
		row.ErrorDetail = &msg
	}
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Save(&row).Error; err != nil {
		s.logger.WithFields(logrus.Fields{"field": "BatchScheduler", "batch_id": row.BatchId}).Error("save batch: " + err.Error())
	}

	s.logger.WithFields(logrus.Fields{
		"field":    "BatchScheduler",
		"batch_id": row.BatchId,
		"type":     string(row.TaskType),
		"status":   string(row.Status),
		"items":    row.ItemCount,
		"success":  row.SuccessCount,
		"failure":  row.FailureCount,
	}).Info("batch completed")

	ev.Task = row
	s.publish(ev)
	return &ev, nil
}

// Drain processes tasks until the scheduler is empty or ctx is cancelled.
// Cancellation is honoured between batches only.
func (s *Scheduler) Drain(ctx context.Context) ([]BatchCompleted, error) {
	var done []BatchCompleted
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		ev, err := s.ProcessNext(ctx)
		if err != nil {
			return done, err
		}
		if ev == nil {
			return done, nil
		}
		done = append(done, *ev)
	}
}

// Clear drops tasks that were planned but not processed.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = nil
}

// Subscribe returns a channel of completed batches. Slow readers miss events.
func (s *Scheduler) Subscribe(buffer int) <-chan BatchCompleted {
	ch := make(chan BatchCompleted, buffer)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) publish(ev BatchCompleted) {
	s.mu.Lock()
	subs := append([]chan BatchCompleted(nil), s.subscribers...)
	s.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Force cuts the current Wait short once.
func (s *Scheduler) Force() {
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// Wait blocks for d, a Force call or ctx. It reports whether it was forced.
func (s *Scheduler) Wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-s.force:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.force:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// History lists the most recent batches of this endpoint.
func (s *Scheduler) History(ctx context.Context, limit int) ([]models.BatchSyncTask, error) {
	var rows []models.BatchSyncTask
	q := s.db.WithContext(ctx).Where("endpoint = ?", s.endpoint).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storageErr("batch history", err)
	}
	return rows, nil
}
