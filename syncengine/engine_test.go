package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/mmdatafocus/maintsync/config"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/mmdatafocus/maintsync/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func remoteSite(t *testing.T, rm *testRemote, name string) models.Site {
	t.Helper()
	var site models.Site
	require.NoError(t, rm.db.Unscoped().Where("name = ?", name).First(&site).Error)
	return site
}

func localSnapshot(t *testing.T, e *Engine, table, key string) *entities.Snapshot {
	t.Helper()
	snap, err := e.store.ReadLocalEntity(context.Background(), table, key)
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap
}

func conflictLogs(t *testing.T, e *Engine) []models.ConflictLog {
	t.Helper()
	var rows []models.ConflictLog
	require.NoError(t, e.db.Order("id ASC").Find(&rows).Error)
	return rows
}

func TestOfflineBurstIsDeliveredInOrderAfterReconnect(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)
	ctx := context.Background()

	rm.offline.Store(true)
	var clientIds []string
	base := time.Now().Add(-time.Hour)
	for s := 0; s < 5; s++ {
		name := fmt.Sprintf("Site %d", s)
		for m := 0; m < 10; m++ {
			op := models.SyncOperationUpdate
			if m == 0 {
				op = models.SyncOperationInsert
			}
			at := base.Add(time.Duration(s*10+m) * time.Second)
			item := localWrite(t, e, entities.TableSites, op, entities.SitePayload{Name: name, Address: fmt.Sprintf("rev %d", m)}, at)
			clientIds = append(clientIds, item.ClientId)
		}
	}

	_, err := e.RunCycle(ctx)
	require.ErrorIs(t, err, ErrOffline)
	pending, err := e.queue.CountByStatus(ctx, models.SyncQueueStatusPending)
	require.NoError(t, err)
	assert.EqualValues(t, 50, pending)
	assert.Zero(t, rm.pushes.Load())

	rm.offline.Store(false)
	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 50, report.Pushed)
	assert.Zero(t, report.Failed)
	assert.EqualValues(t, 10, rm.pushes.Load(), "one push per queued revision of each site")

	var succeeded int64
	require.NoError(t, rm.db.Model(&models.SyncIdempotencyKey{}).
		Where("client_id IN ? AND status = ?", clientIds, models.IdempotencyStatusSucceeded).
		Count(&succeeded).Error)
	assert.EqualValues(t, 50, succeeded)

	for s := 0; s < 5; s++ {
		name := fmt.Sprintf("Site %d", s)
		site := remoteSite(t, rm, name)
		assert.Equal(t, 10, site.Version)
		assert.Equal(t, "rev 9", site.Address)

		local := localSnapshot(t, e, entities.TableSites, entities.JoinKey(name))
		assert.Equal(t, 10, local.Version)
	}

	health, err := e.GetSyncHealth(ctx)
	require.NoError(t, err)
	assert.Zero(t, health.PendingCount)
	assert.Zero(t, health.InProgressCount)
	assert.Zero(t, health.FailedCount)
	assert.True(t, health.Online)
	assert.NotNil(t, health.LastSuccessfulSync)
	assert.NotNil(t, health.Watermark)
	assert.Nil(t, health.LastError)
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)
	ctx := context.Background()

	bad := localWrite(t, e, entities.TableSites, models.SyncOperationInsert,
		entities.SitePayload{Name: "Moon Base", Timezone: "Mars/Olympus"}, time.Now())
	good := localWrite(t, e, entities.TableSites, models.SyncOperationInsert,
		entities.SitePayload{Name: "Earth Base"}, time.Now())

	report, err := e.RunCycle(ctx)
	require.Error(t, err)
	assert.False(t, report.Complete)
	assert.Equal(t, 1, report.Pushed)
	assert.Equal(t, 1, report.Failed)

	failed := queueItem(t, e.db, bad.ID)
	assert.Equal(t, models.SyncQueueStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.SyncAttempts)
	require.NotNil(t, failed.ErrorDetail)
	assert.Contains(t, *failed.ErrorDetail, entities.CodeValidation)
	assert.Equal(t, models.SyncQueueStatusSynced, queueItem(t, e.db, good.ID).Status)

	pushes := rm.pushes.Load()
	_, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, pushes, rm.pushes.Load())
	assert.Equal(t, 1, queueItem(t, e.db, bad.ID).SyncAttempts)

	health, err := e.GetSyncHealth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, health.FailedCount)
}

func TestRejectedRequestFailsWholeBatch(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)

	a := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "A"}, time.Now())
	b := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "B"}, time.Now())

	rm.badPush.Store(1)
	_, err := e.RunCycle(context.Background())
	require.Error(t, err)

	for _, id := range []uint{a.ID, b.ID} {
		item := queueItem(t, e.db, id)
		assert.Equal(t, models.SyncQueueStatusFailed, item.Status)
		assert.Equal(t, 1, item.SyncAttempts)
	}

	rows, err := e.scheduler.History(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	var push *models.BatchSyncTask
	for i := range rows {
		if rows[i].TaskType == models.BatchTaskPush {
			push = &rows[i]
		}
	}
	require.NotNil(t, push)
	assert.Equal(t, models.BatchTaskStatusFailed, push.Status)
	assert.Equal(t, 2, push.FailureCount)
}

func TestPullAppliesRemoteRenameWithoutDuplicating(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)
	ctx := context.Background()

	rm.apply(t, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S"}, 0)
	rm.apply(t, entities.TableMachines, models.SyncOperationInsert, entities.MachinePayload{Site: "S", Number: "1", Name: "Press"}, 0)

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, report.Pull)
	key := entities.JoinKey("S", "1")
	assert.Equal(t, 1, localSnapshot(t, e, entities.TableMachines, key).Version)

	rm.apply(t, entities.TableMachines, models.SyncOperationUpdate, entities.MachinePayload{Site: "S", Number: "1", Name: "Press 2"}, 1)

	_, err = e.RunCycle(ctx)
	require.NoError(t, err)

	local := localSnapshot(t, e, entities.TableMachines, key)
	assert.Equal(t, 2, local.Version)
	assert.JSONEq(t, `{"site":"S","number":"1","name":"Press 2"}`, string(local.Data))

	var machines int64
	require.NoError(t, e.db.Model(&models.Machine{}).Count(&machines).Error)
	assert.EqualValues(t, 1, machines)
	pending, err := e.queue.CountByStatus(ctx, models.SyncQueueStatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending, "pulled records are not queued back")
}

func TestLostResponseIsReplayedIdempotently(t *testing.T) {
	rm := newTestRemote(t)
	clock := &testClock{}
	e := newTestEngine(t, newLocalDB(t), rm, nil, WithClock(clock.Now))
	ctx := context.Background()

	item := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S"}, clock.Now())

	rm.drops.Store(1)
	_, err := e.RunCycle(ctx)
	require.Error(t, err)
	waiting := queueItem(t, e.db, item.ID)
	assert.Equal(t, models.SyncQueueStatusPending, waiting.Status)
	assert.Equal(t, 1, waiting.SyncAttempts)
	require.NotNil(t, waiting.NextAttemptAt)

	// The pulled copy of our own write does not discard the queued item.
	assert.Empty(t, conflictLogs(t, e))

	_, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rm.pushes.Load(), "not eligible before the backoff elapses")

	clock.Advance(3 * time.Second)
	_, err = e.RunCycle(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rm.pushes.Load())

	synced := queueItem(t, e.db, item.ID)
	assert.Equal(t, models.SyncQueueStatusSynced, synced.Status)
	assert.Equal(t, 2, synced.SyncAttempts)

	var sites int64
	require.NoError(t, rm.db.Model(&models.Site{}).Count(&sites).Error)
	assert.EqualValues(t, 1, sites)
	assert.Equal(t, 1, remoteSite(t, rm, "S").Version)
	assert.Equal(t, 1, localSnapshot(t, e, entities.TableSites, entities.JoinKey("S")).Version)
}

func TestPushConflictServerWins(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)

	rm.apply(t, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S", Address: "remote"}, 0)
	item := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S", Address: "local"}, time.Now())
	later := localWrite(t, e, entities.TableSites, models.SyncOperationUpdate, entities.SitePayload{Name: "S", Address: "local 2"}, time.Now())

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)

	local := localSnapshot(t, e, entities.TableSites, entities.JoinKey("S"))
	assert.Equal(t, 1, local.Version)
	assert.JSONEq(t, `{"name":"S","address":"remote"}`, string(local.Data))
	assert.Equal(t, "remote", remoteSite(t, rm, "S").Address)

	settled := queueItem(t, e.db, item.ID)
	assert.Equal(t, models.SyncQueueStatusSynced, settled.Status)
	require.NotNil(t, settled.ErrorDetail)
	assert.Equal(t, "conflict: remote version kept", *settled.ErrorDetail)
	assert.Equal(t, models.SyncQueueStatusSynced, queueItem(t, e.db, later.ID).Status)
	assert.EqualValues(t, 1, rm.pushes.Load())

	logs := conflictLogs(t, e)
	require.Len(t, logs, 1)
	assert.Equal(t, string(WinnerRemote), logs[0].Winner)
	assert.Equal(t, ConflictSourcePush, logs[0].Source)
}

func TestPushConflictClientWinsForcesLocalVersion(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, func(c *config.SyncConfig) {
		c.ConflictStrategy = config.ConflictClientWins
	})

	rm.apply(t, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S", Address: "remote"}, 0)
	item := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S", Address: "local"}, time.Now())

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pushed)

	site := remoteSite(t, rm, "S")
	assert.Equal(t, "local", site.Address)
	assert.Equal(t, 2, site.Version)

	settled := queueItem(t, e.db, item.ID)
	assert.Equal(t, models.SyncQueueStatusSynced, settled.Status)
	assert.Equal(t, 2, settled.SyncAttempts)
	assert.Equal(t, 2, localSnapshot(t, e, entities.TableSites, entities.JoinKey("S")).Version)

	logs := conflictLogs(t, e)
	require.Len(t, logs, 1)
	assert.Equal(t, string(WinnerLocal), logs[0].Winner)
}

func TestPushConflictNewestWins(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, func(c *config.SyncConfig) {
		c.ConflictStrategy = config.ConflictNewestWins
	})

	rm.apply(t, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "Old", Address: "remote"}, 0)
	rm.apply(t, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "New", Address: "remote"}, 0)
	localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "Old", Address: "local"}, time.Now().Add(-time.Hour))
	localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "New", Address: "local"}, time.Now().Add(time.Hour))

	_, err := e.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "remote", remoteSite(t, rm, "Old").Address)
	assert.Equal(t, "local", remoteSite(t, rm, "New").Address)
	assert.JSONEq(t, `{"name":"Old","address":"remote"}`, string(localSnapshot(t, e, entities.TableSites, entities.JoinKey("Old")).Data))
	assert.JSONEq(t, `{"name":"New","address":"local"}`, string(localSnapshot(t, e, entities.TableSites, entities.JoinKey("New")).Data))

	winners := map[string]string{}
	for _, l := range conflictLogs(t, e) {
		winners[l.NaturalKey] = l.Winner
	}
	assert.Equal(t, map[string]string{"Old": string(WinnerRemote), "New": string(WinnerLocal)}, winners)
}

func TestPullConflictDiscardsPendingEditUnderServerWins(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)
	ctx := context.Background()

	localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S"}, time.Now())
	_, err := e.RunCycle(ctx)
	require.NoError(t, err)

	rm.apply(t, entities.TableSites, models.SyncOperationUpdate, entities.SitePayload{Name: "S", Address: "remote"}, 1)
	edit := localWrite(t, e, entities.TableSites, models.SyncOperationUpdate, entities.SitePayload{Name: "S", Address: "local"}, time.Now())
	assert.Equal(t, 1, edit.BaseVersion)
	require.NoError(t, e.queue.ScheduleRetry(ctx, edit.ID, time.Hour, "held back"))

	report, err := e.RunCycle(ctx)
	require.NoError(t, err)
	require.NotNil(t, report.Pull)

	local := localSnapshot(t, e, entities.TableSites, entities.JoinKey("S"))
	assert.Equal(t, 2, local.Version)
	assert.JSONEq(t, `{"name":"S","address":"remote"}`, string(local.Data))

	discarded := queueItem(t, e.db, edit.ID)
	assert.Equal(t, models.SyncQueueStatusSynced, discarded.Status)
	require.NotNil(t, discarded.ErrorDetail)
	assert.Equal(t, "superseded by remote version 2", *discarded.ErrorDetail)

	logs := conflictLogs(t, e)
	require.Len(t, logs, 1)
	assert.Equal(t, ConflictSourcePull, logs[0].Source)
	assert.Equal(t, string(WinnerRemote), logs[0].Winner)
}

func TestStartRecoversInFlightItemsAndStops(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)
	ctx := context.Background()

	item := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S"}, time.Now())
	require.NoError(t, e.queue.MarkInProgress(ctx, []uint{item.ID}))
	assert.Equal(t, StateStopped, e.State())

	require.NoError(t, e.Start(ctx))
	assert.ErrorIs(t, e.Start(ctx), ErrEngineRunning)

	require.Eventually(t, func() bool {
		got, err := e.queue.Get(ctx, item.ID)
		return err == nil && got.Status == models.SyncQueueStatusSynced
	}, 5*time.Second, 20*time.Millisecond)

	e.ForceSyncNow()
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(stopCtx))
	assert.Equal(t, StateStopped, e.State())
	require.NoError(t, e.Stop(stopCtx))

	health, err := e.GetSyncHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, health.State)
	assert.NotNil(t, health.LastSuccessfulSync)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testSyncConfig("http://localhost")
	cfg.MaxBatchSize = 0
	_, err := New(newLocalDB(t), cfg)
	assert.Error(t, err)

	cfg = testSyncConfig("http://localhost")
	cfg.ConflictStrategy = "last_write"
	_, err = New(newLocalDB(t), cfg)
	assert.Error(t, err)
}

func TestEngineWritesAreNotQueuedBack(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)
	ctx := utils.SetSyncApplyInContext(context.Background())
	snap := entities.Snapshot{Data: mustJSON(t, entities.SitePayload{Name: "S"})}

	item, err := e.OnLocalMutation(ctx, entities.TableSites, "S", models.SyncOperationInsert, snap)
	require.NoError(t, err)
	assert.Nil(t, item)

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err = e.OnLocalMutationTx(tx, entities.TableSites, "S", models.SyncOperationInsert, snap)
		return err
	})
	require.NoError(t, err)
	assert.Nil(t, item)

	pending, err := e.queue.CountByStatus(context.Background(), models.SyncQueueStatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func setAttempts(t *testing.T, e *Engine, id uint, n int) {
	t.Helper()
	require.NoError(t, e.db.Model(&models.SyncQueueItem{}).Where("id = ?", id).Update("sync_attempts", n).Error)
}

func TestExhaustedItemFailsWithoutNetworkCall(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)

	item := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S"}, time.Now())
	setAttempts(t, e, item.ID, e.cfg.MaxRetryAttempts)

	report, err := e.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, report.Failed)

	failed := queueItem(t, e.db, item.ID)
	assert.Equal(t, models.SyncQueueStatusFailed, failed.Status)
	assert.Equal(t, e.cfg.MaxRetryAttempts, failed.SyncAttempts)
	require.NotNil(t, failed.ErrorDetail)
	assert.Contains(t, *failed.ErrorDetail, "max sync attempts exceeded")
	assert.Zero(t, rm.pushes.Load())
}

func TestRepeatedTransientFailuresReachTheAttemptCap(t *testing.T) {
	rm := newTestRemote(t)
	clock := &testClock{}
	e := newTestEngine(t, newLocalDB(t), rm, func(c *config.SyncConfig) {
		c.MaxRetryAttempts = 3
	}, WithClock(clock.Now))

	item := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S"}, clock.Now())
	rm.drops.Store(100)

	for i := 0; i < 3; i++ {
		_, _ = e.RunCycle(context.Background())
		waiting := queueItem(t, e.db, item.ID)
		assert.Equal(t, models.SyncQueueStatusPending, waiting.Status)
		assert.Equal(t, i+1, waiting.SyncAttempts)
		clock.Advance(time.Minute)
	}
	assert.EqualValues(t, 3, rm.pushes.Load())

	_, _ = e.RunCycle(context.Background())
	failed := queueItem(t, e.db, item.ID)
	assert.Equal(t, models.SyncQueueStatusFailed, failed.Status)
	assert.Equal(t, 3, failed.SyncAttempts)
	assert.EqualValues(t, 3, rm.pushes.Load(), "no request once attempts are used up")
}

func TestExhaustedHeadDoesNotStallItsSuccessors(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)
	ctx := context.Background()

	rm.apply(t, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S", Address: "remote"}, 0)
	_, err := e.RunCycle(ctx)
	require.NoError(t, err)

	first := localWrite(t, e, entities.TableSites, models.SyncOperationUpdate, entities.SitePayload{Name: "S", Address: "first"}, time.Now())
	second := localWrite(t, e, entities.TableSites, models.SyncOperationUpdate, entities.SitePayload{Name: "S", Address: "second"}, time.Now())
	setAttempts(t, e, first.ID, e.cfg.MaxRetryAttempts)

	_, _ = e.RunCycle(ctx)

	assert.Equal(t, models.SyncQueueStatusFailed, queueItem(t, e.db, first.ID).Status)
	assert.Equal(t, models.SyncQueueStatusSynced, queueItem(t, e.db, second.ID).Status)
	assert.EqualValues(t, 1, rm.pushes.Load())
	site := remoteSite(t, rm, "S")
	assert.Equal(t, "second", site.Address)
	assert.Equal(t, 2, site.Version)
}

func TestClientWinsResendRespectsAttemptCap(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, func(c *config.SyncConfig) {
		c.ConflictStrategy = config.ConflictClientWins
		c.MaxRetryAttempts = 2
	})

	rm.apply(t, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S", Address: "remote"}, 0)
	item := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S", Address: "local"}, time.Now())
	setAttempts(t, e, item.ID, 1)

	_, _ = e.RunCycle(context.Background())

	failed := queueItem(t, e.db, item.ID)
	assert.Equal(t, models.SyncQueueStatusFailed, failed.Status)
	assert.Equal(t, 2, failed.SyncAttempts)
	require.NotNil(t, failed.ErrorDetail)
	assert.Contains(t, *failed.ErrorDetail, "max sync attempts exceeded")
	assert.EqualValues(t, 1, rm.pushes.Load(), "the forced re-send is not sent")
	assert.Equal(t, "remote", remoteSite(t, rm, "S").Address)
	assert.Len(t, conflictLogs(t, e), 1)
}

// rewrittenRemote alters push results before the engine sees them.
type rewrittenRemote struct {
	Remote
	rewrite func([]entities.PushResult)
}

func (r *rewrittenRemote) Push(ctx context.Context, req entities.PushRequest) (*entities.PushResponse, error) {
	resp, err := r.Remote.Push(ctx, req)
	if err == nil {
		r.rewrite(resp.Results)
	}
	return resp, err
}

func newRewrittenEngine(t *testing.T, rm *testRemote, rewrite func([]entities.PushResult)) *Engine {
	t.Helper()
	client, err := NewRemoteClient(rm.http.URL, "", "test-device", &http.Client{})
	require.NoError(t, err)
	return newTestEngine(t, newLocalDB(t), rm, nil, WithRemote(&rewrittenRemote{Remote: client, rewrite: rewrite}))
}

func TestPushResultsAreMatchedByClientId(t *testing.T) {
	rm := newTestRemote(t)
	e := newRewrittenEngine(t, rm, func(results []entities.PushResult) {
		for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
			results[i], results[j] = results[j], results[i]
		}
	})

	bad := localWrite(t, e, entities.TableSites, models.SyncOperationInsert,
		entities.SitePayload{Name: "Moon Base", Timezone: "Mars/Olympus"}, time.Now())
	good := localWrite(t, e, entities.TableSites, models.SyncOperationInsert,
		entities.SitePayload{Name: "Earth Base"}, time.Now())

	_, _ = e.RunCycle(context.Background())

	assert.EqualValues(t, 1, rm.pushes.Load())
	assert.Equal(t, models.SyncQueueStatusFailed, queueItem(t, e.db, bad.ID).Status)
	assert.Equal(t, models.SyncQueueStatusSynced, queueItem(t, e.db, good.ID).Status)
}

func TestPushResultWithUnknownClientIdIsRetried(t *testing.T) {
	rm := newTestRemote(t)
	e := newRewrittenEngine(t, rm, func(results []entities.PushResult) {
		for i := range results {
			results[i].ClientId = "someone-else"
		}
	})

	item := localWrite(t, e, entities.TableSites, models.SyncOperationInsert, entities.SitePayload{Name: "S"}, time.Now())

	_, err := e.RunCycle(context.Background())
	require.Error(t, err)

	waiting := queueItem(t, e.db, item.ID)
	assert.Equal(t, models.SyncQueueStatusPending, waiting.Status)
	assert.Equal(t, 1, waiting.SyncAttempts)
	require.NotNil(t, waiting.NextAttemptAt)
	require.NotNil(t, waiting.ErrorDetail)
	assert.Contains(t, *waiting.ErrorDetail, "no result for client id")
}

func TestInactiveUserSurvivesPushAndPull(t *testing.T) {
	rm := newTestRemote(t)
	e := newTestEngine(t, newLocalDB(t), rm, nil)
	ctx := context.Background()

	localWrite(t, e, entities.TableUsers, models.SyncOperationInsert, entities.UserPayload{Username: "bob"}, time.Now())
	rm.apply(t, entities.TableUsers, models.SyncOperationInsert, entities.UserPayload{Username: "carol"}, 0)

	_, err := e.RunCycle(ctx)
	require.NoError(t, err)

	for _, name := range []string{"bob", "carol"} {
		var remote models.User
		require.NoError(t, rm.db.Where("username_hash = ?", entities.UsernameKey(name)).First(&remote).Error)
		assert.False(t, remote.IsActive, name)

		var p entities.UserPayload
		local := localSnapshot(t, e, entities.TableUsers, entities.UsernameKey(name))
		require.NoError(t, json.Unmarshal(local.Data, &p))
		assert.False(t, p.IsActive, name)
	}
}
