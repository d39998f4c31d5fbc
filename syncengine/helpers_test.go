package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/maintsync/config"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/mmdatafocus/maintsync/syncserver"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T, migrate func(*gorm.DB) error) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := config.OpenDatabase(config.DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newLocalDB(t *testing.T) *gorm.DB {
	return openTestDB(t, models.MigrateLocal)
}

// testRemote is a real syncserver behind httptest. It can be switched offline
// and told to drop push responses after applying them.
type testRemote struct {
	server  *syncserver.Server
	db      *gorm.DB
	http    *httptest.Server
	offline atomic.Bool
	badPush atomic.Int32
	drops   atomic.Int32
	pushes  atomic.Int32
}

func newTestRemote(t *testing.T) *testRemote {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rm := &testRemote{db: openTestDB(t, models.MigrateRemote)}
	rm.server = syncserver.New(rm.db, entities.DefaultRegistry(), syncserver.WithSettleWindow(0))

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if rm.offline.Load() {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		if c.Request.URL.Path != "/sync/push" {
			return
		}
		rm.pushes.Add(1)
		if rm.badPush.Load() > 0 {
			rm.badPush.Add(-1)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if rm.drops.Load() > 0 {
			rm.drops.Add(-1)
			c.Writer = &droppedWriter{ResponseWriter: c.Writer}
		}
	})
	rm.server.RegisterRoutes(r)
	rm.http = httptest.NewServer(r)
	t.Cleanup(rm.http.Close)
	return rm
}

// droppedWriter lets the handler run to completion but replaces its response
// with a 502, as a proxy losing the upstream reply would.
type droppedWriter struct {
	gin.ResponseWriter
	wrote bool
}

func (w *droppedWriter) WriteHeader(int) {
	if !w.wrote {
		w.wrote = true
		w.ResponseWriter.WriteHeader(http.StatusBadGateway)
	}
}

func (w *droppedWriter) WriteHeaderNow() {
	w.WriteHeader(http.StatusBadGateway)
}

func (w *droppedWriter) Write(b []byte) (int, error) {
	w.WriteHeader(http.StatusBadGateway)
	return len(b), nil
}

func (w *droppedWriter) WriteString(s string) (int, error) {
	w.WriteHeader(http.StatusBadGateway)
	return len(s), nil
}

// apply writes directly on the canonical store, as another client would.
func (rm *testRemote) apply(t *testing.T, table string, op models.SyncOperation, payload any, base int) entities.PushResult {
	t.Helper()
	res := rm.server.Apply(context.Background(), entities.PushEntry{
		Table:       table,
		Operation:   op,
		Payload:     mustJSON(t, payload),
		ClientId:    uuid.NewString(),
		BaseVersion: base,
	})
	require.Equal(t, entities.PushStatusOK, res.Status, res.Message)
	return res
}

type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

func testSyncConfig(remoteURL string) config.SyncConfig {
	cfg := config.DefaultSyncConfig()
	cfg.RemoteURL = remoteURL
	cfg.EndpointName = "test-remote"
	cfg.MinInterval = 0
	cfg.DispatchRate = 0
	cfg.MaxBatchSize = 20
	return cfg
}

func newTestEngine(t *testing.T, db *gorm.DB, rm *testRemote, mutate func(*config.SyncConfig), opts ...Option) *Engine {
	t.Helper()
	cfg := testSyncConfig(rm.http.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithRand(func() float64 { return 0.5 })}, opts...)
	e, err := New(db, cfg, opts...)
	require.NoError(t, err)
	return e
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

// localWrite performs a local CRUD write and queues it in the same
// transaction, the way the foreground data layer does.
func localWrite(t *testing.T, e *Engine, table string, op models.SyncOperation, payload any, at time.Time) *models.SyncQueueItem {
	t.Helper()
	data := mustJSON(t, payload)
	adapter, err := e.registry.Adapter(table)
	require.NoError(t, err)
	key, err := adapter.NaturalKey(data)
	require.NoError(t, err)

	var item *models.SyncQueueItem
	err = e.db.Transaction(func(tx *gorm.DB) error {
		current, err := e.store.ReadTx(tx, table, key)
		if err != nil {
			return err
		}
		snap := entities.Snapshot{Table: table, NaturalKey: key, ModifiedAt: at, Data: data, Deleted: op == models.SyncOperationDelete}
		if current != nil {
			snap.Version = current.Version
		}
		if _, err := e.store.WriteTx(tx, snap); err != nil {
			return err
		}
		item, err = e.OnLocalMutationTx(tx, table, key, op, snap)
		return err
	})
	require.NoError(t, err)
	return item
}

func queueItem(t *testing.T, db *gorm.DB, id uint) models.SyncQueueItem {
	t.Helper()
	var item models.SyncQueueItem
	require.NoError(t, db.First(&item, id).Error)
	return item
}
