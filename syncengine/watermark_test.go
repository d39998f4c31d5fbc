package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/maintsync/config"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermarkNeverMovesBackward(t *testing.T) {
	db := newLocalDB(t)
	ws := NewWatermarkStore(db, "remote-a")
	ctx := context.Background()

	zero, err := ws.Get(ctx, entities.TableSites)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	t1 := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
	t2 := t1.Add(time.Hour)
	require.NoError(t, ws.Advance(ctx, entities.TableSites, t1))
	require.NoError(t, ws.Advance(ctx, entities.TableSites, t2))
	require.NoError(t, ws.Advance(ctx, entities.TableSites, t2))
	assert.ErrorIs(t, ws.Advance(ctx, entities.TableSites, t1), ErrWatermarkRegression)

	got, err := ws.Get(ctx, entities.TableSites)
	require.NoError(t, err)
	assert.Equal(t, entities.NormalizeTime(t2), got)

	// Endpoints are independent.
	other := NewWatermarkStore(db, "remote-b")
	require.NoError(t, other.Advance(ctx, entities.TableSites, t1))
	all, err := ws.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{entities.TableSites: entities.NormalizeTime(t2)}, all)
}

// scriptedRemote serves canned pull pages and counts requests per entity.
type scriptedRemote struct {
	Remote
	pages    map[string][]entities.PullResponse
	failures map[string]error
	calls    map[string]int
	sinces   map[string][]time.Time
}

func (r *scriptedRemote) Pull(_ context.Context, entity string, since time.Time, cursor string, limit int) (*entities.PullResponse, error) {
	if r.calls == nil {
		r.calls = map[string]int{}
		r.sinces = map[string][]time.Time{}
	}
	r.sinces[entity] = append(r.sinces[entity], since)
	if err := r.failures[entity]; err != nil {
		return nil, err
	}
	pages := r.pages[entity]
	i := r.calls[entity]
	r.calls[entity]++
	if i >= len(pages) {
		return &entities.PullResponse{Entity: entity, ServerTimestamp: time.Now().UTC()}, nil
	}
	page := pages[i]
	return &page, nil
}

func newScriptedDownloader(t *testing.T, remote Remote) (*Downloader, *WatermarkStore) {
	t.Helper()
	db := newLocalDB(t)
	reg := entities.DefaultRegistry()
	ws := NewWatermarkStore(db, "scripted")
	d := NewDownloader(db, entities.NewLocalStore(db, reg), NewQueueStore(db, reg), ws, remote, StrategyServerWins, 100, time.Second, config.GetLogger())
	return d, ws
}

func TestWatermarkIsMonotonicAcrossSkewedAndFailedPulls(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	remote := &scriptedRemote{pages: map[string][]entities.PullResponse{
		entities.TableSites: {
			{Entity: entities.TableSites, ServerTimestamp: base},
			// Server clock stepped back between cycles.
			{Entity: entities.TableSites, ServerTimestamp: base.Add(-time.Minute)},
			{Entity: entities.TableSites, ServerTimestamp: base.Add(time.Minute)},
		},
	}}
	d, ws := newScriptedDownloader(t, remote)
	ctx := context.Background()

	var history []time.Time
	for cycle := 0; cycle < 3; cycle++ {
		if cycle == 1 {
			remote.failures = map[string]error{entities.TableMachines: transientErr("reset by peer")}
		} else {
			remote.failures = nil
		}
		report, err := d.Pull(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, report.Types)
		wm, err := ws.Get(ctx, entities.TableSites)
		require.NoError(t, err)
		history = append(history, wm)
	}

	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Before(history[i-1]), "cycle %d went backwards", i)
	}
	assert.Equal(t, base, history[0])
	assert.Equal(t, base, history[1])
	assert.Equal(t, base.Add(time.Minute), history[2])
	// The regression was ignored, so the next request resumed from base.
	assert.Equal(t, base, remote.sinces[entities.TableSites][2])
}

func TestFailedTypeSkipsDependentsAndKeepsWatermark(t *testing.T) {
	remote := &scriptedRemote{failures: map[string]error{entities.TableMachines: transientErr("timeout")}}
	d, ws := newScriptedDownloader(t, remote)
	ctx := context.Background()

	report, err := d.Pull(ctx)
	require.NoError(t, err)

	byEntity := map[string]TypeReport{}
	for _, tr := range report.Types {
		byEntity[tr.Entity] = tr
	}
	assert.False(t, byEntity[entities.TableSites].Failed())
	assert.False(t, byEntity[entities.TableUsers].Failed())
	assert.True(t, byEntity[entities.TableMachines].Failed())
	assert.Contains(t, byEntity[entities.TableParts].Error, "dependency machines")
	assert.Contains(t, byEntity[entities.TableMaintenanceRecords].Error, "dependency machines")
	assert.Zero(t, remote.calls[entities.TableParts])

	succeeded, failed := report.Counts()
	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 3, failed)

	wm, err := ws.Get(ctx, entities.TableMachines)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())
	wm, err = ws.Get(ctx, entities.TableSites)
	require.NoError(t, err)
	assert.False(t, wm.IsZero())
}

func TestPullFollowsCursorAcrossPages(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	site := func(name string) entities.Snapshot {
		return entities.Snapshot{
			Table:      entities.TableSites,
			NaturalKey: entities.JoinKey(name),
			Version:    1,
			ModifiedAt: ts.Add(-time.Hour),
			Data:       mustJSON(t, entities.SitePayload{Name: name}),
		}
	}
	remote := &scriptedRemote{pages: map[string][]entities.PullResponse{
		entities.TableSites: {
			{Entity: entities.TableSites, ServerTimestamp: ts, Records: []entities.Snapshot{site("A"), site("B")}, NextCursor: "c1"},
			{Entity: entities.TableSites, ServerTimestamp: ts.Add(time.Second), Records: []entities.Snapshot{site("C")}},
		},
	}}
	d, ws := newScriptedDownloader(t, remote)
	ctx := context.Background()

	tr := d.PullEntity(ctx, entities.TableSites)
	require.False(t, tr.Failed(), tr.Error)
	assert.Equal(t, 2, tr.Pages)
	assert.Equal(t, 3, tr.Applied)

	// The first page's timestamp is the watermark.
	wm, err := ws.Get(ctx, entities.TableSites)
	require.NoError(t, err)
	assert.Equal(t, ts, wm)

	for _, name := range []string{"A", "B", "C"} {
		snap, err := d.store.ReadLocalEntity(ctx, entities.TableSites, name)
		require.NoError(t, err)
		require.NotNil(t, snap, name)
		assert.Equal(t, 1, snap.Version)
	}
}
