package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMaintenanceWorker(t *testing.T, store Store) *MaintenanceWorker {
	t.Helper()
	cfg := DefaultMaintenanceConfig()
	cfg.BoltPath = filepath.Join(t.TempDir(), "maintenance.db")
	w, err := NewMaintenanceWorker(store, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.bolt.Close() })
	return w
}

func TestMaintenanceWorker_ReclaimReleasesStaleLeasesAndCountsThem(t *testing.T) {
	store := newMemStore()
	store.leaseOwn["inst-1"] = "dead-owner"
	store.staleList = []*Instance{{ID: "inst-1", Status: InstanceRunning, LeaseOwner: "dead-owner"}}

	w := newTestMaintenanceWorker(t, store)
	w.runReclaim(context.Background())

	assert.Equal(t, int64(1), w.Counters().ReclaimedTotal)
	assert.False(t, w.Counters().LastReclaimAt.IsZero())
	_, stillOwned := store.leaseOwn["inst-1"]
	assert.False(t, stillOwned, "a reclaimed instance's lease must be released")

	reclaimed := store.instances["inst-1"]
	require.NotNil(t, reclaimed, "reclaim must persist the instance's new status, not just release its lease")
	assert.Equal(t, InstancePaused, reclaimed.Status)
	assert.Equal(t, PauseOwnerLost, reclaimed.PauseReason)
}

func TestMaintenanceWorker_ReclaimSkipsInstancesWithNoOwner(t *testing.T) {
	store := newMemStore()
	store.staleList = []*Instance{{ID: "inst-2", LeaseOwner: ""}}

	w := newTestMaintenanceWorker(t, store)
	w.runReclaim(context.Background())

	assert.Equal(t, int64(0), w.Counters().ReclaimedTotal)
}

func TestMaintenanceWorker_CountersPersistAcrossReopen(t *testing.T) {
	store := newMemStore()
	store.leaseOwn["inst-1"] = "dead-owner"
	store.staleList = []*Instance{{ID: "inst-1", Status: InstanceRunning, LeaseOwner: "dead-owner"}}

	dbPath := filepath.Join(t.TempDir(), "maintenance.db")
	cfg := DefaultMaintenanceConfig()
	cfg.BoltPath = dbPath

	w1, err := NewMaintenanceWorker(store, cfg, nil)
	require.NoError(t, err)
	w1.runReclaim(context.Background())
	assert.Equal(t, int64(1), w1.Counters().ReclaimedTotal)
	require.NoError(t, w1.bolt.Close())

	w2, err := NewMaintenanceWorker(store, cfg, nil)
	require.NoError(t, err)
	defer w2.bolt.Close()
	assert.Equal(t, int64(1), w2.Counters().ReclaimedTotal, "counters must survive a restart via the bbolt checkpoint")
}

func TestMaintenanceWorker_GCUpdatesLastGCAt(t *testing.T) {
	store := newMemStore()
	w := newTestMaintenanceWorker(t, store)

	assert.True(t, w.Counters().LastGCAt.IsZero())
	w.runGC(context.Background())
	assert.False(t, w.Counters().LastGCAt.IsZero())
}
