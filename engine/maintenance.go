package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var bucketMaintenanceCursor = []byte("maintenance_cursor")
var bucketMaintenanceCounters = []byte("maintenance_counters")

// MaintenanceConfig bounds the Maintenance Worker's periodic tasks (§4.8):
// reclaiming instances whose lease has gone stale, and a GC tick that
// records its time. The worker does not delete events past RetentionDays
// and does not compact terminal instances' ContextData.
type MaintenanceConfig struct {
	ReclaimCronExpr   string        // e.g. "*/10 * * * * *" (every 10s, seconds precision)
	GCCronExpr        string        // e.g. "0 0 * * * *" (hourly)
	StaleAfter        time.Duration // an instance's lease is considered abandoned once its heartbeat is this old
	RetentionDays     int
	ReclaimBatchSize  int
	BoltPath          string
}

// DefaultMaintenanceConfig returns sane defaults for a single-tenant
// deployment.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		ReclaimCronExpr:  "*/10 * * * * *",
		GCCronExpr:       "0 0 * * * *",
		StaleAfter:       2 * time.Minute,
		RetentionDays:    30,
		ReclaimBatchSize: 50,
		BoltPath:         "maintenance.db",
	}
}

// maintenanceCounters are the Maintenance Worker's aggregate counters,
// checkpointed to bbolt so a restart does not reset them. EventsPrunedTotal
// is never incremented, since the worker deletes no events.
type maintenanceCounters struct {
	ReclaimedTotal   int64     `json:"reclaimedTotal"`
	EventsPrunedTotal int64    `json:"eventsPrunedTotal"`
	LastReclaimAt    time.Time `json:"lastReclaimAt"`
	LastGCAt         time.Time `json:"lastGCAt"`
}

// MaintenanceWorker runs the periodic upkeep tasks of §4.8 against a Store,
// reclaiming instances abandoned by a crashed owner; its GC job only records
// a timestamp and prunes no events. Scheduling is driven by robfig/cron/v3
// rather than a hand-rolled ticker, and its counters are checkpointed to an
// embedded bbolt database so a restart does not reset them. The cursor
// bucket is created but nothing is written to it, so each reclaim sweep
// scans from the start.
type MaintenanceWorker struct {
	store  Store
	cron   *cron.Cron
	bolt   *bolt.DB
	cfg    MaintenanceConfig
	log    logrus.FieldLogger

	mu        sync.Mutex
	counters  maintenanceCounters
}

// NewMaintenanceWorker opens (or creates) the checkpoint database at
// cfg.BoltPath and returns a worker ready for Start.
func NewMaintenanceWorker(store Store, cfg MaintenanceConfig, log logrus.FieldLogger) (*MaintenanceWorker, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.ReclaimBatchSize <= 0 {
		cfg.ReclaimBatchSize = 50
	}

	db, err := bolt.Open(cfg.BoltPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open maintenance checkpoint database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMaintenanceCursor); err != nil {
			return fmt.Errorf("failed to create cursor bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMaintenanceCounters); err != nil {
			return fmt.Errorf("failed to create counters bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	w := &MaintenanceWorker{
		store: store,
		cron:  cron.New(cron.WithSeconds()),
		bolt:  db,
		cfg:   cfg,
		log:   log,
	}
	w.loadCounters()
	return w, nil
}

// Start registers the reclaim and GC jobs and begins the cron scheduler.
func (w *MaintenanceWorker) Start() error {
	if _, err := w.cron.AddFunc(w.cfg.ReclaimCronExpr, func() {
		w.runReclaim(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to register reclaim schedule: %w", err)
	}
	if _, err := w.cron.AddFunc(w.cfg.GCCronExpr, func() {
		w.runGC(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to register gc schedule: %w", err)
	}
	w.cron.Start()
	w.log.Info("maintenance worker started")
	return nil
}

// Stop drains any in-flight job and closes the checkpoint database.
func (w *MaintenanceWorker) Stop(ctx context.Context) error {
	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		w.log.Warn("maintenance worker stop timed out waiting for in-flight job")
	}
	return w.bolt.Close()
}

// runReclaim finds instances whose lease has not been renewed within
// StaleAfter and clears ownership so a live engine process can re-acquire
// them on its next Run attempt (§4.4 step 4, §4.8).
func (w *MaintenanceWorker) runReclaim(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.StaleAfter)
	stale, err := w.store.ListStaleInstances(ctx, cutoff, w.cfg.ReclaimBatchSize)
	if err != nil {
		w.log.WithError(err).Warn("maintenance: failed to list stale instances")
		return
	}

	reclaimed := 0
	for _, inst := range stale {
		if inst.LeaseOwner == "" {
			continue
		}
		if err := w.store.ReleaseLease(ctx, inst.ID, inst.LeaseOwner); err != nil {
			w.log.WithError(err).WithField("instanceId", inst.ID).Warn("maintenance: failed to release stale lease")
			continue
		}

		// Move the instance to paused/ownerLost so it is both out of the
		// running state its dead owner left it in and acquirable again by
		// whichever process next calls Resume (§4.4 step 4).
		previousOwner := inst.LeaseOwner
		inst.PauseReason = PauseOwnerLost
		if err := Transition(inst, InstancePaused); err != nil {
			w.log.WithError(err).WithField("instanceId", inst.ID).Warn("maintenance: could not transition reclaimed instance to paused")
			continue
		}
		inst.UpdatedAt = time.Now().UTC()
		if err := w.store.UpdateInstanceStatus(ctx, inst); err != nil {
			w.log.WithError(err).WithField("instanceId", inst.ID).Warn("maintenance: failed to persist paused/ownerLost status")
			continue
		}

		reclaimed++
		w.log.WithFields(logrus.Fields{"instanceId": inst.ID, "previousOwner": previousOwner}).
			Info("maintenance: reclaimed stale instance lease")
	}

	w.mu.Lock()
	w.counters.ReclaimedTotal += int64(reclaimed)
	w.counters.LastReclaimAt = time.Now().UTC()
	w.mu.Unlock()
	w.saveCounters()

	if reclaimed > 0 {
		w.log.WithField("count", reclaimed).Info("maintenance: reclaim sweep complete")
	}
}

// runGC records the GC tick in LastGCAt and logs RetentionDays. It deletes
// no events: the worker's Store interface has no event-deletion method, and
// nothing else in the module removes engine_events rows.
func (w *MaintenanceWorker) runGC(ctx context.Context) {
	w.mu.Lock()
	w.counters.LastGCAt = time.Now().UTC()
	w.mu.Unlock()
	w.saveCounters()
	w.log.WithField("retentionDays", w.cfg.RetentionDays).Debug("maintenance: gc tick")
}

// Counters returns a snapshot of the aggregate counters §4.8 asks the
// Maintenance Worker to expose.
func (w *MaintenanceWorker) Counters() maintenanceCounters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters
}

func (w *MaintenanceWorker) loadCounters() {
	_ = w.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMaintenanceCounters)
		data := b.Get([]byte("counters"))
		if data == nil {
			return nil
		}
		w.mu.Lock()
		defer w.mu.Unlock()
		return json.Unmarshal(data, &w.counters)
	})
}

func (w *MaintenanceWorker) saveCounters() {
	w.mu.Lock()
	data, err := json.Marshal(w.counters)
	w.mu.Unlock()
	if err != nil {
		w.log.WithError(err).Warn("maintenance: failed to marshal counters")
		return
	}
	err = w.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMaintenanceCounters).Put([]byte("counters"), data)
	})
	if err != nil {
		w.log.WithError(err).Warn("maintenance: failed to persist counters")
	}
}
