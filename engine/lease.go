package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"eve.evalgo.org/engineerr"
)

// LeaseStore is the subset of db.Store the Lease Manager needs. Kept as a
// narrow interface here (rather than importing the db package directly) so
// engine has no dependency on the persistence layer's own dependencies;
// db.PostgresStore satisfies this interface without any adapter.
type LeaseStore interface {
	AcquireLease(ctx context.Context, instanceID, ownerID string, ttl time.Duration) (*Lease, error)
	RenewLease(ctx context.Context, instanceID, ownerID string, ttl time.Duration) (*Lease, error)
	ReleaseLease(ctx context.Context, instanceID, ownerID string) error
}

// LeaseManager acquires, heartbeats, and releases instance leases (§4.4).
// Ownership of an instance is never assumed: every driving goroutine holds
// a context that is cancelled the moment a heartbeat discovers the lease
// was lost to a conflicting owner or expired before renewal landed.
type LeaseManager struct {
	store             LeaseStore
	ownerID           string
	ttl               time.Duration
	heartbeatInterval time.Duration
	log               logrus.FieldLogger
}

// NewLeaseManager builds a LeaseManager identified by ownerID (typically
// "<hostname>-<pid>" or a generated engine instance id). heartbeatInterval
// should be well under ttl so a transient renewal delay does not itself
// cause a false ownership loss (§4.4: "heartbeat interval is a fraction of
// the lease TTL, never the same order of magnitude").
func NewLeaseManager(store LeaseStore, ownerID string, ttl, heartbeatInterval time.Duration, log logrus.FieldLogger) *LeaseManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LeaseManager{store: store, ownerID: ownerID, ttl: ttl, heartbeatInterval: heartbeatInterval, log: log}
}

// Acquire takes ownership of instanceID. Returns a ConflictError if another
// owner currently holds a live lease.
func (lm *LeaseManager) Acquire(ctx context.Context, instanceID string) (*Lease, error) {
	lease, err := lm.store.AcquireLease(ctx, instanceID, lm.ownerID, lm.ttl)
	if err != nil {
		return nil, err
	}
	lm.log.WithFields(logrus.Fields{"instanceId": instanceID, "owner": lm.ownerID}).Debug("lease acquired")
	return lease, nil
}

// Hold acquires instanceID and starts a background heartbeat that renews
// the lease every heartbeatInterval. The returned context is derived from
// parent and is cancelled either when parent is cancelled or the heartbeat
// loop discovers the lease is no longer held; the caller must treat context
// cancellation here the same as a hard stop signal, since continuing to
// mutate the instance after losing the lease risks racing the engine
// instance that reclaimed it.
func (lm *LeaseManager) Hold(parent context.Context, instanceID string) (context.Context, error) {
	if _, err := lm.Acquire(parent, instanceID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	go lm.heartbeatLoop(ctx, cancel, instanceID)
	return ctx, nil
}

func (lm *LeaseManager) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, instanceID string) {
	ticker := time.NewTicker(lm.heartbeatInterval)
	defer ticker.Stop()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, renewCancel := context.WithTimeout(context.Background(), lm.heartbeatInterval)
			_, err := lm.store.RenewLease(renewCtx, instanceID, lm.ownerID, lm.ttl)
			renewCancel()
			if err != nil {
				lm.log.WithFields(logrus.Fields{"instanceId": instanceID, "owner": lm.ownerID, "error": err}).
					Warn("lease renewal failed, releasing ownership")
				return
			}
		}
	}
}

// Release gives up instanceID's lease. Safe to call even if the lease was
// already lost to another owner (the CAS in ReleaseLease becomes a no-op).
func (lm *LeaseManager) Release(ctx context.Context, instanceID string) error {
	if err := lm.store.ReleaseLease(ctx, instanceID, lm.ownerID); err != nil {
		return engineerr.WrapConflict(err, "failed to release lease on %q", instanceID)
	}
	lm.log.WithFields(logrus.Fields{"instanceId": instanceID, "owner": lm.ownerID}).Debug("lease released")
	return nil
}
