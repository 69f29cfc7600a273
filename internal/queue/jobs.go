package queue

import (
	"context"
	"time"
)

// Jobs builds the service's task kinds on top of a Queue.
type Jobs struct {
	Queue Queue
}

func NewJobs(q Queue) *Jobs { return &Jobs{Queue: q} }

// EnqueueSync queues a single-vehicle sync on the long queue. It reports false
// when a sync is already pending for the vehicle.
func (j *Jobs) EnqueueSync(ctx context.Context, vehicleID string) (bool, error) {
	return j.Queue.Enqueue(ctx, Task{
		Kind:  KindSyncVehicle,
		Queue: QueueLong,
		Key:   "sync-" + vehicleID,
		Args:  map[string]string{"vehicle": vehicleID},
	})
}

// EnqueueDraftRepair queues draft repair ticket creation for an asset. It
// reports false when a job with the same asset and diagnostic prefix is
// already pending.
func (j *Jobs) EnqueueDraftRepair(ctx context.Context, assetID, logID, diagnostic string, failedAt time.Time) (bool, error) {
	return j.Queue.Enqueue(ctx, Task{
		Kind:  KindCreateDraftRepair,
		Queue: QueueTraccar,
		Key:   RepairKey(assetID, diagnostic),
		Args: map[string]string{
			"asset":      assetID,
			"log":        logID,
			"diagnostic": diagnostic,
			"failed_at":  failedAt.UTC().Format(time.RFC3339),
		},
	})
}

// RepairKey is <asset>-<first 25 characters of the diagnostic>.
func RepairKey(assetID, diagnostic string) string {
	r := []rune(diagnostic)
	if len(r) > 25 {
		r = r[:25]
	}
	return assetID + "-" + string(r)
}
