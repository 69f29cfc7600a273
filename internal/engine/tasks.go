package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"fleetsync/internal/model"
	"fleetsync/internal/queue"
	"fleetsync/internal/store"
	"fleetsync/internal/traccar"
)

// Register installs the engine's task handlers on a worker.
func (e *Engine) Register(w *queue.Worker) {
	w.Handle(queue.KindSyncVehicle, e.HandleSync)
	w.Handle(queue.KindCreateDraftRepair, e.HandleDraftRepair)
}

// HandleSync runs a queued cadence sync. Remote failures are left for the next
// scheduled run instead of being retried by the queue.
func (e *Engine) HandleSync(ctx context.Context, t queue.Task) error {
	id := t.Args["vehicle"]
	if id == "" {
		return fmt.Errorf("%w: missing vehicle", queue.ErrInvalidTask)
	}
	_, err := e.SyncOne(ctx, id)
	var remote *traccar.RemoteServiceError
	if errors.As(err, &remote) || errors.Is(err, store.ErrNotFound) {
		e.Log.WithError(err).WithField("vehicle", id).Warn("queued sync failed")
		return nil
	}
	return err
}

// HandleDraftRepair creates a draft repair ticket copying company and cost
// center from the asset.
func (e *Engine) HandleDraftRepair(ctx context.Context, t queue.Task) error {
	entry := e.Log.WithFields(log.Fields{"asset": t.Args["asset"], "log": t.Args["log"]})
	asset, err := e.Store.GetAsset(ctx, t.Args["asset"])
	if errors.Is(err, store.ErrNotFound) {
		entry.Warn("asset gone; dropping repair task")
		return nil
	}
	if err != nil {
		return err
	}
	diag := t.Args["diagnostic"]
	exists, err := e.Store.RepairTicketExists(ctx, asset.ID, diag)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	failed, err := time.Parse(time.RFC3339, t.Args["failed_at"])
	if err != nil {
		failed = e.Now().UTC()
	}
	ticket, err := e.Store.CreateRepairTicket(ctx, model.RepairTicket{
		AssetID:     asset.ID,
		Status:      "draft",
		FailureDate: failed,
		Description: diag,
		Company:     asset.Company,
		CostCenter:  asset.CostCenter,
	})
	if err != nil {
		return err
	}
	entry.WithField("ticket", ticket.ID).Info("draft repair ticket created")
	return nil
}
