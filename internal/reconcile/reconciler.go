package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/medtrail/medtrail/internal/alert"
	"github.com/medtrail/medtrail/internal/events"
	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/mirror"
)

// SummaryApplier routes a confirmed summary into the mirror. In a
// multi-replica deployment the consensus node implements this so every
// replica converges; single-node setups write the mirror directly.
type SummaryApplier interface {
	ApplySummary(summary *mirror.Summary) error
}

// Reconciler updates the mirror after a confirmed ledger write. The ledger
// write is the commit point: nothing here may fail the overall operation.
type Reconciler struct {
	store     mirror.Store
	applier   SummaryApplier
	publisher events.Publisher
	alerts    *alert.Manager
	logger    *slog.Logger
}

func New(store mirror.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger,
	}
}

// SetApplier routes summary updates through consensus instead of writing
// the local mirror directly.
func (r *Reconciler) SetApplier(applier SummaryApplier) {
	r.applier = applier
}

func (r *Reconciler) SetPublisher(p events.Publisher) {
	r.publisher = p
}

func (r *Reconciler) SetAlertManager(am *alert.Manager) {
	r.alerts = am
}

// NoteEvent is what downstream consumers receive for every confirmed write.
type NoteEvent struct {
	Event      string    `json:"event"`
	TrackingID string    `json:"tracking_id"`
	Status     string    `json:"status"`
	Note       string    `json:"note"`
	Author     string    `json:"author"`
	TxHash     string    `json:"tx_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// ShipmentCreated records a freshly confirmed shipment in the mirror.
func (r *Reconciler) ShipmentCreated(ctx context.Context, shipment *ledger.Shipment, receipt *ledger.Receipt) {
	summary := &mirror.Summary{
		TrackingID:  shipment.TrackingID,
		Medicine:    shipment.Medicine,
		Sender:      shipment.Sender,
		Receiver:    shipment.Receiver,
		Status:      string(ledger.StatusPending),
		LastTxHash:  receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		UpdatedAt:   time.Now(),
	}
	if receipt.Event != nil {
		summary.Status = string(receipt.Event.Status)
	}

	r.upsert(ctx, summary, receipt)
	r.publish(ctx, "shipment.created", receipt)
}

// NoteConfirmed folds a confirmed status note into the mirrored summary.
// The append only carries the new status, so the rest of the summary is
// merged from the existing record when there is one.
func (r *Reconciler) NoteConfirmed(ctx context.Context, trackingID string, receipt *ledger.Receipt) {
	summary := &mirror.Summary{TrackingID: trackingID}

	existing, err := r.store.ReadSummary(ctx, trackingID)
	if err == nil {
		*summary = *existing
	} else if !errors.Is(err, mirror.ErrNotFound) {
		r.logger.Warn("mirror read before reconcile failed", "tracking_id", trackingID, "error", err)
	}

	if receipt.Event != nil {
		summary.Status = string(receipt.Event.Status)
	}
	summary.LastTxHash = receipt.TxHash
	summary.BlockNumber = receipt.BlockNumber
	summary.UpdatedAt = time.Now()

	r.upsert(ctx, summary, receipt)
	r.publish(ctx, "shipment.note.appended", receipt)
}

func (r *Reconciler) upsert(ctx context.Context, summary *mirror.Summary, receipt *ledger.Receipt) {
	var err error
	if r.applier != nil {
		err = r.applier.ApplySummary(summary)
	} else {
		err = r.store.UpsertSummary(ctx, summary)
	}

	if err != nil {
		r.logger.Error("mirror reconciliation failed",
			"tracking_id", summary.TrackingID,
			"tx_hash", receipt.TxHash,
			"error", err,
		)
		if r.alerts != nil {
			_ = r.alerts.SendReconcileFailureAlert(summary.TrackingID, receipt.TxHash, err.Error())
		}
	}
}

func (r *Reconciler) publish(ctx context.Context, eventName string, receipt *ledger.Receipt) {
	if r.publisher == nil || receipt.Event == nil {
		return
	}

	event := &NoteEvent{
		Event:      eventName,
		TrackingID: receipt.Event.TrackingID,
		Status:     string(receipt.Event.Status),
		Note:       receipt.Event.Note,
		Author:     receipt.Event.Author,
		TxHash:     receipt.TxHash,
		Timestamp:  receipt.Event.Timestamp,
	}

	if err := r.publisher.Publish(ctx, event.TrackingID, event); err != nil {
		r.logger.Warn("event publish failed",
			"tracking_id", event.TrackingID,
			"tx_hash", receipt.TxHash,
			"error", err,
		)
	}
}

// ReadSummary serves the degraded path when the ledger is unreachable.
func (r *Reconciler) ReadSummary(ctx context.Context, trackingID string) (*mirror.Summary, error) {
	return r.store.ReadSummary(ctx, trackingID)
}
