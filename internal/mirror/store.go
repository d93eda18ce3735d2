package mirror

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound means the mirror has no record for the tracking id. The
// mirror is best-effort, so absence is an expected condition, not a fault.
var ErrNotFound = errors.New("summary not found in mirror")

// Summary is the denormalized, non-authoritative copy of a shipment's
// state. If it disagrees with the ledger, the ledger wins.
type Summary struct {
	TrackingID  string    `json:"tracking_id"`
	Medicine    string    `json:"medicine"`
	Sender      string    `json:"sender"`
	Receiver    string    `json:"receiver"`
	Status      string    `json:"status"`
	LastTxHash  string    `json:"last_tx_hash"`
	UpdatedAt   time.Time `json:"updated_at"`
	BlockNumber uint64    `json:"block_number"`
}

type Store interface {
	UpsertSummary(ctx context.Context, summary *Summary) error
	ReadSummary(ctx context.Context, trackingID string) (*Summary, error)
	Close() error
}
