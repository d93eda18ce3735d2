package ledger

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusInTransit Status = "InTransit"
	StatusDelivered Status = "Delivered"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInTransit, StatusDelivered:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status: %s", s)
}

// Shipment is the summary state the ledger derives from a shipment's note
// sequence. Status always mirrors the most recently appended note.
type Shipment struct {
	TrackingID string `json:"tracking_id"`
	Medicine   string `json:"medicine"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	Status     Status `json:"status"`
	LastTxHash string `json:"last_tx_hash"`
}

// Note is one confirmed status update. Notes are append-only; the ledger
// assigns the timestamp from block time.
type Note struct {
	Status    Status    `json:"status"`
	Note      string    `json:"note"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	TxHash    string    `json:"tx_hash"`
}

// Call is the encoded intent of one ledger write.
type Call struct {
	Method string   `json:"method"`
	Args   []string `json:"args"`
}

type Transaction struct {
	From         string `json:"from"`
	Sequence     uint64 `json:"sequence"`
	GasPrice     uint64 `json:"gas_price"`
	Call         Call   `json:"call"`
	SubmissionID string `json:"submission_id"`
}

type SignedTransaction struct {
	Transaction Transaction `json:"transaction"`
	PublicKey   string      `json:"public_key"`
	Signature   string      `json:"signature"`
}

// NoteEvent is the structured event the ledger emits when an append or
// create transaction confirms.
type NoteEvent struct {
	TrackingID string    `json:"tracking_id"`
	Status     Status    `json:"status"`
	Note       string    `json:"note"`
	Author     string    `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
}

type Receipt struct {
	TxHash      string     `json:"tx_hash"`
	BlockNumber uint64     `json:"block_number"`
	BlockTime   time.Time  `json:"block_time"`
	Reverted    bool       `json:"reverted"`
	Reason      string     `json:"reason,omitempty"`
	Event       *NoteEvent `json:"event,omitempty"`
}
