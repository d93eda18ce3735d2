package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/medtrail/medtrail/internal/alert"
	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/mirror"
	"github.com/medtrail/medtrail/internal/reconcile"
)

// Revert reason fragments the contract uses. The service maps them to the
// domain error taxonomy.
const (
	reasonUnknownShipment = "unknown shipment"
	reasonAlreadyExists   = "already exists"
)

// Submitter is the write path. Satisfied by *pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, call ledger.Call) (*ledger.Receipt, error)
}

// Leadership gates writes in a multi-replica deployment: the signing
// identity is a single writer, so only the elected leader may submit.
// Satisfied by *consensus.Node.
type Leadership interface {
	IsLeader() bool
	Leader() string
}

// Service is the domain-facing contract: append to and read the audit
// trail, with the ledger authoritative and the mirror for degraded reads.
type Service struct {
	ledger     ledger.Client
	pipeline   Submitter
	reconciler *reconcile.Reconciler
	alerts     *alert.Manager
	leadership Leadership
	logger     *slog.Logger
}

func NewService(client ledger.Client, submitter Submitter, reconciler *reconcile.Reconciler, logger *slog.Logger) *Service {
	return &Service{
		ledger:     client,
		pipeline:   submitter,
		reconciler: reconciler,
		logger:     logger,
	}
}

func (s *Service) SetAlertManager(am *alert.Manager) {
	s.alerts = am
}

// SetLeadership restricts writes to the consensus leader. Reads stay
// available on every replica.
func (s *Service) SetLeadership(l Leadership) {
	s.leadership = l
}

func (s *Service) checkLeader() error {
	if s.leadership != nil && !s.leadership.IsLeader() {
		return &NotLeaderError{Leader: s.leadership.Leader()}
	}
	return nil
}

// NoteReceipt echoes the confirmed note back to the caller.
type NoteReceipt struct {
	TxHash      string        `json:"tx_hash"`
	BlockNumber uint64        `json:"block_number"`
	TrackingID  string        `json:"tracking_id"`
	Status      ledger.Status `json:"status"`
	Note        string        `json:"note"`
	Author      string        `json:"author"`
	Timestamp   time.Time     `json:"timestamp"`
}

// NotesResult carries the note history, or the mirrored summary with a
// staleness flag when the ledger could not be reached.
type NotesResult struct {
	Notes    []ledger.Note   `json:"notes"`
	Degraded bool            `json:"degraded"`
	Summary  *mirror.Summary `json:"summary,omitempty"`
}

// ShipmentResult is a summary read, possibly degraded.
type ShipmentResult struct {
	Shipment *ledger.Shipment `json:"shipment,omitempty"`
	Summary  *mirror.Summary  `json:"summary,omitempty"`
	Degraded bool             `json:"degraded"`
}

// AppendNote records a status update for a shipment. The ledger write is
// the commit point; the mirror update afterwards is advisory.
func (s *Service) AppendNote(ctx context.Context, trackingID, status, note string) (*NoteReceipt, error) {
	if strings.TrimSpace(trackingID) == "" {
		return nil, &ValidationError{Field: "trackingId", Reason: "must not be empty"}
	}

	parsed, err := ledger.ParseStatus(status)
	if err != nil {
		return nil, &ValidationError{Field: "status", Reason: err.Error()}
	}

	if strings.TrimSpace(note) == "" {
		return nil, &ValidationError{Field: "note", Reason: "must not be empty"}
	}

	if err := s.checkLeader(); err != nil {
		return nil, err
	}

	call := ledger.Call{
		Method: "appendNote",
		Args:   []string{trackingID, string(parsed), note},
	}

	receipt, err := s.pipeline.Submit(ctx, call)
	if err != nil {
		return nil, s.translateWriteError(trackingID, err)
	}

	s.reconciler.NoteConfirmed(ctx, trackingID, receipt)

	return noteReceipt(trackingID, parsed, note, receipt), nil
}

// CreateShipment registers a new shipment on the ledger. Its first note is
// the Pending creation record.
func (s *Service) CreateShipment(ctx context.Context, trackingID, medicine, sender, receiver string) (*NoteReceipt, error) {
	fields := map[string]string{
		"trackingId": trackingID,
		"medicine":   medicine,
		"sender":     sender,
		"receiver":   receiver,
	}
	for field, value := range fields {
		if strings.TrimSpace(value) == "" {
			return nil, &ValidationError{Field: field, Reason: "must not be empty"}
		}
	}

	if err := s.checkLeader(); err != nil {
		return nil, err
	}

	call := ledger.Call{
		Method: "createShipment",
		Args:   []string{trackingID, medicine, sender, receiver},
	}

	receipt, err := s.pipeline.Submit(ctx, call)
	if err != nil {
		return nil, s.translateWriteError(trackingID, err)
	}

	s.reconciler.ShipmentCreated(ctx, &ledger.Shipment{
		TrackingID: trackingID,
		Medicine:   medicine,
		Sender:     sender,
		Receiver:   receiver,
		Status:     ledger.StatusPending,
	}, receipt)

	return noteReceipt(trackingID, ledger.StatusPending, "", receipt), nil
}

// ListNotes returns the full note sequence in confirmation order. A known
// shipment with no notes yields an empty slice. When the ledger is
// unreachable the mirrored summary is returned with the degraded flag set.
func (s *Service) ListNotes(ctx context.Context, trackingID string) (*NotesResult, error) {
	if strings.TrimSpace(trackingID) == "" {
		return nil, &ValidationError{Field: "trackingId", Reason: "must not be empty"}
	}

	notes, err := s.ledger.ListNotes(ctx, trackingID)
	if err == nil {
		return &NotesResult{Notes: notes}, nil
	}

	if re := ledger.AsRevert(err); re != nil {
		return nil, s.translateRevert(trackingID, re)
	}

	summary, degErr := s.degradedSummary(ctx, trackingID, err)
	if degErr != nil {
		return nil, degErr
	}
	return &NotesResult{Notes: nil, Degraded: true, Summary: summary}, nil
}

// GetShipment reads the shipment summary, falling back to the mirror when
// the ledger is unreachable.
func (s *Service) GetShipment(ctx context.Context, trackingID string) (*ShipmentResult, error) {
	if strings.TrimSpace(trackingID) == "" {
		return nil, &ValidationError{Field: "trackingId", Reason: "must not be empty"}
	}

	shipment, err := s.ledger.GetShipment(ctx, trackingID)
	if err == nil {
		return &ShipmentResult{Shipment: shipment}, nil
	}

	if re := ledger.AsRevert(err); re != nil {
		return nil, s.translateRevert(trackingID, re)
	}

	summary, degErr := s.degradedSummary(ctx, trackingID, err)
	if degErr != nil {
		return nil, degErr
	}
	return &ShipmentResult{Summary: summary, Degraded: true}, nil
}

func (s *Service) degradedSummary(ctx context.Context, trackingID string, cause error) (*mirror.Summary, error) {
	summary, err := s.reconciler.ReadSummary(ctx, trackingID)
	if err != nil {
		// Nothing to degrade to: surface the original ledger failure.
		return nil, cause
	}

	s.logger.Warn("serving degraded read from mirror",
		"tracking_id", trackingID,
		"error", cause,
	)
	if s.alerts != nil {
		_ = s.alerts.SendDegradedReadAlert(trackingID, cause.Error())
	}

	return summary, nil
}

func (s *Service) translateWriteError(trackingID string, err error) error {
	if re := ledger.AsRevert(err); re != nil {
		return s.translateRevert(trackingID, re)
	}

	if ie := ledger.AsIndeterminate(err); ie != nil {
		s.logger.Error("transaction outcome unknown",
			"tracking_id", trackingID,
			"tx_hash", ie.TxHash,
		)
		if s.alerts != nil {
			_ = s.alerts.SendIndeterminateTxAlert(trackingID, ie.TxHash, ie.Error())
		}
		return err
	}

	return err
}

func (s *Service) translateRevert(trackingID string, re *ledger.RevertError) error {
	switch {
	case strings.Contains(re.Reason, reasonUnknownShipment):
		return &NotFoundError{TrackingID: trackingID}
	case strings.Contains(re.Reason, reasonAlreadyExists):
		return &AlreadyExistsError{TrackingID: trackingID}
	default:
		return re
	}
}

func noteReceipt(trackingID string, status ledger.Status, note string, receipt *ledger.Receipt) *NoteReceipt {
	nr := &NoteReceipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		TrackingID:  trackingID,
		Status:      status,
		Note:        note,
		Timestamp:   receipt.BlockTime,
	}

	// Prefer the fields the ledger actually emitted.
	if receipt.Event != nil {
		nr.TrackingID = receipt.Event.TrackingID
		nr.Status = receipt.Event.Status
		nr.Note = receipt.Event.Note
		nr.Author = receipt.Event.Author
		nr.Timestamp = receipt.Event.Timestamp
	}

	return nr
}
