package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/mirror"
)

type capturingPublisher struct {
	mu     sync.Mutex
	keys   []string
	values []interface{}
	err    error
}

func (p *capturingPublisher) Publish(ctx context.Context, key string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

type failingStore struct{}

func (s *failingStore) UpsertSummary(ctx context.Context, summary *mirror.Summary) error {
	return errors.New("disk full")
}

func (s *failingStore) ReadSummary(ctx context.Context, trackingID string) (*mirror.Summary, error) {
	return nil, mirror.ErrNotFound
}

func (s *failingStore) Close() error { return nil }

func newTestStore(t *testing.T) *mirror.BoltStore {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "medtrail-reconcile-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := mirror.NewBoltStore(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create mirror store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func appendReceipt(status ledger.Status, note, txHash string, block uint64) *ledger.Receipt {
	return &ledger.Receipt{
		TxHash:      txHash,
		BlockNumber: block,
		BlockTime:   time.Now(),
		Event: &ledger.NoteEvent{
			TrackingID: "T-1",
			Status:     status,
			Note:       note,
			Author:     "0xauthor",
			Timestamp:  time.Now(),
		},
	}
}

func TestShipmentCreatedWritesMirror(t *testing.T) {
	store := newTestStore(t)
	r := New(store, testLogger())

	shipment := &ledger.Shipment{
		TrackingID: "T-1",
		Medicine:   "amoxicillin",
		Sender:     "0xaaa",
		Receiver:   "0xbbb",
	}
	r.ShipmentCreated(context.Background(), shipment, appendReceipt(ledger.StatusPending, "", "0xtx1", 1))

	summary, err := store.ReadSummary(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("ReadSummary failed: %v", err)
	}
	if summary.Status != "Pending" || summary.Medicine != "amoxicillin" {
		t.Errorf("Unexpected summary: %+v", summary)
	}
}

func TestNoteConfirmedMergesExistingSummary(t *testing.T) {
	store := newTestStore(t)
	r := New(store, testLogger())

	shipment := &ledger.Shipment{
		TrackingID: "T-1",
		Medicine:   "amoxicillin",
		Sender:     "0xaaa",
		Receiver:   "0xbbb",
	}
	r.ShipmentCreated(context.Background(), shipment, appendReceipt(ledger.StatusPending, "", "0xtx1", 1))
	r.NoteConfirmed(context.Background(), "T-1", appendReceipt(ledger.StatusInTransit, "left warehouse", "0xtx2", 2))

	summary, err := store.ReadSummary(context.Background(), "T-1")
	if err != nil {
		t.Fatalf("ReadSummary failed: %v", err)
	}
	if summary.Status != "InTransit" {
		t.Errorf("Status not updated: %s", summary.Status)
	}
	if summary.Medicine != "amoxicillin" {
		t.Errorf("Existing fields lost in merge: %+v", summary)
	}
	if summary.LastTxHash != "0xtx2" || summary.BlockNumber != 2 {
		t.Errorf("Transaction reference not updated: %+v", summary)
	}
}

func TestNoteConfirmedPublishesEvent(t *testing.T) {
	store := newTestStore(t)
	r := New(store, testLogger())

	pub := &capturingPublisher{}
	r.SetPublisher(pub)

	r.NoteConfirmed(context.Background(), "T-1", appendReceipt(ledger.StatusDelivered, "handed to recipient", "0xtx3", 3))

	if len(pub.keys) != 1 || pub.keys[0] != "T-1" {
		t.Fatalf("Expected one event keyed by tracking id, got %v", pub.keys)
	}
	event := pub.values[0].(*NoteEvent)
	if event.Event != "shipment.note.appended" || event.Status != "Delivered" {
		t.Errorf("Unexpected event: %+v", event)
	}
}

type capturingApplier struct {
	applied []*mirror.Summary
}

func (a *capturingApplier) ApplySummary(summary *mirror.Summary) error {
	a.applied = append(a.applied, summary)
	return nil
}

func TestUpsertRoutesThroughApplier(t *testing.T) {
	store := newTestStore(t)
	r := New(store, testLogger())

	applier := &capturingApplier{}
	r.SetApplier(applier)

	r.NoteConfirmed(context.Background(), "T-1", appendReceipt(ledger.StatusInTransit, "x", "0xtx1", 1))

	if len(applier.applied) != 1 || applier.applied[0].TrackingID != "T-1" {
		t.Fatalf("Expected one applied summary for T-1, got %v", applier.applied)
	}

	// The direct write path must stay untouched when an applier is set.
	if _, err := store.ReadSummary(context.Background(), "T-1"); err == nil {
		t.Error("Summary should not be written directly when routing through the applier")
	}
}

func TestMirrorFailureDoesNotPanic(t *testing.T) {
	r := New(&failingStore{}, testLogger())

	// Must degrade to logging only.
	r.NoteConfirmed(context.Background(), "T-1", appendReceipt(ledger.StatusInTransit, "x", "0xtx1", 1))
}

func TestPublishFailureDoesNotPanic(t *testing.T) {
	store := newTestStore(t)
	r := New(store, testLogger())
	r.SetPublisher(&capturingPublisher{err: errors.New("broker down")})

	r.NoteConfirmed(context.Background(), "T-1", appendReceipt(ledger.StatusInTransit, "x", "0xtx1", 1))

	if _, err := store.ReadSummary(context.Background(), "T-1"); err != nil {
		t.Errorf("Mirror update should survive publish failure: %v", err)
	}
}
