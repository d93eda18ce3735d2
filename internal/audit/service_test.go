package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/medtrail/medtrail/internal/ledger"
	"github.com/medtrail/medtrail/internal/mirror"
	"github.com/medtrail/medtrail/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- MOCKS ---

// mockLedger simulates the remote ledger's read surface.
type mockLedger struct {
	shipments map[string]*ledger.Shipment
	notes     map[string][]ledger.Note
	readErr   error
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		shipments: make(map[string]*ledger.Shipment),
		notes:     make(map[string][]ledger.Note),
	}
}

func (m *mockLedger) GasPrice(ctx context.Context) (uint64, error) { return 1, nil }
func (m *mockLedger) SequenceNumber(ctx context.Context, identity string) (uint64, error) {
	return 0, nil
}
func (m *mockLedger) SendTransaction(ctx context.Context, tx *ledger.SignedTransaction) (string, error) {
	return "", nil
}
func (m *mockLedger) TransactionReceipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	return nil, nil
}

func (m *mockLedger) GetShipment(ctx context.Context, trackingID string) (*ledger.Shipment, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	shipment, ok := m.shipments[trackingID]
	if !ok {
		return nil, &ledger.RevertError{Reason: "unknown shipment"}
	}
	return shipment, nil
}

func (m *mockLedger) ListNotes(ctx context.Context, trackingID string) ([]ledger.Note, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	if _, ok := m.shipments[trackingID]; !ok {
		return nil, &ledger.RevertError{Reason: "unknown shipment"}
	}
	return m.notes[trackingID], nil
}

// mockSubmitter simulates the transaction pipeline.
type mockSubmitter struct {
	calls   []ledger.Call
	receipt *ledger.Receipt
	err     error
}

func (m *mockSubmitter) Submit(ctx context.Context, call ledger.Call) (*ledger.Receipt, error) {
	m.calls = append(m.calls, call)
	if m.err != nil {
		return nil, m.err
	}
	return m.receipt, nil
}

func newTestService(t *testing.T, client ledger.Client, submitter Submitter) (*Service, *mirror.BoltStore) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "medtrail-audit-test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	store, err := mirror.NewBoltStore(tmpfile.Name())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reconciler := reconcile.New(store, logger)

	return NewService(client, submitter, reconciler, logger), store
}

func confirmedReceipt(trackingID string, status ledger.Status, note, txHash string) *ledger.Receipt {
	now := time.Now()
	return &ledger.Receipt{
		TxHash:      txHash,
		BlockNumber: 7,
		BlockTime:   now,
		Event: &ledger.NoteEvent{
			TrackingID: trackingID,
			Status:     status,
			Note:       note,
			Author:     "0xauthor",
			Timestamp:  now,
		},
	}
}

type fakeLeadership struct {
	leader bool
	addr   string
}

func (f *fakeLeadership) IsLeader() bool { return f.leader }
func (f *fakeLeadership) Leader() string { return f.addr }

// --- TESTS ---

func TestAppendNoteValidation(t *testing.T) {
	submitter := &mockSubmitter{}
	svc, _ := newTestService(t, newMockLedger(), submitter)
	ctx := context.Background()

	cases := []struct {
		name       string
		trackingID string
		status     string
		note       string
	}{
		{"empty tracking id", "", "InTransit", "x"},
		{"bad status", "T-1", "Teleported", "x"},
		{"empty note", "T-1", "InTransit", ""},
		{"blank note", "T-1", "InTransit", "   "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.AppendNote(ctx, tc.trackingID, tc.status, tc.note)
			assert.True(t, IsValidation(err), "expected ValidationError, got %v", err)
		})
	}

	assert.Empty(t, submitter.calls, "validation failures must not reach the pipeline")
}

func TestAppendNoteConfirmed(t *testing.T) {
	submitter := &mockSubmitter{
		receipt: confirmedReceipt("T-1", ledger.StatusInTransit, "left warehouse", "0xtx1"),
	}
	svc, store := newTestService(t, newMockLedger(), submitter)

	receipt, err := svc.AppendNote(context.Background(), "T-1", "InTransit", "left warehouse")
	require.NoError(t, err)

	assert.Equal(t, "0xtx1", receipt.TxHash)
	assert.Equal(t, ledger.StatusInTransit, receipt.Status)
	assert.Equal(t, "left warehouse", receipt.Note)
	assert.Equal(t, "0xauthor", receipt.Author)

	require.Len(t, submitter.calls, 1)
	assert.Equal(t, "appendNote", submitter.calls[0].Method)
	assert.Equal(t, []string{"T-1", "InTransit", "left warehouse"}, submitter.calls[0].Args)

	// Mirror caught up with the confirmed status.
	summary, err := store.ReadSummary(context.Background(), "T-1")
	require.NoError(t, err)
	assert.Equal(t, "InTransit", summary.Status)
	assert.Equal(t, "0xtx1", summary.LastTxHash)
}

func TestAppendNoteUnknownShipment(t *testing.T) {
	submitter := &mockSubmitter{err: &ledger.RevertError{Reason: "execution reverted: unknown shipment"}}
	svc, store := newTestService(t, newMockLedger(), submitter)

	_, err := svc.AppendNote(context.Background(), "NOPE", "InTransit", "x")
	assert.True(t, IsNotFound(err), "expected NotFoundError, got %v", err)

	// A rejected append must leave no trace.
	_, err = store.ReadSummary(context.Background(), "NOPE")
	assert.ErrorIs(t, err, mirror.ErrNotFound)
}

func TestAppendNoteTransientPassesThrough(t *testing.T) {
	submitter := &mockSubmitter{err: &ledger.TransientError{Op: "ledger_gasPrice", Err: errors.New("connection refused")}}
	svc, _ := newTestService(t, newMockLedger(), submitter)

	_, err := svc.AppendNote(context.Background(), "T-1", "InTransit", "x")
	assert.True(t, ledger.IsTransient(err), "expected TransientError, got %v", err)
	assert.False(t, IsNotFound(err))
}

func TestAppendNoteIndeterminatePassesThrough(t *testing.T) {
	submitter := &mockSubmitter{err: &ledger.IndeterminateError{TxHash: "0xtx9", Err: errors.New("no receipt")}}
	svc, _ := newTestService(t, newMockLedger(), submitter)

	_, err := svc.AppendNote(context.Background(), "T-1", "InTransit", "x")
	ie := ledger.AsIndeterminate(err)
	require.NotNil(t, ie, "expected IndeterminateError, got %v", err)
	assert.Equal(t, "0xtx9", ie.TxHash)
}

func TestCreateShipment(t *testing.T) {
	submitter := &mockSubmitter{
		receipt: confirmedReceipt("T-1", ledger.StatusPending, "", "0xtx1"),
	}
	svc, store := newTestService(t, newMockLedger(), submitter)

	receipt, err := svc.CreateShipment(context.Background(), "T-1", "amoxicillin", "0xaaa", "0xbbb")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, receipt.Status)

	summary, err := store.ReadSummary(context.Background(), "T-1")
	require.NoError(t, err)
	assert.Equal(t, "amoxicillin", summary.Medicine)
	assert.Equal(t, "Pending", summary.Status)
}

func TestCreateShipmentDuplicate(t *testing.T) {
	submitter := &mockSubmitter{err: &ledger.RevertError{Reason: "shipment already exists"}}
	svc, _ := newTestService(t, newMockLedger(), submitter)

	_, err := svc.CreateShipment(context.Background(), "T-1", "amoxicillin", "0xaaa", "0xbbb")
	assert.True(t, IsAlreadyExists(err), "expected AlreadyExistsError, got %v", err)
}

func TestCreateShipmentValidation(t *testing.T) {
	submitter := &mockSubmitter{}
	svc, _ := newTestService(t, newMockLedger(), submitter)

	_, err := svc.CreateShipment(context.Background(), "T-1", "", "0xaaa", "0xbbb")
	assert.True(t, IsValidation(err))
	assert.Empty(t, submitter.calls)
}

func TestWritesRejectedOnFollower(t *testing.T) {
	submitter := &mockSubmitter{}
	svc, _ := newTestService(t, newMockLedger(), submitter)
	svc.SetLeadership(&fakeLeadership{leader: false, addr: "10.0.0.1:7000"})
	ctx := context.Background()

	_, err := svc.AppendNote(ctx, "T-1", "InTransit", "x")
	assert.True(t, IsNotLeader(err), "expected NotLeaderError, got %v", err)
	assert.Contains(t, err.Error(), "10.0.0.1:7000")

	_, err = svc.CreateShipment(ctx, "T-1", "amoxicillin", "0xaaa", "0xbbb")
	assert.True(t, IsNotLeader(err), "expected NotLeaderError, got %v", err)

	assert.Empty(t, submitter.calls, "follower writes must never reach the pipeline")
}

func TestWritesAllowedOnLeader(t *testing.T) {
	submitter := &mockSubmitter{
		receipt: confirmedReceipt("T-1", ledger.StatusInTransit, "left warehouse", "0xtx1"),
	}
	svc, _ := newTestService(t, newMockLedger(), submitter)
	svc.SetLeadership(&fakeLeadership{leader: true})

	_, err := svc.AppendNote(context.Background(), "T-1", "InTransit", "left warehouse")
	require.NoError(t, err)
	assert.Len(t, submitter.calls, 1)
}

func TestReadsAllowedOnFollower(t *testing.T) {
	client := newMockLedger()
	client.shipments["T-1"] = &ledger.Shipment{TrackingID: "T-1", Status: ledger.StatusPending}

	svc, _ := newTestService(t, client, &mockSubmitter{})
	svc.SetLeadership(&fakeLeadership{leader: false})

	_, err := svc.ListNotes(context.Background(), "T-1")
	require.NoError(t, err)

	_, err = svc.GetShipment(context.Background(), "T-1")
	require.NoError(t, err)
}

func TestListNotesOrdering(t *testing.T) {
	client := newMockLedger()
	client.shipments["T-1"] = &ledger.Shipment{TrackingID: "T-1", Status: ledger.StatusDelivered}

	base := time.Now()
	client.notes["T-1"] = []ledger.Note{
		{Status: ledger.StatusInTransit, Note: "left warehouse", Timestamp: base, TxHash: "0xtx1"},
		{Status: ledger.StatusDelivered, Note: "handed to recipient", Timestamp: base.Add(time.Minute), TxHash: "0xtx2"},
	}

	svc, _ := newTestService(t, client, &mockSubmitter{})

	result, err := svc.ListNotes(context.Background(), "T-1")
	require.NoError(t, err)
	assert.False(t, result.Degraded)

	require.Len(t, result.Notes, 2)
	assert.Equal(t, "left warehouse", result.Notes[0].Note)
	assert.Equal(t, "handed to recipient", result.Notes[1].Note)
	assert.False(t, result.Notes[1].Timestamp.Before(result.Notes[0].Timestamp),
		"timestamps must be non-decreasing")
}

func TestListNotesEmptyIsNotError(t *testing.T) {
	client := newMockLedger()
	client.shipments["T-1"] = &ledger.Shipment{TrackingID: "T-1", Status: ledger.StatusPending}

	svc, _ := newTestService(t, client, &mockSubmitter{})

	result, err := svc.ListNotes(context.Background(), "T-1")
	require.NoError(t, err)
	assert.Empty(t, result.Notes)
	assert.False(t, result.Degraded)
}

func TestListNotesUnknownShipment(t *testing.T) {
	svc, _ := newTestService(t, newMockLedger(), &mockSubmitter{})

	_, err := svc.ListNotes(context.Background(), "NOPE")
	assert.True(t, IsNotFound(err), "expected NotFoundError, got %v", err)
}

func TestListNotesDegradedFallback(t *testing.T) {
	client := newMockLedger()
	client.readErr = &ledger.TransientError{Op: "ledger_listNotes", Err: errors.New("connection refused")}

	svc, store := newTestService(t, client, &mockSubmitter{})

	// Seed the mirror as a previous reconciliation would have.
	require.NoError(t, store.UpsertSummary(context.Background(), &mirror.Summary{
		TrackingID: "T-1",
		Status:     "InTransit",
		LastTxHash: "0xtx1",
		UpdatedAt:  time.Now(),
	}))

	result, err := svc.ListNotes(context.Background(), "T-1")
	require.NoError(t, err)
	assert.True(t, result.Degraded, "mirror answer must be flagged as degraded")
	require.NotNil(t, result.Summary)
	assert.Equal(t, "InTransit", result.Summary.Status)
	assert.Empty(t, result.Notes)
}

func TestListNotesNoMirrorSurfacesFailure(t *testing.T) {
	client := newMockLedger()
	client.readErr = &ledger.TransientError{Op: "ledger_listNotes", Err: errors.New("connection refused")}

	svc, _ := newTestService(t, client, &mockSubmitter{})

	_, err := svc.ListNotes(context.Background(), "T-1")
	assert.True(t, ledger.IsTransient(err), "expected the ledger failure, got %v", err)
}

func TestGetShipmentDegradedFallback(t *testing.T) {
	client := newMockLedger()
	client.readErr = &ledger.TransientError{Op: "ledger_getShipment", Err: errors.New("connection refused")}

	svc, store := newTestService(t, client, &mockSubmitter{})

	require.NoError(t, store.UpsertSummary(context.Background(), &mirror.Summary{
		TrackingID: "T-1",
		Medicine:   "amoxicillin",
		Status:     "Delivered",
	}))

	result, err := svc.GetShipment(context.Background(), "T-1")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Nil(t, result.Shipment)
	assert.Equal(t, "Delivered", result.Summary.Status)
}

func TestGetShipmentAuthoritative(t *testing.T) {
	client := newMockLedger()
	client.shipments["T-1"] = &ledger.Shipment{
		TrackingID: "T-1",
		Medicine:   "amoxicillin",
		Status:     ledger.StatusInTransit,
	}

	svc, _ := newTestService(t, client, &mockSubmitter{})

	result, err := svc.GetShipment(context.Background(), "T-1")
	require.NoError(t, err)
	assert.False(t, result.Degraded)
	require.NotNil(t, result.Shipment)
	assert.Equal(t, ledger.StatusInTransit, result.Shipment.Status)
}
