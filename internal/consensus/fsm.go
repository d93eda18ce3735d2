package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/medtrail/medtrail/internal/mirror"
)

// FSM applies replicated summary updates to the local mirror so every
// replica serves degraded reads from the same view.
type FSM struct {
	mu     sync.RWMutex
	mirror mirror.Store

	// tracking ids applied so far, so snapshots can dump the mirror
	applied map[string]struct{}
}

func NewFSM(store mirror.Store) *FSM {
	return &FSM{
		mirror:  store,
		applied: make(map[string]struct{}),
	}
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal log entry: %w", err)
	}

	switch entry.Type {
	case LogEntrySummary:
		if err := f.mirror.UpsertSummary(context.Background(), &entry.Summary); err != nil {
			return err
		}
		f.applied[entry.Summary.TrackingID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("unknown log entry type: %s", entry.Type)
	}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	summaries := make([]mirror.Summary, 0, len(f.applied))
	for trackingID := range f.applied {
		summary, err := f.mirror.ReadSummary(context.Background(), trackingID)
		if err != nil {
			continue
		}
		summaries = append(summaries, *summary)
	}

	return &fsmSnapshot{summaries: summaries}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	decoder := json.NewDecoder(rc)

	var snapshot struct {
		Summaries []mirror.Summary `json:"summaries"`
	}

	if err := decoder.Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	for i := range snapshot.Summaries {
		if err := f.mirror.UpsertSummary(context.Background(), &snapshot.Summaries[i]); err != nil {
			return fmt.Errorf("failed to restore summary: %w", err)
		}
		f.applied[snapshot.Summaries[i].TrackingID] = struct{}{}
	}

	return nil
}

type fsmSnapshot struct {
	summaries []mirror.Summary
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	defer sink.Close()

	snapshot := struct {
		Summaries []mirror.Summary `json:"summaries"`
	}{
		Summaries: s.summaries,
	}

	encoder := json.NewEncoder(sink)
	if err := encoder.Encode(snapshot); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	return nil
}

func (s *fsmSnapshot) Release() {
}
