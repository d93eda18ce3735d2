package consensus

import (
	"time"

	"github.com/medtrail/medtrail/internal/mirror"
)

type LogEntryType string

const (
	LogEntrySummary LogEntryType = "summary"
)

// LogEntry is what the leader replicates to every replica's mirror after a
// ledger write confirms.
type LogEntry struct {
	Type      LogEntryType   `json:"type"`
	Summary   mirror.Summary `json:"summary"`
	Timestamp time.Time      `json:"timestamp"`
}
