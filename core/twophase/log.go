package twophase

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Phase is the last recorded phase of a distributed transaction.
type Phase string

const (
	// PhaseActive is written before the prepare fan-out.
	PhaseActive Phase = "active"
	// PhasePrepared is written once every participant voted yes.
	PhasePrepared Phase = "prepared"
	// PhaseCommitting is the commit decision, written before the commit fan-out.
	PhaseCommitting Phase = "committing"
)

type LogEntry struct {
	TransactionID string
	Phase         Phase
	Participants  []string
	UpdatedAt     time.Time
}

// Log records the phases of distributed transactions so that in-doubt
// participants can be resolved after a coordinator crash. An entry is deleted
// once every participant reached the outcome.
type Log interface {
	Write(ctx context.Context, entry LogEntry) error
	Delete(ctx context.Context, transactionID string) error
	Entries(ctx context.Context) ([]LogEntry, error)
}

// MemoryLog is a Log kept in memory. It does not survive the process and is
// meant for tests and single process setups.
type MemoryLog struct {
	mu      sync.Mutex
	entries map[string]LogEntry
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: make(map[string]LogEntry)}
}

func (l *MemoryLog) Write(ctx context.Context, entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	entry.Participants = slices.Clone(entry.Participants)
	l.entries[entry.TransactionID] = entry
	return nil
}

func (l *MemoryLog) Delete(ctx context.Context, transactionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, transactionID)
	return nil
}

// Entries returns the entries ordered by transaction id.
func (l *MemoryLog) Entries(ctx context.Context) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := lo.Values(l.entries)
	slices.SortFunc(entries, func(a, b LogEntry) int {
		return strings.Compare(a.TransactionID, b.TransactionID)
	})
	return entries, nil
}

type nopLog struct{}

func (nopLog) Write(context.Context, LogEntry) error { return nil }

func (nopLog) Delete(context.Context, string) error { return nil }

func (nopLog) Entries(context.Context) ([]LogEntry, error) { return nil, nil }
