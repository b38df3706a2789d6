package txnlog

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Smoac/openbis-fork-sub014/internal/clock"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

// Log adapts a Store to the status log contracts used by the coordinator and
// the participants. Writes through one Log are serialised.
type Log struct {
	store  Store
	source string
	clock  clock.Clock
	mu     sync.Mutex
}

// NewLog wraps store. source identifies the writer (coordinator or participant
// id) and is stamped on every entry.
func NewLog(store Store, source string, clk clock.Clock) *Log {
	return &Log{store: store, source: source, clock: clock.Ensure(clk)}
}

// Source returns the writer identity stamped on entries.
func (l *Log) Source() string { return l.source }

// Store returns the underlying store.
func (l *Log) Store() Store { return l.store }

// LogStatus appends (id, status).
func (l *Log) LogStatus(ctx context.Context, id txn.ID, status txn.Status) error {
	entry := Entry{TxnID: id, Status: status, Source: l.source, Time: l.clock.Now()}
	if err := entry.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Append(ctx, entry)
}

// LastStatuses returns the last status logged for every transaction.
func (l *Log) LastStatuses(ctx context.Context) (map[txn.ID]txn.Status, error) {
	return LastStatuses(ctx, l.store)
}

// Pending returns the transactions whose last status is not terminal.
func (l *Log) Pending(ctx context.Context) ([]Summary, error) {
	summaries, err := Summarize(ctx, l.store)
	if err != nil {
		return nil, err
	}
	pending := summaries[:0]
	for _, s := range summaries {
		if s.Status.IsTerminal() {
			continue
		}
		pending = append(pending, s)
	}
	return pending, nil
}

// History returns every entry logged for id, in order.
func (l *Log) History(ctx context.Context, id txn.ID) ([]Entry, error) {
	var out []Entry
	err := l.store.Scan(ctx, func(e Entry) error {
		if e.TxnID == id {
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Close closes the underlying store.
func (l *Log) Close() error {
	return l.store.Close()
}

// LastStatuses folds store into the last status per transaction.
func LastStatuses(ctx context.Context, store Store) (map[txn.ID]txn.Status, error) {
	out := make(map[txn.ID]txn.Status)
	err := store.Scan(ctx, func(e Entry) error {
		out[e.TxnID] = e.Status
		return nil
	})
	if err != nil && !errors.Is(err, ErrStopScan) {
		return nil, err
	}
	return out, nil
}

// Summary condenses the history of one transaction.
type Summary struct {
	TxnID   txn.ID     `json:"txn_id"`
	Status  txn.Status `json:"status"`
	First   time.Time  `json:"first"`
	Updated time.Time  `json:"updated"`
	Entries int        `json:"entries"`
}

// Summarize folds store into one summary per transaction ordered by the time
// the transaction was first seen.
func Summarize(ctx context.Context, store Store) ([]Summary, error) {
	index := make(map[txn.ID]int)
	var out []Summary
	err := store.Scan(ctx, func(e Entry) error {
		i, ok := index[e.TxnID]
		if !ok {
			index[e.TxnID] = len(out)
			out = append(out, Summary{TxnID: e.TxnID, First: e.Time})
			i = len(out) - 1
		}
		out[i].Status = e.Status
		out[i].Updated = e.Time
		out[i].Entries++
		return nil
	})
	if err != nil && !errors.Is(err, ErrStopScan) {
		return nil, err
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].First.Before(out[b].First) })
	return out, nil
}
