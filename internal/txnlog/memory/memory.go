// Package memory keeps transaction logs in process memory; intended for tests
// and demos.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Smoac/openbis-fork-sub014/internal/txn"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
)

// Store implements txnlog.Store in memory.
type Store struct {
	mu      sync.RWMutex
	entries []txnlog.Entry
	closed  bool
}

// New returns an empty store.
func New() *Store {
	return &Store{}
}

// Append adds entry to the log.
func (s *Store) Append(ctx context.Context, entry txnlog.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory: %w", txn.ErrClosed)
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Scan visits a snapshot of the log in append order.
func (s *Store) Scan(ctx context.Context, visit func(txnlog.Entry) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("memory: %w", txn.ErrClosed)
	}
	snapshot := make([]txnlog.Entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()
	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(e); err != nil {
			if errors.Is(err, txnlog.ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
