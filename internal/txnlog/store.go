// Package txnlog records transaction phase transitions durably so that the
// coordinator and its participants can work out, after a crash, where every
// unfinished transaction stopped.
package txnlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

// Entry is one immutable log record.
type Entry struct {
	TxnID  txn.ID     `json:"txn_id"`
	Status txn.Status `json:"status"`
	Source string     `json:"source,omitempty"`
	Time   time.Time  `json:"ts"`
}

// Validate rejects entries that cannot be replayed.
func (e Entry) Validate() error {
	if err := txn.CheckID(e.TxnID); err != nil {
		return err
	}
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", txn.ErrInvalidArgument, e.Status)
	}
	return nil
}

// Encode renders the entry as a single JSON line without the trailing newline.
func Encode(e Entry) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses a JSON record produced by Encode.
func Decode(payload []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(payload, &e); err != nil {
		return Entry{}, fmt.Errorf("txnlog: decode entry: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Entry{}, fmt.Errorf("txnlog: decode entry: %w", err)
	}
	return e, nil
}

// Store persists the entries of one named log.
type Store interface {
	// Append durably adds entry at the end of the log.
	Append(ctx context.Context, entry Entry) error
	// Scan visits entries in append order. Returning ErrStopScan from visit
	// ends the scan without error.
	Scan(ctx context.Context, visit func(Entry) error) error
	Close() error
}

// ErrStopScan stops a Scan early.
var ErrStopScan = errors.New("txnlog: stop scan")

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
