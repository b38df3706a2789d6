// Package memrm is an in-memory resource manager. Store is both the
// ResourceProvider and the OperationExecutor of a participant: Begin binds a
// *Tx into the participant's execution context, operations stage writes on
// that Tx, Prepare locks the written keys and Commit publishes them.
//
// Prepared transactions are kept by id so Commit and Rollback also work with
// a nil handle, which is what a participant passes after a restart.
package memrm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/execctx"
	"github.com/Smoac/openbis-fork-sub014/internal/loggingutil"
	"github.com/Smoac/openbis-fork-sub014/internal/svcfields"
	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

const (
	OpPut    = "put"
	OpGet    = "get"
	OpDelete = "delete"
	OpList   = "list"
)

var (
	// ErrConflict reports a key already locked by another prepared transaction.
	ErrConflict = errors.New("memrm: key locked by a prepared transaction")
	// ErrNoTransaction reports an operation outside a bound transaction.
	ErrNoTransaction = errors.New("memrm: no transaction bound to execution context")
	// ErrUnknownOperation reports an operation name the executor does not know.
	ErrUnknownOperation = errors.New("memrm: unknown operation")
	// ErrUnknownTransaction reports a handle or id the store does not track.
	ErrUnknownTransaction = errors.New("memrm: unknown transaction")
)

type txKey struct{}

// Tx is the native transaction handle. Writes are staged until commit; a
// nil value in writes marks a delete.
type Tx struct {
	id       txn.ID
	mu       sync.Mutex
	writes   map[string]*string
	prepared bool
}

// ID returns the transaction id the handle belongs to.
func (t *Tx) ID() txn.ID { return t.id }

// Store holds committed data and every open native transaction.
type Store struct {
	name   string
	logger pslog.Logger

	mu       sync.Mutex
	data     map[string]string
	open     map[txn.ID]*Tx
	prepared map[txn.ID]*Tx
	locks    map[string]txn.ID
	faults   map[txn.Phase]error
}

// New returns an empty store. name only labels log output.
func New(name string, logger pslog.Logger) *Store {
	return &Store{
		name:     name,
		logger:   loggingutil.EnsureLogger(logger).With("rm", name),
		data:     make(map[string]string),
		open:     make(map[txn.ID]*Tx),
		prepared: make(map[txn.ID]*Tx),
		locks:    make(map[string]txn.ID),
		faults:   make(map[txn.Phase]error),
	}
}

// Name returns the store label.
func (s *Store) Name() string { return s.name }

// FailNext makes the next call of phase return err. Execute faults apply to
// the next operation.
func (s *Store) FailNext(phase txn.Phase, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, phase)
		return
	}
	s.faults[phase] = err
}

func (s *Store) fault(phase txn.Phase) error {
	err, ok := s.faults[phase]
	if ok {
		delete(s.faults, phase)
	}
	return err
}

// Begin opens a native transaction and binds it to the execution context on
// ctx, if any.
func (s *Store) Begin(ctx context.Context, id txn.ID) (txn.Handle, error) {
	s.mu.Lock()
	if err := s.fault(txn.PhaseBegin); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if _, ok := s.prepared[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("memrm: transaction %s already prepared", id)
	}
	tx := &Tx{id: id, writes: make(map[string]*string)}
	s.open[id] = tx
	s.mu.Unlock()
	if c, ok := execctx.FromContext(ctx); ok {
		c.Set(txKey{}, tx)
	}
	s.logger.Trace("memrm.begin", svcfields.TxnIDKey, id.String())
	return tx, nil
}

// Prepare locks every key the transaction wrote and moves it to the prepared
// set. A key locked by another prepared transaction fails with ErrConflict.
func (s *Store) Prepare(_ context.Context, id txn.ID, handle txn.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(txn.PhasePrepare); err != nil {
		return err
	}
	tx, err := s.resolve(id, handle)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.prepared {
		return nil
	}
	keys := slices.Sorted(maps.Keys(tx.writes))
	for _, key := range keys {
		if owner, locked := s.locks[key]; locked && owner != id {
			return fmt.Errorf("%w: %q held by %s", ErrConflict, key, owner)
		}
	}
	for _, key := range keys {
		s.locks[key] = id
	}
	tx.prepared = true
	delete(s.open, id)
	s.prepared[id] = tx
	s.logger.Trace("memrm.prepare", svcfields.TxnIDKey, id.String(), "keys", len(keys))
	return nil
}

// Commit publishes the transaction's writes. A nil handle resolves the
// transaction by id; committing an id the store no longer tracks is a no-op.
func (s *Store) Commit(ctx context.Context, id txn.ID, handle txn.Handle) error {
	s.mu.Lock()
	if err := s.fault(txn.PhaseCommit); err != nil {
		s.mu.Unlock()
		return err
	}
	tx, err := s.resolve(id, handle)
	if errors.Is(err, ErrUnknownTransaction) && handle == nil {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	tx.mu.Lock()
	if !tx.prepared {
		tx.mu.Unlock()
		s.mu.Unlock()
		return fmt.Errorf("%w: transaction %s is not prepared", txn.ErrInvalidArgument, id)
	}
	for key, value := range tx.writes {
		if value == nil {
			delete(s.data, key)
		} else {
			s.data[key] = *value
		}
	}
	writes := len(tx.writes)
	tx.mu.Unlock()
	s.release(tx)
	s.mu.Unlock()
	unbind(ctx)
	s.logger.Trace("memrm.commit", svcfields.TxnIDKey, id.String(), "writes", writes)
	return nil
}

// Rollback discards the transaction's writes. A nil handle resolves the
// transaction by id and tolerates unknown ids; a handle that does not belong
// to id is rejected.
func (s *Store) Rollback(ctx context.Context, id txn.ID, handle txn.Handle) error {
	s.mu.Lock()
	if err := s.fault(txn.PhaseRollback); err != nil {
		s.mu.Unlock()
		return err
	}
	tx, err := s.resolve(id, handle)
	switch {
	case err == nil:
		s.release(tx)
	case handle != nil:
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()
	unbind(ctx)
	s.logger.Trace("memrm.rollback", svcfields.TxnIDKey, id.String())
	return nil
}

func unbind(ctx context.Context) {
	if c, ok := execctx.FromContext(ctx); ok {
		c.Delete(txKey{})
	}
}

// resolve finds the Tx for id. Callers hold s.mu.
func (s *Store) resolve(id txn.ID, handle txn.Handle) (*Tx, error) {
	if handle != nil {
		tx, ok := handle.(*Tx)
		if !ok {
			return nil, fmt.Errorf("%w: handle type %T", txn.ErrInvalidArgument, handle)
		}
		if tx.id != id {
			return nil, fmt.Errorf("%w: handle belongs to %s", txn.ErrInvalidArgument, tx.id)
		}
		return tx, nil
	}
	if tx, ok := s.prepared[id]; ok {
		return tx, nil
	}
	if tx, ok := s.open[id]; ok {
		return tx, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
}

// release drops tx and its key locks. Callers hold s.mu.
func (s *Store) release(tx *Tx) {
	for key, owner := range s.locks {
		if owner == tx.id {
			delete(s.locks, key)
		}
	}
	delete(s.open, tx.id)
	delete(s.prepared, tx.id)
}

// PreparedIDs lists transactions waiting for a commit decision.
func (s *Store) PreparedIDs() []txn.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]txn.ID, 0, len(s.prepared))
	for id := range s.prepared {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// OpenCount returns the number of begun, unprepared transactions.
func (s *Store) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Get reads a committed value.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Snapshot copies the committed data.
func (s *Store) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.data)
}

// Execute runs one operation against the transaction bound to the execution
// context on ctx.
//
//	put key value   stage a write, returns nil
//	get key         read own writes then committed data, returns string or nil
//	delete key      stage a delete, returns nil
//	list [prefix]   sorted visible keys
func (s *Store) Execute(ctx context.Context, _ string, operation string, args []any) (any, error) {
	s.mu.Lock()
	err := s.fault(txn.PhaseExecute)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	tx, ok := execctx.Local[*Tx](ctx, txKey{})
	if !ok || tx == nil {
		return nil, ErrNoTransaction
	}
	switch strings.ToLower(operation) {
	case OpPut:
		key, value, err := keyValue(args)
		if err != nil {
			return nil, err
		}
		return nil, s.stage(tx, key, &value)
	case OpDelete:
		key, err := keyArg(args)
		if err != nil {
			return nil, err
		}
		return nil, s.stage(tx, key, nil)
	case OpGet:
		key, err := keyArg(args)
		if err != nil {
			return nil, err
		}
		if v, ok := s.read(tx, key); ok {
			return v, nil
		}
		return nil, nil
	case OpList:
		prefix := ""
		if len(args) > 0 {
			p, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("%w: list prefix must be a string", txn.ErrInvalidArgument)
			}
			prefix = p
		}
		return s.list(tx, prefix), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
}

func (s *Store) stage(tx *Tx, key string, value *string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.prepared {
		return fmt.Errorf("memrm: transaction %s is prepared", tx.id)
	}
	tx.writes[key] = value
	return nil
}

func (s *Store) read(tx *Tx, key string) (string, bool) {
	tx.mu.Lock()
	staged, written := tx.writes[key]
	tx.mu.Unlock()
	if written {
		if staged == nil {
			return "", false
		}
		return *staged, true
	}
	return s.Get(key)
}

func (s *Store) list(tx *Tx, prefix string) []string {
	visible := s.Snapshot()
	tx.mu.Lock()
	for key, value := range tx.writes {
		if value == nil {
			delete(visible, key)
		} else {
			visible[key] = *value
		}
	}
	tx.mu.Unlock()
	out := make([]string, 0, len(visible))
	for key := range visible {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func keyArg(args []any) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("%w: key required", txn.ErrInvalidArgument)
	}
	key, ok := args[0].(string)
	if !ok || key == "" {
		return "", fmt.Errorf("%w: key must be a non-empty string", txn.ErrInvalidArgument)
	}
	return key, nil
}

func keyValue(args []any) (string, string, error) {
	key, err := keyArg(args)
	if err != nil {
		return "", "", err
	}
	if len(args) < 2 {
		return "", "", fmt.Errorf("%w: value required", txn.ErrInvalidArgument)
	}
	switch v := args[1].(type) {
	case string:
		return key, v, nil
	case fmt.Stringer:
		return key, v.String(), nil
	default:
		return key, fmt.Sprint(v), nil
	}
}
