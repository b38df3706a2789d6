// Package txn defines the transaction data model shared by the coordinator and
// its participants: ids, statuses, the error taxonomy and the contracts of the
// pluggable collaborators.
package txn

import "context"

// Handle is the opaque native transaction returned by a ResourceProvider. It is
// owned by the participant that created it and passed back unchanged.
type Handle = any

// ResourceProvider adapts one backend's native transaction primitive.
// Implementations do not retry; failures propagate as returned.
//
// Prepare, Commit and Rollback may receive a nil handle: Rollback after a
// failed Begin, and Commit or Rollback of a transaction restored from the log
// after a restart. Providers that keep prepared work durable resolve it by id.
type ResourceProvider interface {
	Begin(ctx context.Context, id ID) (Handle, error)
	Prepare(ctx context.Context, id ID, handle Handle) error
	Commit(ctx context.Context, id ID, handle Handle) error
	Rollback(ctx context.Context, id ID, handle Handle) error
}

// OperationExecutor runs a named domain operation. It holds no per-transaction
// state: the resource bound by the provider is reached through the execution
// context carried on ctx.
type OperationExecutor interface {
	Execute(ctx context.Context, sessionToken, operation string, args []any) (any, error)
}

// StatusLog durably appends phase transitions.
type StatusLog interface {
	LogStatus(ctx context.Context, id ID, status Status) error
}

// StatusReader reads back the last logged status of every transaction.
type StatusReader interface {
	LastStatuses(ctx context.Context) (map[ID]Status, error)
}

// Session describes a validated caller.
type Session struct {
	Token string
	Admin bool
}

// SessionValidator authenticates session tokens.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (Session, error)
}

// SessionValidatorFunc adapts a function to SessionValidator.
type SessionValidatorFunc func(ctx context.Context, token string) (Session, error)

// Validate calls f.
func (f SessionValidatorFunc) Validate(ctx context.Context, token string) (Session, error) {
	return f(ctx, token)
}
