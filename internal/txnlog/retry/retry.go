// Package retry decorates a txnlog.Store with bounded exponential backoff for
// transient failures.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/Smoac/openbis-fork-sub014/internal/clock"
	"github.com/Smoac/openbis-fork-sub014/internal/txnlog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries transient errors according to cfg. A
// retried Append may leave a duplicate entry behind; replaying the log is
// unaffected because only the last status per transaction matters.
func Wrap(inner txnlog.Store, logger pslog.Logger, clk clock.Clock, cfg Config) txnlog.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clock.Ensure(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  txnlog.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Append(ctx context.Context, entry txnlog.Entry) error {
	return s.withRetry(ctx, "append", func(ctx context.Context) (bool, error) {
		return true, s.inner.Append(ctx, entry)
	})
}

// Scan is only retried while nothing has been handed to visit yet.
func (s *store) Scan(ctx context.Context, visit func(txnlog.Entry) error) error {
	visited := 0
	return s.withRetry(ctx, "scan", func(ctx context.Context) (bool, error) {
		err := s.inner.Scan(ctx, func(e txnlog.Entry) error {
			visited++
			return visit(e)
		})
		return visited == 0, err
	})
}

func (s *store) Close() error {
	return s.inner.Close()
}

// Unwrap returns the decorated store.
func (s *store) Unwrap() txnlog.Store {
	return s.inner
}

func (s *store) withRetry(ctx context.Context, op string, fn func(context.Context) (bool, error)) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		retryable, err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || !txnlog.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("txnlog transient error",
			"operation", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.clock.Sleep(delay)
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
