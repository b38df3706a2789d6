package execctx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Smoac/openbis-fork-sub014/internal/txn"
)

func TestDoRunsOnContextAndCarriesIdentity(t *testing.T) {
	t.Parallel()

	c := Start("txn-a", nil)
	defer c.Close()

	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("caller context must not carry an execution context")
	}
	var seen string
	err := c.Do(context.Background(), func(ctx context.Context) error {
		current, ok := FromContext(ctx)
		if !ok {
			return errors.New("missing execution context")
		}
		seen = current.ID()
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if seen != c.ID() || !strings.HasPrefix(seen, "exec-") {
		t.Fatalf("unexpected identity %q (want %q)", seen, c.ID())
	}
}

func TestLocalsSurviveAcrossCalls(t *testing.T) {
	t.Parallel()

	c := Start("txn-locals", nil)
	defer c.Close()

	type handleKey struct{}
	if err := c.Do(context.Background(), func(ctx context.Context) error {
		current, _ := FromContext(ctx)
		current.Set(handleKey{}, "native-handle")
		return nil
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	var got string
	if err := c.Do(context.Background(), func(ctx context.Context) error {
		v, ok := Local[string](ctx, handleKey{})
		if !ok {
			return errors.New("handle not bound")
		}
		got = v
		return nil
	}); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != "native-handle" {
		t.Fatalf("unexpected local %q", got)
	}
	other := Start("txn-other", nil)
	defer other.Close()
	if err := other.Do(context.Background(), func(ctx context.Context) error {
		if _, ok := Local[string](ctx, handleKey{}); ok {
			return errors.New("locals leaked between contexts")
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func TestDoSerialisesCalls(t *testing.T) {
	t.Parallel()

	c := Start("txn-serial", nil)
	defer c.Close()

	var (
		mu      sync.Mutex
		running int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(context.Background(), func(context.Context) error {
				mu.Lock()
				running++
				if running > maxSeen {
					maxSeen = running
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected serial execution, saw %d concurrent calls", maxSeen)
	}
}

func TestPanicIsReturnedAsError(t *testing.T) {
	t.Parallel()

	c := Start("txn-panic", nil)
	defer c.Close()

	err := c.Do(context.Background(), func(context.Context) error {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if err := c.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("context should survive a panic: %v", err)
	}
}

func TestNestedDoRunsInline(t *testing.T) {
	t.Parallel()

	c := Start("txn-nested", nil)
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.Do(context.Background(), func(ctx context.Context) error {
			return c.Do(ctx, func(context.Context) error { return nil })
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("nested do: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested Do deadlocked")
	}
}

func TestClosedContextRejectsCalls(t *testing.T) {
	t.Parallel()

	c := Start("txn-closed", nil)
	c.Close()
	c.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context did not stop")
	}
	if !c.Closed() {
		t.Fatal("expected Closed to report true")
	}
	err := c.Do(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, txn.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDoHonoursCancelledContextBeforeDispatch(t *testing.T) {
	t.Parallel()

	c := Start("txn-cancel", nil)
	defer c.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Do(ctx, func(context.Context) error { return nil })
	close(release)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
