//go:build linux

package execctx

import (
	"context"
	"runtime"
	"testing"

	"golang.org/x/sys/unix"
)

func TestContextsUseDistinctStableThreads(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	caller := unix.Gettid()

	a := Start("txn-a", nil)
	defer a.Close()
	b := Start("txn-b", nil)
	defer b.Close()

	threadOf := func(c *Context) int {
		var tid int
		if err := c.Do(context.Background(), func(context.Context) error {
			tid = unix.Gettid()
			return nil
		}); err != nil {
			t.Fatalf("do: %v", err)
		}
		return tid
	}
	a1, b1 := threadOf(a), threadOf(b)
	a2, b2 := threadOf(a), threadOf(b)
	if a1 != a2 || b1 != b2 {
		t.Fatalf("thread identity changed: a %d->%d b %d->%d", a1, a2, b1, b2)
	}
	if a1 == b1 {
		t.Fatalf("contexts share thread %d", a1)
	}
	if a1 == caller || b1 == caller {
		t.Fatalf("work ran on the calling thread %d", caller)
	}
}
