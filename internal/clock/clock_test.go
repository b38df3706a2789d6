package clock_test

import (
	"testing"
	"time"

	"github.com/Smoac/openbis-fork-sub014/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestEnsureDefaultsToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Ensure(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock fallback")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.Ensure(manual) != manual {
		t.Fatal("expected provided clock to be kept")
	}
}

func TestManualAdvanceFiresDueTimers(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	early := m.After(time.Second)
	late := m.After(time.Minute)
	if m.Pending() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", m.Pending())
	}
	m.Advance(2 * time.Second)
	select {
	case fired := <-early:
		if !fired.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", fired)
		}
	default:
		t.Fatal("expected early timer to fire")
	}
	select {
	case <-late:
		t.Fatal("late timer fired too soon")
	default:
	}
	if m.Pending() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", m.Pending())
	}
}

func TestElapsed(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	m.Advance(90 * time.Second)
	if got := clock.Elapsed(m, start); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
	if got := clock.Elapsed(m, time.Time{}); got < 1000*time.Hour {
		t.Fatalf("expected zero time to be very old, got %v", got)
	}
}
