package intake

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/cardrail/internal/event"
)

func TestWindow_ObserveTwice(t *testing.T) {
	w := NewWindow()
	ctx := context.Background()

	seen, err := w.Observe(ctx, "k1")
	if err != nil || seen {
		t.Fatalf("first observe: seen=%v err=%v", seen, err)
	}
	seen, err = w.Observe(ctx, "k1")
	if err != nil || !seen {
		t.Fatalf("second observe: seen=%v err=%v", seen, err)
	}
}

func TestWindow_ForgetReleasesKey(t *testing.T) {
	w := NewWindow()
	ctx := context.Background()

	if _, err := w.Observe(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := w.Forget(ctx, "k1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if seen, _ := w.Observe(ctx, "k1"); seen {
		t.Error("forgotten key still reported as seen")
	}
	if got := w.Len(); got != 1 {
		t.Errorf("expected 1 retained key after re-observe, got %d", got)
	}

	// Forgetting a key that was never observed is a no-op.
	if err := w.Forget(ctx, "k-absent"); err != nil {
		t.Errorf("forget of absent key: %v", err)
	}
}

func TestWindow_EvictsOldestHalf(t *testing.T) {
	w := newWindow(10)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if _, err := w.Observe(ctx, fmt.Sprintf("k%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	// The 11th key triggers eviction of k0..k4.
	if _, err := w.Observe(ctx, "k10"); err != nil {
		t.Fatal(err)
	}
	if got := w.Len(); got != 6 {
		t.Errorf("expected 6 retained keys after eviction, got %d", got)
	}

	// Evicted keys read as first-seen again; retained ones do not.
	if seen, _ := w.Observe(ctx, "k0"); seen {
		t.Error("evicted key k0 still reported as seen")
	}
	if seen, _ := w.Observe(ctx, "k7"); !seen {
		t.Error("retained key k7 reported as first-seen")
	}
}

func TestWindow_ConcurrentObserveIsAtomic(t *testing.T) {
	w := NewWindow()
	ctx := context.Background()

	var firstSeen atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := w.Observe(ctx, "same-key")
			if err != nil {
				t.Errorf("observe: %v", err)
				return
			}
			if !seen {
				firstSeen.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := firstSeen.Load(); got != 1 {
		t.Errorf("exactly one caller must win first-seen, got %d", got)
	}
}

func TestDedupKey_DistinguishesKindAndTimestamp(t *testing.T) {
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	auth := DedupKey("acme", event.KindAuthorization, "evt-1", ts)
	clearing := DedupKey("acme", event.KindClearing, "evt-1", ts)
	if auth == clearing {
		t.Error("authorization and clearing for the same event id must have distinct keys")
	}

	later := DedupKey("acme", event.KindAuthorization, "evt-1", ts.Add(time.Hour))
	if auth == later {
		t.Error("same event id at a new provider timestamp must have a distinct key")
	}
}
