package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// Keys in these tests are subscriber endpoint URLs, matching how the
// notification emitter keys its breaker.
const (
	endpointA = "https://hooks.example.com/cards"
	endpointB = "https://ops.example.net/events"
)

func TestBreaker_ClosedAllows(t *testing.T) {
	b := New(3, 100*time.Millisecond)
	if !b.Allow(endpointA) {
		t.Fatal("closed breaker must allow")
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(endpointA)
	b.RecordFailure(endpointA)
	if !b.Allow(endpointA) {
		t.Fatal("two failures must not trip a threshold of three")
	}

	b.RecordFailure(endpointA)
	if b.Allow(endpointA) {
		t.Fatal("third failure must open the breaker")
	}
	if b.State(endpointA) != StateOpen {
		t.Fatalf("state = %v, want open", b.State(endpointA))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(endpointA)
	b.RecordFailure(endpointA)
	if b.Allow(endpointA) {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// One probe delivery goes through after the open window elapses.
	if !b.Allow(endpointA) {
		t.Fatal("half-open breaker must allow one probe")
	}
	if b.State(endpointA) != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State(endpointA))
	}
	if b.Allow(endpointA) {
		t.Fatal("only one probe may pass while half-open")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(endpointA)
	b.RecordFailure(endpointA)
	time.Sleep(60 * time.Millisecond)
	b.Allow(endpointA) // half-open probe

	b.RecordSuccess(endpointA)
	if b.State(endpointA) != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", b.State(endpointA))
	}
	if !b.Allow(endpointA) {
		t.Fatal("recovered endpoint must be allowed")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	b.RecordFailure(endpointA)
	b.RecordFailure(endpointA)
	time.Sleep(60 * time.Millisecond)
	b.Allow(endpointA) // half-open probe

	b.RecordFailure(endpointA)
	if b.State(endpointA) != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", b.State(endpointA))
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := New(3, 100*time.Millisecond)

	b.RecordFailure(endpointA)
	b.RecordFailure(endpointA)
	b.RecordSuccess(endpointA)

	b.RecordFailure(endpointA)
	if !b.Allow(endpointA) {
		t.Fatal("counter should have reset on success")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, 100*time.Millisecond)

	b.RecordFailure(endpointA)
	b.RecordFailure(endpointA)

	// A dead endpoint must not block deliveries to a healthy one.
	if b.Allow(endpointA) {
		t.Fatal("endpointA should be open")
	}
	if !b.Allow(endpointB) {
		t.Fatal("endpointB should be unaffected")
	}
}

func TestBreaker_UnknownKeyStartsClosed(t *testing.T) {
	b := New(2, 100*time.Millisecond)
	if b.State("https://never-seen.example.org") != StateClosed {
		t.Fatal("unseen keys start closed")
	}
}

func TestBreaker_TransitionCallback(t *testing.T) {
	b := New(2, 50*time.Millisecond)

	var mu sync.Mutex
	var transitions []struct{ from, to State }
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		transitions = append(transitions, struct{ from, to State }{from, to})
		mu.Unlock()
	})

	b.RecordFailure(endpointA)
	b.RecordFailure(endpointA)

	// Callback runs on its own goroutine.
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 {
		t.Fatalf("transitions = %d, want 1", len(transitions))
	}
	if transitions[0].from != StateClosed || transitions[0].to != StateOpen {
		t.Fatalf("transition %v->%v, want closed->open", transitions[0].from, transitions[0].to)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
