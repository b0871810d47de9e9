package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clawdbot/clawnode/internal/bridge"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	waitForWithin(t, 2*time.Second, cond)
}

func waitForWithin(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached")
}

func TestReconnectDelayBounds(t *testing.T) {
	if got := reconnectDelay(0); got != 350*time.Millisecond {
		t.Fatalf("delay(0) = %v", got)
	}
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := reconnectDelay(attempt)
		if d < prev {
			t.Fatalf("delay shrank at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > 6*time.Second {
			t.Fatalf("delay above ceiling at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	if reconnectDelay(19) != 6*time.Second {
		t.Fatalf("delay did not saturate: %v", reconnectDelay(19))
	}
}

func TestRetryDelayBounds(t *testing.T) {
	if got := retryDelay(0); got != 500*time.Millisecond {
		t.Fatalf("delay(0) = %v", got)
	}
	for attempt := 0; attempt < 20; attempt++ {
		if d := retryDelay(attempt); d > 8*time.Second {
			t.Fatalf("delay above ceiling at attempt %d: %v", attempt, d)
		}
	}
	if retryDelay(19) != 8*time.Second {
		t.Fatalf("delay did not saturate: %v", retryDelay(19))
	}
}

func TestRetrySlowerThanReconnect(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		if retryDelay(attempt) <= reconnectDelay(attempt) {
			t.Fatalf("retry not slower at attempt %d", attempt)
		}
	}
}

func TestSupervisorRetriesOnError(t *testing.T) {
	dials := make(chan struct{}, 16)
	sup := New(Options{
		Dial: func(ctx context.Context, endpoint string, hs bridge.Handshake, hooks bridge.Hooks, logf func(string, ...any)) error {
			dials <- struct{}{}
			return errors.New("connection refused")
		},
	})
	sup.Connect("127.0.0.1:1", bridge.Handshake{})
	defer sup.Disconnect()

	<-dials
	waitFor(t, func() bool {
		st := sup.State()
		return st.Phase == Reconnecting && st.Attempt >= 1 && st.LastError != ""
	})
}

func TestSupervisorDisconnectSettlesOffline(t *testing.T) {
	sup := New(Options{
		Dial: func(ctx context.Context, endpoint string, hs bridge.Handshake, hooks bridge.Hooks, logf func(string, ...any)) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	sup.Connect("127.0.0.1:1", bridge.Handshake{})
	waitFor(t, func() bool { return sup.State().Phase == Connecting })

	sup.Disconnect()
	if got := sup.State().Phase; got != Offline {
		t.Fatalf("phase = %v, want offline", got)
	}
	// Idempotent.
	sup.Disconnect()
}

func TestSupervisorReconnectSupersedes(t *testing.T) {
	first := make(chan struct{})
	sup := New(Options{
		Dial: func(ctx context.Context, endpoint string, hs bridge.Handshake, hooks bridge.Hooks, logf func(string, ...any)) error {
			select {
			case first <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})
	sup.Connect("127.0.0.1:1", bridge.Handshake{})
	<-first

	// A superseding Connect drains the old loop; its Offline tail must
	// not clobber the new loop's state.
	sup.Connect("127.0.0.1:2", bridge.Handshake{})
	defer sup.Disconnect()

	if got := sup.State().Phase; got == Offline {
		t.Fatalf("state clobbered by superseded loop")
	}
	waitFor(t, func() bool { return sup.State().Phase == Connecting })
}

func TestSupervisorAttemptNeverResets(t *testing.T) {
	var calls int
	sup := New(Options{
		Dial: func(ctx context.Context, endpoint string, hs bridge.Handshake, hooks bridge.Hooks, logf func(string, ...any)) error {
			calls++
			if calls < 3 {
				return errors.New("refused")
			}
			// A later graceful session end still advances the counter.
			return nil
		},
	})
	sup.Connect("127.0.0.1:1", bridge.Handshake{})
	defer sup.Disconnect()

	waitForWithin(t, 10*time.Second, func() bool { return sup.State().Attempt >= 3 })
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{
		Offline:      "offline",
		Connecting:   "connecting",
		Reconnecting: "reconnecting",
		Connected:    "connected",
		Phase(99):    "unknown",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Fatalf("String(%d) = %q, want %q", int(phase), got, want)
		}
	}
}
