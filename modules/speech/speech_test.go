package speech

import (
	"sync"
	"testing"
	"time"
)

type fakeEngine struct {
	mu     sync.Mutex
	spoken []string
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Speak(text string) error {
	e.mu.Lock()
	e.spoken = append(e.spoken, text)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) waitSpoken(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		if len(e.spoken) >= n {
			out := append([]string(nil), e.spoken...)
			e.mu.Unlock()
			return out
		}
		e.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d utterances", n)
	return nil
}

func TestQueueSpeaksInOrder(t *testing.T) {
	engine := &fakeEngine{}
	q := NewQueue(engine, nil)
	q.Speak("first")
	q.Speak("  second  ")
	q.Speak("")

	spoken := engine.waitSpoken(t, 2)
	if spoken[0] != "first" || spoken[1] != "second" {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestNewQueueNilEngine(t *testing.T) {
	if q := NewQueue(nil, nil); q != nil {
		t.Fatalf("expected nil queue")
	}
}

func TestChatSubscriberFinalWithText(t *testing.T) {
	engine := &fakeEngine{}
	sub := NewChatSubscriber("main", NewQueue(engine, nil), nil)

	sub.Handle(`{"runId":"r1","sessionKey":"main","state":"final","message":{"role":"assistant","content":[{"type":"text","text":"All done."}]}}`)
	spoken := engine.waitSpoken(t, 1)
	if spoken[0] != "All done." {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestChatSubscriberBuffersDeltas(t *testing.T) {
	engine := &fakeEngine{}
	sub := NewChatSubscriber("main", NewQueue(engine, nil), nil)

	sub.Handle(`{"runId":"r1","state":"delta","message":{"content":[{"type":"text","text":"Hello"}]}}`)
	sub.Handle(`{"runId":"r1","state":"delta","message":{"content":[{"type":"text","text":"there"}]}}`)
	sub.Handle(`{"runId":"r1","state":"final"}`)

	spoken := engine.waitSpoken(t, 1)
	if spoken[0] != "Hello there" {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestChatSubscriberErrorDropsBuffer(t *testing.T) {
	engine := &fakeEngine{}
	sub := NewChatSubscriber("main", NewQueue(engine, nil), nil)

	sub.Handle(`{"runId":"r1","state":"delta","message":{"content":[{"type":"text","text":"Hello"}]}}`)
	sub.Handle(`{"runId":"r1","state":"error"}`)
	sub.Handle(`{"runId":"r2","state":"final","message":{"content":[{"type":"text","text":"Fresh run."}]}}`)

	spoken := engine.waitSpoken(t, 1)
	if spoken[0] != "Fresh run." {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestChatSubscriberIgnoresOtherSessions(t *testing.T) {
	engine := &fakeEngine{}
	sub := NewChatSubscriber("main", NewQueue(engine, nil), nil)

	sub.Handle(`{"runId":"r1","sessionKey":"other","state":"final","message":{"content":[{"type":"text","text":"Not for us."}]}}`)
	sub.Handle(`{"runId":"r2","sessionKey":"main","state":"final","message":{"content":[{"type":"text","text":"For us."}]}}`)

	spoken := engine.waitSpoken(t, 1)
	if spoken[0] != "For us." {
		t.Fatalf("spoken = %v", spoken)
	}
}

func TestChatSubscriberIgnoresMalformedPayload(t *testing.T) {
	sub := NewChatSubscriber("main", nil, nil)
	sub.Handle("")
	sub.Handle("{")
}
