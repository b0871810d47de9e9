package voice

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/clawdbot/clawnode/internal/routing"
)

// Forwarder drains a transcript stream into the routing policy, pacing
// outbound events so a chatty recognizer cannot flood the gateway. It
// is also the node's suspendable audio consumer: camera clips suspend
// it while they own the microphone.
type Forwarder struct {
	router  routing.Router
	limiter *rate.Limiter
	logf    func(string, ...any)

	mu        sync.Mutex
	suspended bool
}

// NewForwarder builds a forwarder sending at most eventsPerSec
// transcripts per second (burst of one extra).
func NewForwarder(router routing.Router, eventsPerSec float64, logf func(string, ...any)) *Forwarder {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if eventsPerSec <= 0 {
		eventsPerSec = 2
	}
	return &Forwarder{
		router:  router,
		limiter: rate.NewLimiter(rate.Limit(eventsPerSec), 2),
		logf:    logf,
	}
}

// Suspend drops transcripts until Resume. Idempotent.
func (f *Forwarder) Suspend() {
	f.mu.Lock()
	f.suspended = true
	f.mu.Unlock()
}

func (f *Forwarder) Resume() {
	f.mu.Lock()
	f.suspended = false
	f.mu.Unlock()
}

func (f *Forwarder) isSuspended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.suspended
}

// Run consumes transcripts until ctx ends or the stream closes.
func (f *Forwarder) Run(ctx context.Context, in <-chan Transcript) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-in:
			if !ok {
				return
			}
			text := strings.TrimSpace(tr.Text)
			if text == "" || !tr.Final {
				continue
			}
			if f.isSuspended() {
				f.logf("transcript dropped while audio suspended")
				continue
			}
			if err := f.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := f.router.HandleTranscript(ctx, text); err != nil {
				f.logf("transcript routing error: %v", err)
			}
		}
	}
}
