// Package supervisor owns the gateway reconnect loop. One supervised
// loop runs per instance; it retries indefinitely with capped
// exponential backoff and publishes a connection-state snapshot for
// observers. Only Disconnect (or a superseding Connect) stops it.
package supervisor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/clawdbot/clawnode/internal/bridge"
)

// Phase is the connection lifecycle position.
type Phase int

const (
	Offline Phase = iota
	Connecting
	Reconnecting
	Connected
)

func (p Phase) String() string {
	switch p {
	case Offline:
		return "offline"
	case Connecting:
		return "connecting"
	case Reconnecting:
		return "reconnecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// State is a point-in-time snapshot of the supervised connection.
type State struct {
	Phase      Phase
	Attempt    int
	ServerName string
	RemoteAddr string
	LastError  string
}

// DialFunc matches bridge.Connect; injectable for tests.
type DialFunc func(ctx context.Context, endpoint string, hs bridge.Handshake, hooks bridge.Hooks, logf func(string, ...any)) error

// Options configure a Supervisor.
type Options struct {
	// Dial defaults to bridge.Connect.
	Dial DialFunc
	// OnInvoke serves inbound command calls.
	OnInvoke bridge.InvokeHandler
	// OnRequest serves inbound RPC methods.
	OnRequest bridge.RequestHandler
	// OnSession starts per-session collaborators (event sync) once the
	// session is connected. The context is cancelled when the
	// supervised loop is torn down.
	OnSession func(ctx context.Context, s *bridge.Session)
	Logf      func(string, ...any)
}

// Supervisor keeps one gateway session alive.
type Supervisor struct {
	dial      DialFunc
	onInvoke  bridge.InvokeHandler
	onRequest bridge.RequestHandler
	onSession func(ctx context.Context, s *bridge.Session)
	logf      func(string, ...any)

	mu     sync.Mutex
	state  State
	gen    int
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Supervisor {
	dial := opts.Dial
	if dial == nil {
		dial = bridge.Connect
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Supervisor{
		dial:      dial,
		onInvoke:  opts.OnInvoke,
		onRequest: opts.OnRequest,
		onSession: opts.OnSession,
		logf:      logf,
	}
}

// Connect starts (or restarts) the supervised loop. A prior loop is
// cancelled and fully drained before the new one is started, and the
// observable state is cleared synchronously.
func (s *Supervisor) Connect(endpoint string, hs bridge.Handshake) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	ctx, cancelLoop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.cancel = cancelLoop
	s.done = make(chan struct{})
	doneCh := s.done
	s.state = State{Phase: Connecting}
	s.mu.Unlock()

	go s.loop(ctx, gen, doneCh, endpoint, hs)
}

// Disconnect cancels the supervised loop and waits for it to settle
// Offline. Idempotent.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// State returns a snapshot of the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) loop(ctx context.Context, gen int, done chan struct{}, endpoint string, hs bridge.Handshake) {
	defer close(done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			break
		}
		s.markAttempt(gen, attempt)
		err := s.dial(ctx, endpoint, hs, bridge.Hooks{
			OnConnected: func(sess *bridge.Session, serverName string) {
				s.markConnected(ctx, gen, sess, serverName)
			},
			OnInvoke:  s.onInvoke,
			OnRequest: s.onRequest,
		}, s.logf)
		if ctx.Err() != nil {
			break
		}
		// The attempt counter is never reset after a successful
		// session; a long-lived connection that later drops resumes
		// with elevated backoff. Kept as observed pending product
		// clarification.
		attempt++
		var delay time.Duration
		if err != nil {
			s.markError(gen, attempt, err)
			s.logf("gateway session failed: %v", err)
			delay = retryDelay(attempt)
		} else {
			s.logf("gateway session ended")
			delay = reconnectDelay(attempt)
		}
		if !sleepCtx(ctx, delay) {
			break
		}
	}
	s.markOffline(gen)
}

func (s *Supervisor) markAttempt(gen, attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	phase := Connecting
	if attempt > 0 {
		phase = Reconnecting
	}
	lastErr := s.state.LastError
	s.state = State{Phase: phase, Attempt: attempt, LastError: lastErr}
}

func (s *Supervisor) markConnected(ctx context.Context, gen int, sess *bridge.Session, serverName string) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state.Phase = Connected
	s.state.ServerName = serverName
	s.state.RemoteAddr = sess.RemoteAddr()
	s.state.LastError = ""
	s.mu.Unlock()
	if s.onSession != nil {
		go s.onSession(ctx, sess)
	}
}

func (s *Supervisor) markError(gen, attempt int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.state = State{Phase: Reconnecting, Attempt: attempt, LastError: err.Error()}
}

// markOffline is the loop's cleanup tail. The generation guard keeps a
// cancelled loop from overwriting the state of a newer one.
func (s *Supervisor) markOffline(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.state = State{Phase: Offline}
}

// reconnectDelay paces retries after a graceful session end.
func reconnectDelay(attempt int) time.Duration {
	return backoffDelay(0.35, 6.0, attempt)
}

// retryDelay paces retries after a session failure.
func retryDelay(attempt int) time.Duration {
	return backoffDelay(0.5, 8.0, attempt)
}

func backoffDelay(base, ceil float64, attempt int) time.Duration {
	seconds := base * math.Pow(1.7, float64(attempt))
	if seconds > ceil {
		seconds = ceil
	}
	return time.Duration(seconds * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
