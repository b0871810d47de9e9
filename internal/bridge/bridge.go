// Package bridge maintains one websocket session to the gateway. A
// session is handshake-scoped: Connect dials, identifies the node, and
// then blocks until the connection ends. Inbound invokes and RPCs are
// served through hooks; outbound traffic goes through Request,
// SendEvent, and the keepalive loop.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdbot/clawnode/internal/protocol"
)

const (
	dialTimeout    = 5 * time.Second
	helloTimeout   = 30 * time.Second
	pairTimeout    = 6 * time.Minute
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024 * 1024
	outboundBuffer = 32
	requestTimeout = 30 * time.Second
)

// Handshake identifies the node to the gateway.
type Handshake struct {
	NodeID          string
	DisplayName     string
	Token           string
	Platform        string
	Version         string
	DeviceFamily    string
	ModelIdentifier string
	Caps            []string
	Commands        []string
	Permissions     map[string]bool
	PairSilent      bool
	PingInterval    time.Duration
}

// InvokeHandler serves one inbound command call.
type InvokeHandler func(ctx context.Context, req protocol.InvokeRequest) protocol.InvokeResponse

// RequestHandler serves one inbound RPC method (e.g. voicewake.get).
// It returns the result payload JSON or an error.
type RequestHandler func(ctx context.Context, method, paramsJSON string) (string, error)

// Hooks wire session callbacks. Any hook may be nil; nil invoke and
// request handlers answer UNAVAILABLE like a headless node.
type Hooks struct {
	OnConnected func(s *Session, serverName string)
	OnInvoke    InvokeHandler
	OnRequest   RequestHandler
}

// Event is one entry from the gateway's event stream.
type Event struct {
	Event       string
	PayloadJSON string
}

// Session is a live gateway connection. Safe for concurrent use.
type Session struct {
	conn       *websocket.Conn
	logf       func(string, ...any)
	remoteAddr string

	sendCh    chan protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Frame

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// Connect dials the gateway, performs the hello handshake, and serves
// the session until it ends. It returns nil on a graceful close and an
// error otherwise. Cancelling ctx tears the connection down.
func Connect(ctx context.Context, endpoint string, hs Handshake, hooks Hooks, logf func(string, ...any)) error {
	s, err := dial(ctx, endpoint, logf)
	if err != nil {
		return err
	}
	defer s.Close()

	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	if err := s.send(helloFrame(hs)); err != nil {
		return err
	}
	serverName, err := s.awaitHello()
	if err != nil {
		return err
	}
	s.logf("hello ok (server=%s)", serverName)
	if hooks.OnConnected != nil {
		hooks.OnConnected(s, serverName)
	}
	if hs.PingInterval > 0 {
		go s.keepalive(hs.PingInterval)
	}
	return s.readLoop(ctx, hooks)
}

// Pair dials the gateway and runs the pairing flow, returning the
// issued node token.
func Pair(ctx context.Context, endpoint string, hs Handshake, logf func(string, ...any)) (string, error) {
	s, err := dial(ctx, endpoint, logf)
	if err != nil {
		return "", err
	}
	defer s.Close()
	go s.writePump()

	frame := helloFrame(hs)
	frame.Type = protocol.FramePairRequest
	frame.Token = ""
	frame.Silent = hs.PairSilent
	if err := s.send(frame); err != nil {
		return "", err
	}

	deadline := time.After(pairTimeout)
	for {
		var f protocol.Frame
		readErr := make(chan error, 1)
		go func() { readErr <- s.conn.ReadJSON(&f) }()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", errors.New("pairing timeout")
		case err := <-readErr:
			if err != nil {
				return "", err
			}
		}
		switch f.Type {
		case protocol.FramePairOK:
			if f.Token == "" {
				return "", errors.New("pair-ok missing token")
			}
			return f.Token, nil
		case protocol.FramePing:
			_ = s.send(protocol.Frame{Type: protocol.FramePong, ID: f.ID})
		case protocol.FrameError:
			return "", fmt.Errorf("gateway error: %s %s", f.Code, f.Message)
		}
	}
}

func dial(ctx context.Context, endpoint string, logf func(string, ...any)) (*Session, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("gateway endpoint required")
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	target, err := gatewayURL(endpoint)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &Session{
		conn:       conn,
		logf:       logf,
		remoteAddr: conn.RemoteAddr().String(),
		sendCh:     make(chan protocol.Frame, outboundBuffer),
		closed:     make(chan struct{}),
		pending:    map[string]chan protocol.Frame{},
		subs:       map[int]chan Event{},
	}, nil
}

// gatewayURL accepts either a full ws:// / wss:// URL or a bare
// host:port and normalizes it to a websocket URL.
func gatewayURL(endpoint string) (string, error) {
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("invalid gateway endpoint: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss":
			return u.String(), nil
		default:
			return "", fmt.Errorf("unsupported gateway scheme: %s", u.Scheme)
		}
	}
	return "ws://" + endpoint + "/", nil
}

func helloFrame(hs Handshake) protocol.Frame {
	return protocol.Frame{
		Type:            protocol.FrameHello,
		NodeID:          hs.NodeID,
		DisplayName:     hs.DisplayName,
		Token:           hs.Token,
		Platform:        hs.Platform,
		Version:         hs.Version,
		DeviceFamily:    hs.DeviceFamily,
		ModelIdentifier: hs.ModelIdentifier,
		Caps:            hs.Caps,
		Commands:        hs.Commands,
		Permissions:     permissionsOrEmpty(hs.Permissions),
	}
}

func permissionsOrEmpty(perms map[string]bool) map[string]bool {
	if perms == nil {
		return map[string]bool{}
	}
	return perms
}

// awaitHello reads frames until hello-ok, answering pings.
func (s *Session) awaitHello() (string, error) {
	deadline := time.Now().Add(helloTimeout)
	for {
		if time.Now().After(deadline) {
			return "", errors.New("hello timeout")
		}
		var f protocol.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			return "", err
		}
		switch f.Type {
		case protocol.FrameHelloOK:
			_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
			return f.ServerName, nil
		case protocol.FramePing:
			_ = s.send(protocol.Frame{Type: protocol.FramePong, ID: f.ID})
		case protocol.FrameError:
			return "", fmt.Errorf("gateway error: %s %s", f.Code, f.Message)
		}
	}
}

// RemoteAddr reports the resolved gateway address of this connection.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Close tears the session down. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
		s.pendingMu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
		s.subMu.Lock()
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.subMu.Unlock()
	})
}

func (s *Session) send(f protocol.Frame) error {
	select {
	case s.sendCh <- f:
		return nil
	case <-s.closed:
		return errors.New("session closed")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case f := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

// keepalive sends gateway-level ping frames in addition to websocket
// control pings; the gateway uses these to track node liveness.
func (s *Session) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.send(protocol.Frame{Type: protocol.FramePing, ID: randomID(8)}); err != nil {
				return
			}
		}
	}
}

// readLoop serves inbound frames until the connection ends. Each invoke
// and RPC is handled on its own goroutine, so multiple calls may be in
// flight against one session.
func (s *Session) readLoop(ctx context.Context, hooks Hooks) error {
	for {
		var f protocol.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-s.closed:
				return nil
			default:
			}
			return err
		}
		switch f.Type {
		case protocol.FramePing:
			if f.ID != "" {
				_ = s.send(protocol.Frame{Type: protocol.FramePong, ID: f.ID})
			}
		case protocol.FramePong:
			// liveness only
		case protocol.FrameInvoke:
			go s.serveInvoke(ctx, hooks.OnInvoke, f)
		case protocol.FrameRequest:
			go s.serveRequest(ctx, hooks.OnRequest, f)
		case protocol.FrameResponse:
			s.resolvePending(f)
		case protocol.FrameEvent:
			if f.Event != "" {
				s.fanOut(Event{Event: f.Event, PayloadJSON: f.PayloadJSON})
			}
		case protocol.FrameError:
			return fmt.Errorf("gateway error: %s %s", f.Code, f.Message)
		}
	}
}

func (s *Session) serveInvoke(ctx context.Context, handler InvokeHandler, f protocol.Frame) {
	if f.ID == "" {
		return
	}
	req := protocol.InvokeRequest{ID: f.ID, Command: f.Command, ParamsJSON: f.ParamsJSON}
	var resp protocol.InvokeResponse
	if handler == nil {
		resp = protocol.ErrorResponse(f.ID, protocol.Unavailable("node has no command handler"))
	} else {
		resp = handler(ctx, req)
	}
	resp.ID = f.ID
	if err := s.send(protocol.ResponseFrame(resp)); err != nil {
		s.logf("invoke response dropped: %v", err)
	}
}

func (s *Session) serveRequest(ctx context.Context, handler RequestHandler, f protocol.Frame) {
	if f.ID == "" {
		return
	}
	ok := true
	frame := protocol.Frame{Type: protocol.FrameResponse, ID: f.ID, OK: &ok}
	if handler == nil {
		ok = false
		frame.Error = protocol.Unavailable("node has no RPC handler")
	} else if payload, err := handler(ctx, f.Method, f.ParamsJSON); err != nil {
		ok = false
		var detail *protocol.ErrorDetail
		if errors.As(err, &detail) {
			frame.Error = detail
		} else {
			frame.Error = protocol.Unavailable("%s", err.Error())
		}
	} else {
		frame.PayloadJSON = payload
	}
	if err := s.send(frame); err != nil {
		s.logf("rpc response dropped: %v", err)
	}
}

// Request performs a one-shot RPC against the gateway and waits for the
// correlated response.
func (s *Session) Request(ctx context.Context, method, paramsJSON string) (string, error) {
	id := randomID(8)
	ch := make(chan protocol.Frame, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	frame := protocol.Frame{Type: protocol.FrameRequest, ID: id, Method: method, ParamsJSON: paramsJSON}
	if err := s.send(frame); err != nil {
		return "", err
	}
	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("request %s timed out", method)
	case <-s.closed:
		return "", errors.New("session closed")
	case res, okCh := <-ch:
		if !okCh {
			return "", errors.New("session closed")
		}
		if res.OK != nil && !*res.OK {
			if res.Error != nil {
				return "", res.Error
			}
			return "", fmt.Errorf("request %s failed", method)
		}
		return res.PayloadJSON, nil
	}
}

func (s *Session) resolvePending(f protocol.Frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.ID]
	if ok {
		delete(s.pending, f.ID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

// SendEvent fires a one-way event at the gateway.
func (s *Session) SendEvent(event, payloadJSON string) error {
	return s.send(protocol.Frame{Type: protocol.FrameEvent, Event: event, PayloadJSON: payloadJSON})
}

// SubscribeEvents returns a buffered stream of inbound gateway events
// and a cancel function. Slow consumers lose events rather than block
// the read loop.
func (s *Session) SubscribeEvents(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	select {
	case <-s.closed:
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()
	cancel := func() {
		s.subMu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Session) fanOut(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// drop for slow consumers
		}
	}
}

func randomID(n int) string {
	if n <= 0 {
		n = 6
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
