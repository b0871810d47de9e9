package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/clawdbot/clawnode/internal/protocol"
)

var upgrader = websocket.Upgrader{}

// fakeGateway runs handler against each websocket connection after
// completing the hello handshake.
func fakeGateway(t *testing.T, handler func(conn *websocket.Conn, hello protocol.Frame)) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var hello protocol.Frame
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		handler(conn, hello)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func sendHelloOK(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameHelloOK, ServerName: "test-gw"}); err != nil {
		t.Errorf("hello-ok: %v", err)
	}
}

func closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func discardLogf(string, ...any) {}

func TestConnectHandshakeAndGracefulClose(t *testing.T) {
	helloCh := make(chan protocol.Frame, 1)
	endpoint := fakeGateway(t, func(conn *websocket.Conn, hello protocol.Frame) {
		helloCh <- hello
		sendHelloOK(t, conn)
		closeGracefully(conn)
	})

	var serverName string
	hs := Handshake{
		NodeID:      "node-1",
		DisplayName: "Test Node",
		Token:       "tok",
		Platform:    "linux",
		Caps:        []string{"voiceWake"},
		Commands:    []string{"canvas.present"},
		Permissions: map[string]bool{"camera": true},
	}
	err := Connect(context.Background(), endpoint, hs, Hooks{
		OnConnected: func(_ *Session, name string) { serverName = name },
	}, discardLogf)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if serverName != "test-gw" {
		t.Fatalf("serverName = %q", serverName)
	}

	hello := <-helloCh
	if hello.Type != protocol.FrameHello {
		t.Fatalf("hello type = %q", hello.Type)
	}
	if hello.NodeID != "node-1" || hello.Token != "tok" {
		t.Fatalf("hello = %+v", hello)
	}
	if len(hello.Commands) != 1 || hello.Commands[0] != "canvas.present" {
		t.Fatalf("commands = %v", hello.Commands)
	}
	if !hello.Permissions["camera"] {
		t.Fatalf("permissions = %v", hello.Permissions)
	}
}

func TestConnectServesInvoke(t *testing.T) {
	type result struct {
		frame protocol.Frame
		err   error
	}
	resCh := make(chan result, 1)
	endpoint := fakeGateway(t, func(conn *websocket.Conn, _ protocol.Frame) {
		sendHelloOK(t, conn)
		invoke := protocol.Frame{
			Type:       protocol.FrameInvoke,
			ID:         "inv-1",
			Command:    "canvas.hide",
			ParamsJSON: "{}",
		}
		if err := conn.WriteJSON(invoke); err != nil {
			resCh <- result{err: err}
			return
		}
		var frame protocol.Frame
		err := conn.ReadJSON(&frame)
		resCh <- result{frame: frame, err: err}
		closeGracefully(conn)
	})

	err := Connect(context.Background(), endpoint, Handshake{NodeID: "n"}, Hooks{
		OnInvoke: func(_ context.Context, req protocol.InvokeRequest) protocol.InvokeResponse {
			if req.Command != "canvas.hide" {
				t.Errorf("command = %q", req.Command)
			}
			return protocol.OKResponse(req.ID, `{"hidden":true}`)
		},
	}, discardLogf)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("gateway read: %v", res.err)
	}
	if res.frame.Type != protocol.FrameInvokeRes || res.frame.ID != "inv-1" {
		t.Fatalf("response = %+v", res.frame)
	}
	if res.frame.OK == nil || !*res.frame.OK {
		t.Fatalf("response not ok: %+v", res.frame)
	}
	if res.frame.PayloadJSON != `{"hidden":true}` {
		t.Fatalf("payload = %q", res.frame.PayloadJSON)
	}
}

func TestConnectHeadlessInvokeUnavailable(t *testing.T) {
	resCh := make(chan protocol.Frame, 1)
	endpoint := fakeGateway(t, func(conn *websocket.Conn, _ protocol.Frame) {
		sendHelloOK(t, conn)
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.FrameInvoke, ID: "inv-1", Command: "camera.snap"})
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err == nil {
			resCh <- frame
		}
		closeGracefully(conn)
	})

	if err := Connect(context.Background(), endpoint, Handshake{}, Hooks{}, discardLogf); err != nil {
		t.Fatalf("connect: %v", err)
	}
	frame := <-resCh
	if frame.OK == nil || *frame.OK {
		t.Fatalf("expected failed response: %+v", frame)
	}
	if frame.Error == nil || frame.Error.Code != protocol.CodeUnavailable {
		t.Fatalf("error = %+v", frame.Error)
	}
}

func TestConnectServesRequestRPC(t *testing.T) {
	resCh := make(chan protocol.Frame, 1)
	endpoint := fakeGateway(t, func(conn *websocket.Conn, _ protocol.Frame) {
		sendHelloOK(t, conn)
		_ = conn.WriteJSON(protocol.Frame{
			Type:       protocol.FrameRequest,
			ID:         "rpc-1",
			Method:     "voicewake.get",
			ParamsJSON: "",
		})
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err == nil {
			resCh <- frame
		}
		closeGracefully(conn)
	})

	err := Connect(context.Background(), endpoint, Handshake{}, Hooks{
		OnRequest: func(_ context.Context, method, _ string) (string, error) {
			if method != "voicewake.get" {
				t.Errorf("method = %q", method)
			}
			return `{"triggers":["computer"]}`, nil
		},
	}, discardLogf)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	frame := <-resCh
	if frame.Type != protocol.FrameResponse || frame.ID != "rpc-1" {
		t.Fatalf("response = %+v", frame)
	}
	if frame.PayloadJSON != `{"triggers":["computer"]}` {
		t.Fatalf("payload = %q", frame.PayloadJSON)
	}
}

func TestSessionRequestCorrelation(t *testing.T) {
	endpoint := fakeGateway(t, func(conn *websocket.Conn, _ protocol.Frame) {
		sendHelloOK(t, conn)
		var req protocol.Frame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		ok := true
		_ = conn.WriteJSON(protocol.Frame{
			Type:        protocol.FrameResponse,
			ID:          req.ID,
			OK:          &ok,
			PayloadJSON: `{"triggers":[]}`,
		})
		closeGracefully(conn)
	})

	payloadCh := make(chan string, 1)
	errCh := make(chan error, 1)
	err := Connect(context.Background(), endpoint, Handshake{}, Hooks{
		OnConnected: func(s *Session, _ string) {
			go func() {
				payload, err := s.Request(context.Background(), "voicewake.get", "")
				payloadCh <- payload
				errCh <- err
			}()
		},
	}, discardLogf)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("request: %v", err)
	}
	if payload := <-payloadCh; payload != `{"triggers":[]}` {
		t.Fatalf("payload = %q", payload)
	}
}

func TestSessionEventsFanOut(t *testing.T) {
	endpoint := fakeGateway(t, func(conn *websocket.Conn, _ protocol.Frame) {
		sendHelloOK(t, conn)
		_ = conn.WriteJSON(protocol.Frame{
			Type:        protocol.FrameEvent,
			Event:       "voicewake.changed",
			PayloadJSON: `{"triggers":["computer"]}`,
		})
		time.Sleep(50 * time.Millisecond)
		closeGracefully(conn)
	})

	got := make(chan Event, 1)
	err := Connect(context.Background(), endpoint, Handshake{}, Hooks{
		OnConnected: func(s *Session, _ string) {
			events, _ := s.SubscribeEvents(4)
			go func() {
				for ev := range events {
					select {
					case got <- ev:
					default:
					}
				}
			}()
		},
	}, discardLogf)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Event != "voicewake.changed" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestConnectCancelledContext(t *testing.T) {
	endpoint := fakeGateway(t, func(conn *websocket.Conn, _ protocol.Frame) {
		sendHelloOK(t, conn)
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Connect(ctx, endpoint, Handshake{}, Hooks{
			OnConnected: func(*Session, string) { cancel() },
		}, discardLogf)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("connect after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connect did not return")
	}
}

func TestGatewayURL(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "127.0.0.1:18790", want: "ws://127.0.0.1:18790/"},
		{in: "ws://gw.local:18790/node", want: "ws://gw.local:18790/node"},
		{in: "wss://gw.example.com/node", want: "wss://gw.example.com/node"},
		{in: "http://gw.example.com", wantErr: true},
	}
	for _, tc := range cases {
		got, err := gatewayURL(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPairFlow(t *testing.T) {
	endpoint := fakeGateway(t, func(conn *websocket.Conn, hello protocol.Frame) {
		if hello.Type != protocol.FramePairRequest {
			t.Errorf("first frame type = %q", hello.Type)
		}
		if hello.Token != "" {
			t.Errorf("pair request carried token")
		}
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.FramePairOK, Token: "issued-token"})
	})

	token, err := Pair(context.Background(), endpoint, Handshake{NodeID: "n"}, discardLogf)
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if token != "issued-token" {
		t.Fatalf("token = %q", token)
	}
}

func TestPairGatewayError(t *testing.T) {
	endpoint := fakeGateway(t, func(conn *websocket.Conn, _ protocol.Frame) {
		_ = conn.WriteJSON(protocol.Frame{Type: protocol.FrameError, Code: "denied", Message: "pairing rejected"})
	})

	if _, err := Pair(context.Background(), endpoint, Handshake{}, discardLogf); err == nil {
		t.Fatalf("expected error")
	}
}
