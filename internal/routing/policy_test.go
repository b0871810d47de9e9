package routing

import (
	"context"
	"testing"
)

type call struct {
	sessionKey string
	text       string
	deliver    bool
	channel    string
	to         string
}

type fakeTransport struct {
	voice []call
	agent []call
}

func (f *fakeTransport) SendVoiceTranscript(sessionKey, text string) error {
	f.voice = append(f.voice, call{sessionKey: sessionKey, text: text})
	return nil
}

func (f *fakeTransport) SendAgentRequest(sessionKey, text string, deliver bool, channel, to string) error {
	f.agent = append(f.agent, call{sessionKey: sessionKey, text: text, deliver: deliver, channel: channel, to: to})
	return nil
}

func TestDefaultPolicyVoiceTranscript(t *testing.T) {
	transport := &fakeTransport{}
	router, err := New("default", Config{SessionKey: "main"}, transport, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	handled, err := router.HandleTranscript(context.Background(), "hello")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !handled {
		t.Fatalf("expected handled")
	}
	if len(transport.voice) != 1 || transport.voice[0].sessionKey != "main" {
		t.Fatalf("voice calls = %v", transport.voice)
	}
	if len(transport.agent) != 0 {
		t.Fatalf("unexpected agent request")
	}
}

func TestDefaultPolicyAgentRequest(t *testing.T) {
	transport := &fakeTransport{}
	cfg := Config{
		SessionKey:     "main",
		AgentRequest:   true,
		Deliver:        true,
		DeliverChannel: "telegram",
		DeliverTo:      "123",
	}
	router, err := New("default", cfg, transport, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := router.HandleTranscript(context.Background(), "hello"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(transport.agent) != 1 {
		t.Fatalf("agent calls = %v", transport.agent)
	}
	got := transport.agent[0]
	if !got.deliver || got.channel != "telegram" || got.to != "123" {
		t.Fatalf("agent call = %+v", got)
	}
	if len(transport.voice) != 0 {
		t.Fatalf("unexpected voice transcript")
	}
}

func TestDefaultPolicySkipsEmptyText(t *testing.T) {
	transport := &fakeTransport{}
	router, err := New("default", Config{SessionKey: "main"}, transport, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	handled, err := router.HandleTranscript(context.Background(), "   ")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if handled {
		t.Fatalf("empty transcript consumed")
	}
	if len(transport.voice) != 0 || len(transport.agent) != 0 {
		t.Fatalf("unexpected sends")
	}
}

func TestNewUnknownPolicy(t *testing.T) {
	if _, err := New("bespoke", Config{}, &fakeTransport{}, nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewDefaultsPolicyName(t *testing.T) {
	if _, err := New("", Config{}, &fakeTransport{}, nil); err != nil {
		t.Fatalf("new: %v", err)
	}
}
