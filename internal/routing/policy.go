package routing

import (
	"context"
	"strings"
)

func init() {
	Register("default", newDefaultPolicy)
}

// defaultPolicy forwards every transcript: as an agent request when
// configured, otherwise as a voice.transcript event on the session
// key.
type defaultPolicy struct {
	cfg       Config
	transport Transport
	logf      func(string, ...any)
}

func newDefaultPolicy(cfg Config, transport Transport, logf func(string, ...any)) (Router, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &defaultPolicy{cfg: cfg, transport: transport, logf: logf}, nil
}

func (p *defaultPolicy) HandleTranscript(_ context.Context, text string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	if p.cfg.AgentRequest {
		return true, p.transport.SendAgentRequest(p.cfg.SessionKey, text, p.cfg.Deliver, p.cfg.DeliverChannel, p.cfg.DeliverTo)
	}
	return true, p.transport.SendVoiceTranscript(p.cfg.SessionKey, text)
}
