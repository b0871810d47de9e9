// Package routing decides where a finished transcript goes: the shared
// voice session or a direct agent request with optional channel
// delivery. Policies are pluggable by name so platform builds can ship
// their own.
package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Transport sends routed transcripts over the gateway session.
type Transport interface {
	SendVoiceTranscript(sessionKey, text string) error
	SendAgentRequest(sessionKey, text string, deliver bool, channel, to string) error
}

// Router handles one transcript at a time. The bool reports whether
// the transcript was consumed.
type Router interface {
	HandleTranscript(ctx context.Context, text string) (bool, error)
}

// Config selects routing behavior.
type Config struct {
	SessionKey     string
	AgentRequest   bool
	Deliver        bool
	DeliverChannel string
	DeliverTo      string
}

// Factory builds a Router for a named policy.
type Factory func(cfg Config, transport Transport, logf func(string, ...any)) (Router, error)

type registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var globalRegistry = &registry{factories: map[string]Factory{}}

// Register installs a named policy factory.
func Register(name string, factory Factory) {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return
	}
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.factories[name] = factory
}

// New builds the named policy, defaulting to "default".
func New(name string, cfg Config, transport Transport, logf func(string, ...any)) (Router, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "default"
	}
	globalRegistry.mu.RLock()
	factory, ok := globalRegistry.factories[name]
	globalRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("routing policy not found: %s", name)
	}
	return factory(cfg, transport, logf)
}
