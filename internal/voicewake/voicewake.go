// Package voicewake holds the node's wake trigger phrases and keeps
// them in sync with the gateway. The gateway owns keyword detection;
// the node answers voicewake.get/set RPCs and follows
// voicewake.changed events.
package voicewake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/clawdbot/clawnode/internal/bridge"
)

// Store is the trigger list, safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	triggers []string
	onChange func([]string)
}

// NewStore seeds the trigger list. onChange, if non-nil, fires after
// every effective update.
func NewStore(triggers []string, onChange func([]string)) *Store {
	s := &Store{onChange: onChange}
	s.Set(triggers)
	return s
}

// Triggers returns a copy of the current trigger phrases.
func (s *Store) Triggers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.triggers...)
}

// Set replaces the trigger list. Phrases are trimmed, lowercased, and
// de-duplicated; order is normalized so equal sets compare equal.
func (s *Store) Set(triggers []string) {
	seen := map[string]bool{}
	cleaned := make([]string, 0, len(triggers))
	for _, t := range triggers {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		cleaned = append(cleaned, t)
	}
	sort.Strings(cleaned)

	s.mu.Lock()
	changed := !equalStrings(s.triggers, cleaned)
	s.triggers = cleaned
	onChange := s.onChange
	s.mu.Unlock()
	if changed && onChange != nil {
		onChange(cleaned)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type triggersPayload struct {
	Triggers []string `json:"triggers"`
}

// HandleRequest serves the voicewake.* RPC methods over the session.
func (s *Store) HandleRequest(_ context.Context, method, paramsJSON string) (string, error) {
	switch method {
	case "voicewake.get":
		return marshalTriggers(s.Triggers())
	case "voicewake.set":
		var p triggersPayload
		if err := json.Unmarshal([]byte(paramsJSON), &p); err != nil {
			return "", fmt.Errorf("bad voicewake params: %w", err)
		}
		s.Set(p.Triggers)
		return marshalTriggers(s.Triggers())
	default:
		return "", fmt.Errorf("unknown method: %s", method)
	}
}

func marshalTriggers(triggers []string) (string, error) {
	data, err := json.Marshal(triggersPayload{Triggers: triggers})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RunSync is the per-session sync collaborator: it pulls the gateway's
// current triggers once, then applies voicewake.changed events until
// the session or ctx ends.
func RunSync(ctx context.Context, sess *bridge.Session, store *Store, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	events, cancel := sess.SubscribeEvents(16)
	defer cancel()

	if payload, err := sess.Request(ctx, "voicewake.get", ""); err != nil {
		logf("voicewake sync: initial fetch failed: %v", err)
	} else {
		applyTriggers(store, payload, logf)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Event == "voicewake.changed" {
				applyTriggers(store, ev.PayloadJSON, logf)
			}
		}
	}
}

func applyTriggers(store *Store, payloadJSON string, logf func(string, ...any)) {
	if strings.TrimSpace(payloadJSON) == "" {
		return
	}
	var p triggersPayload
	if err := json.Unmarshal([]byte(payloadJSON), &p); err != nil {
		logf("voicewake sync: bad payload: %v", err)
		return
	}
	store.Set(p.Triggers)
}
