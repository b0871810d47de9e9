package speech

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/clawdbot/clawnode/internal/bridge"
)

// ChatSubscriber buffers streamed chat deltas per run and speaks the
// final text. Events for other session keys are ignored.
type ChatSubscriber struct {
	sessionKey string
	tts        *Queue
	logf       func(string, ...any)

	mu      sync.Mutex
	buffers map[string]*strings.Builder
}

func NewChatSubscriber(sessionKey string, tts *Queue, logf func(string, ...any)) *ChatSubscriber {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &ChatSubscriber{
		sessionKey: strings.TrimSpace(sessionKey),
		tts:        tts,
		logf:       logf,
		buffers:    make(map[string]*strings.Builder),
	}
}

// Run consumes the session event stream until ctx ends or the stream
// closes.
func (c *ChatSubscriber) Run(ctx context.Context, events <-chan bridge.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Event == "chat" {
				c.Handle(ev.PayloadJSON)
			}
		}
	}
}

func (c *ChatSubscriber) Handle(payloadJSON string) {
	if strings.TrimSpace(payloadJSON) == "" {
		return
	}
	var payload chatPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		c.logf("chat payload decode failed: %v", err)
		return
	}
	if c.sessionKey != "" && payload.SessionKey != "" && payload.SessionKey != c.sessionKey {
		return
	}
	switch payload.State {
	case "delta":
		if text := payload.text(); text != "" {
			c.append(payload.RunID, text)
		}
	case "final":
		text := payload.text()
		if text == "" {
			text = c.consume(payload.RunID)
		} else {
			c.clear(payload.RunID)
		}
		c.speak(text)
	case "error":
		c.clear(payload.RunID)
	default:
		if text := payload.text(); text != "" {
			c.speak(text)
		}
	}
}

func (c *ChatSubscriber) append(runID, text string) {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.buffers[runID]
	if buf == nil {
		buf = &strings.Builder{}
		c.buffers[runID] = buf
	}
	if buf.Len() > 0 {
		buf.WriteString(" ")
	}
	buf.WriteString(clean)
}

func (c *ChatSubscriber) consume(runID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.buffers[runID]
	if buf == nil {
		return ""
	}
	text := buf.String()
	delete(c.buffers, runID)
	return strings.TrimSpace(text)
}

func (c *ChatSubscriber) clear(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, runID)
}

func (c *ChatSubscriber) speak(text string) {
	text = strings.TrimSpace(text)
	if text == "" || c.tts == nil {
		return
	}
	c.tts.Speak(text)
}

type chatPayload struct {
	RunID      string       `json:"runId"`
	SessionKey string       `json:"sessionKey"`
	State      string       `json:"state"`
	Message    *chatMessage `json:"message"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (p *chatPayload) text() string {
	if p.Message == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range p.Message.Content {
		if strings.TrimSpace(part.Text) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(strings.TrimSpace(part.Text))
	}
	return strings.TrimSpace(b.String())
}
