// Package voice produces transcripts from local input and forwards
// them to the gateway as voice.transcript or agent.request events.
package voice

import (
	"context"
	"time"

	"github.com/clawdbot/clawnode/modules/audio"
)

// Transcript is one recognized utterance.
type Transcript struct {
	Text       string
	Final      bool
	Confidence float32
	Timestamp  time.Time
	Source     string
}

// Options tune an engine.
type Options struct {
	Language string
	Prompt   string
	Model    string
}

// Engine converts an audio frame stream into transcripts.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, in <-chan audio.Frame, opts Options) (<-chan Transcript, error)
}
