// Package audio carries the frame stream between capture sources and
// transcript engines.
package audio

import (
	"context"
	"time"
)

type Format struct {
	SampleRate int
	Channels   int
	Encoding   string
}

type Frame struct {
	Data      []byte
	Format    Format
	Timestamp time.Time
}

// Capture produces a live frame stream. The channel closes when the
// source ends.
type Capture interface {
	Name() string
	Start(ctx context.Context) (<-chan Frame, error)
	Close() error
}
