// Package camera is the invocation contract for the device camera.
// Capture internals are platform code; headless builds wire Disabled.
package camera

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by the disabled implementation.
var ErrUnavailable = errors.New("camera is not available on this platform")

// Photo is one captured still.
type Photo struct {
	Format string
	Data   []byte
	Width  int
	Height int
}

// Clip is one captured video clip.
type Clip struct {
	Format   string
	Data     []byte
	Duration time.Duration
	HasAudio bool
}

// SnapOptions control still capture.
type SnapOptions struct {
	Format   string
	MaxWidth int
	Quality  float64
	Facing   string
}

// ClipOptions control clip capture.
type ClipOptions struct {
	Duration     time.Duration
	IncludeAudio bool
	Facing       string
}

// Camera captures photos and short clips.
type Camera interface {
	Snap(ctx context.Context, opts SnapOptions) (Photo, error)
	Clip(ctx context.Context, opts ClipOptions) (Clip, error)
}

// Disabled satisfies Camera on platforms without one.
type Disabled struct{}

func (Disabled) Snap(context.Context, SnapOptions) (Photo, error) {
	return Photo{}, ErrUnavailable
}

func (Disabled) Clip(context.Context, ClipOptions) (Clip, error) {
	return Clip{}, ErrUnavailable
}
