// Package canvas defines the managed content surface the gateway
// drives remotely. Rendering lives in the host platform; this package
// is the invocation contract plus a disabled fallback for headless
// builds.
package canvas

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable is returned by the disabled implementations.
var ErrUnavailable = errors.New("canvas is not available on this platform")

// Snapshot is a rendered image of the canvas.
type Snapshot struct {
	Format string
	Data   []byte
	Width  int
	Height int
}

// SnapshotOptions control snapshot capture. Zero MaxWidth means the
// format-dependent default; zero Quality means the encoder default.
type SnapshotOptions struct {
	Format   string
	MaxWidth int
	Quality  float64
}

// Canvas is the remote-controlled content surface.
type Canvas interface {
	// Present shows the canvas, navigating to url when non-empty and
	// to the default canvas otherwise.
	Present(ctx context.Context, url string) error
	Hide(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	// EvalJS executes a script against the canvas and returns its
	// string result.
	EvalJS(ctx context.Context, script string) (string, error)
	Snapshot(ctx context.Context, opts SnapshotOptions) (Snapshot, error)
}

// A2UI is the canvas's interactive-UI runtime.
type A2UI interface {
	// WaitReady blocks until the runtime signals ready or ctx ends.
	WaitReady(ctx context.Context) error
	// Reset clears the runtime and returns its own JSON result.
	Reset(ctx context.Context) (string, error)
	// Push applies an ordered batch of update messages and returns the
	// runtime's own JSON result.
	Push(ctx context.Context, messages []json.RawMessage) (string, error)
}

// Disabled satisfies Canvas and A2UI on platforms without a canvas.
type Disabled struct{}

func (Disabled) Present(context.Context, string) error { return ErrUnavailable }
func (Disabled) Hide(context.Context) error            { return ErrUnavailable }
func (Disabled) Navigate(context.Context, string) error {
	return ErrUnavailable
}
func (Disabled) EvalJS(context.Context, string) (string, error) {
	return "", ErrUnavailable
}
func (Disabled) Snapshot(context.Context, SnapshotOptions) (Snapshot, error) {
	return Snapshot{}, ErrUnavailable
}
func (Disabled) WaitReady(context.Context) error { return ErrUnavailable }
func (Disabled) Reset(context.Context) (string, error) {
	return "", ErrUnavailable
}
func (Disabled) Push(context.Context, []json.RawMessage) (string, error) {
	return "", ErrUnavailable
}
