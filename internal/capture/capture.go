// Package capture turns a live screen sample stream into a finished,
// time-bounded MP4 file. The sample source delivers video and optional
// audio via callbacks on its own goroutine; the recorder throttles
// frames to the requested rate, lazily opens the container writer on
// the first accepted frame, and latches the first capture error.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Parameter bounds.
const (
	MinDurationMs     = 250
	MaxDurationMs     = 60000
	DefaultDurationMs = 10000
	MinFPS            = 1
	MaxFPS            = 30
	DefaultFPS        = 10
)

var (
	// ErrNoFrames is raised when the capture window closed without a
	// single accepted video frame.
	ErrNoFrames = errors.New("no frames captured")
	// ErrInvalidScreenIndex rejects capture of anything but the
	// primary screen.
	ErrInvalidScreenIndex = errors.New("invalidScreenIndex: only the primary screen is supported")
)

// Options are the caller-facing capture parameters before
// normalization.
type Options struct {
	ScreenIndex  int
	DurationMs   int
	FPS          float64
	IncludeAudio bool
}

// Sample is one video or audio sample from the live source. Timestamp
// is the source's media clock, not wall time.
type Sample struct {
	Data      []byte
	Timestamp time.Duration
	Width     int
	Height    int
}

// Sink receives live samples. Calls arrive on the source's delivery
// goroutine, not on the recorder's.
type Sink interface {
	Video(Sample)
	Audio(Sample)
}

// Session is one in-progress capture. Stop is asynchronous; done is
// called exactly once when the source has fully stopped.
type Session interface {
	Stop(done func(error))
}

// Source starts live capture sessions.
type Source interface {
	Start(ctx context.Context, screenIndex int, includeAudio bool, sink Sink) (Session, error)
}

// Track is one stream inside the container writer.
type Track interface {
	// Ready reports whether the track can accept a sample right now.
	Ready() bool
	Append(Sample) error
	MarkFinished()
}

// Writer is the output container. It is created lazily, sized to the
// first accepted video frame.
type Writer interface {
	AddVideoTrack(width, height int, fps float64) (Track, error)
	AddAudioTrack() (Track, error)
	// Start opens the container timeline at the given source timestamp.
	Start(at time.Duration) error
	// Finish finalizes the container, blocking until the file is
	// complete or the writer reports a terminal error.
	Finish() error
	Path() string
}

// WriterFactory builds a Writer for a new output file under dir.
type WriterFactory func(dir string, width, height int) (Writer, error)

// Recorder runs capture invocations, one at a time per caller. The
// caller consumes and deletes the returned file.
type Recorder struct {
	source    Source
	newWriter WriterFactory
	dir       string
	logf      func(string, ...any)
}

func NewRecorder(source Source, newWriter WriterFactory, dir string, logf func(string, ...any)) *Recorder {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Recorder{source: source, newWriter: newWriter, dir: dir, logf: logf}
}

// Normalize clamps options into their supported ranges. Any provided
// duration, zero included, is clamped; resolving an omitted duration
// to DefaultDurationMs is the caller's job. A non-finite frame rate
// falls back to the default; only screen index 0 is accepted.
func Normalize(opts Options) (Options, error) {
	if opts.ScreenIndex != 0 {
		return Options{}, ErrInvalidScreenIndex
	}
	if opts.DurationMs < MinDurationMs {
		opts.DurationMs = MinDurationMs
	}
	if opts.DurationMs > MaxDurationMs {
		opts.DurationMs = MaxDurationMs
	}
	if opts.FPS == 0 || math.IsNaN(opts.FPS) || math.IsInf(opts.FPS, 0) {
		opts.FPS = DefaultFPS
	}
	if opts.FPS < MinFPS {
		opts.FPS = MinFPS
	}
	if opts.FPS > MaxFPS {
		opts.FPS = MaxFPS
	}
	return opts, nil
}

// Record captures the primary screen for the requested duration and
// returns the finished file path. Failures are fatal to this one
// invocation; no partial file path is ever returned.
func (r *Recorder) Record(ctx context.Context, opts Options) (string, error) {
	opts, err := Normalize(opts)
	if err != nil {
		return "", err
	}

	mux := &muxState{
		newWriter:    r.newWriter,
		dir:          r.dir,
		fps:          opts.FPS,
		includeAudio: opts.IncludeAudio,
		logf:         r.logf,
	}
	session, err := r.source.Start(ctx, opts.ScreenIndex, opts.IncludeAudio, mux)
	if err != nil {
		return "", fmt.Errorf("start capture: %w", err)
	}

	// The capture window is a plain delay: completion or internal
	// failure are the only ways out, mid-flight cancellation is not
	// supported.
	time.Sleep(time.Duration(opts.DurationMs) * time.Millisecond)

	stop := newCompletion()
	session.Stop(stop.resolve)
	if err := stop.wait(); err != nil {
		mux.latch(fmt.Errorf("stop capture: %w", err))
	}

	return mux.finalize()
}

// muxState is the per-invocation capture session. The sample callbacks
// run on the source's goroutine, so every field lives under mu.
type muxState struct {
	newWriter    WriterFactory
	dir          string
	fps          float64
	includeAudio bool
	logf         func(string, ...any)

	mu          sync.Mutex
	writer      Writer
	video       Track
	audio       Track
	started     bool
	haveVideo   bool
	lastVideoTS time.Duration
	firstErr    error
}

func (m *muxState) Video(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstErr != nil {
		return
	}
	// Throttle by media-clock distance, not a fixed-interval timer.
	minGap := time.Duration(float64(time.Second) / m.fps)
	if m.haveVideo && s.Timestamp-m.lastVideoTS < minGap {
		return
	}
	if m.writer == nil {
		if err := m.openWriter(s); err != nil {
			m.latchLocked(err)
			return
		}
	}
	m.haveVideo = true
	m.lastVideoTS = s.Timestamp
	if !m.video.Ready() {
		return
	}
	if err := m.video.Append(s); err != nil {
		m.latchLocked(fmt.Errorf("append video: %w", err))
	}
}

func (m *muxState) Audio(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstErr != nil || !m.started || m.audio == nil || !m.audio.Ready() {
		return
	}
	if err := m.audio.Append(s); err != nil {
		m.latchLocked(fmt.Errorf("append audio: %w", err))
	}
}

// openWriter lazily builds the container sized to the first accepted
// frame and opens the timeline at that frame's timestamp.
func (m *muxState) openWriter(s Sample) error {
	w, err := m.newWriter(m.dir, s.Width, s.Height)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}
	video, err := w.AddVideoTrack(s.Width, s.Height, m.fps)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	if m.includeAudio {
		audio, err := w.AddAudioTrack()
		if err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
		m.audio = audio
	}
	if err := w.Start(s.Timestamp); err != nil {
		return fmt.Errorf("start writer: %w", err)
	}
	m.writer = w
	m.video = video
	m.started = true
	return nil
}

func (m *muxState) latch(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latchLocked(err)
}

// latchLocked records the first error only; later errors never
// overwrite it.
func (m *muxState) latchLocked(err error) {
	if m.firstErr == nil {
		m.firstErr = err
	}
}

// finalize closes out the invocation after the source has stopped.
func (m *muxState) finalize() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.firstErr != nil {
		return "", m.firstErr
	}
	if m.writer == nil || !m.haveVideo {
		return "", ErrNoFrames
	}
	m.video.MarkFinished()
	if m.audio != nil {
		m.audio.MarkFinished()
	}
	if err := m.writer.Finish(); err != nil {
		return "", fmt.Errorf("finalize container: %w", err)
	}
	return m.writer.Path(), nil
}

// completion is a single-resolution signal: the first resolve wins,
// later calls are ignored.
type completion struct {
	once sync.Once
	ch   chan error
}

func newCompletion() *completion {
	return &completion{ch: make(chan error, 1)}
}

func (c *completion) resolve(err error) {
	c.once.Do(func() { c.ch <- err })
}

func (c *completion) wait() error {
	return <-c.ch
}
