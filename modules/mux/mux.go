// Package mux writes capture samples into an MP4 container by feeding
// them to an external muxer binary over stdin, one JSON line per
// sample, mirroring the screencap stream format. The muxer owns the
// output file; Finish waits for it to close the container.
package mux

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawdbot/clawnode/internal/capture"
)

// Config selects the external muxer tool.
type Config struct {
	Command string
	Args    []string
}

// Factory returns a capture.WriterFactory backed by the configured
// muxer.
func Factory(cfg Config, logf func(string, ...any)) capture.WriterFactory {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return func(dir string, width, height int) (capture.Writer, error) {
		return newExecWriter(cfg, dir, width, height, logf)
	}
}

// ExecWriter is one muxer process producing one MP4 file.
type ExecWriter struct {
	cfg    Config
	path   string
	width  int
	height int
	logf   func(string, ...any)

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	enc      *bufio.Writer
	started  bool
	finished bool
	hasAudio bool
}

func newExecWriter(cfg Config, dir string, width, height int, logf func(string, ...any)) (*ExecWriter, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("muxer command not configured")
	}
	if dir == "" {
		dir = os.TempDir()
	}
	name := fmt.Sprintf("clawnode-rec-%s.mp4", randomSuffix())
	return &ExecWriter{
		cfg:    cfg,
		path:   filepath.Join(dir, name),
		width:  width,
		height: height,
		logf:   logf,
	}, nil
}

func (w *ExecWriter) Path() string { return w.path }

// AddVideoTrack registers the video stream. Tracks must be added
// before Start.
func (w *ExecWriter) AddVideoTrack(width, height int, fps float64) (capture.Track, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil, errors.New("writer already started")
	}
	return &track{w: w, kind: "video"}, nil
}

func (w *ExecWriter) AddAudioTrack() (capture.Track, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil, errors.New("writer already started")
	}
	w.hasAudio = true
	return &track{w: w, kind: "audio"}, nil
}

// Start launches the muxer with the container geometry and output
// path; at is the timeline origin in the source's media clock.
func (w *ExecWriter) Start(at time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.New("writer already started")
	}
	args := append([]string(nil), w.cfg.Args...)
	args = append(args,
		"--size", fmt.Sprintf("%dx%d", w.width, w.height),
		"--origin-ms", strconv.FormatInt(at.Milliseconds(), 10),
		"--out", w.path,
	)
	if w.hasAudio {
		args = append(args, "--audio")
	}
	cmd := exec.Command(w.cfg.Command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return err
	}
	w.cmd = cmd
	w.stdin = stdin
	w.enc = bufio.NewWriterSize(stdin, 1<<20)
	w.started = true
	return nil
}

// Finish closes the sample stream and waits for the muxer to finalize
// the container. A non-success exit or a missing output file is a
// write error.
func (w *ExecWriter) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return errors.New("writer never started")
	}
	if w.finished {
		return nil
	}
	w.finished = true
	flushErr := w.enc.Flush()
	closeErr := w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("muxer failed: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("flush samples: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close sample stream: %w", closeErr)
	}
	if _, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("muxer produced no output: %w", err)
	}
	return nil
}

type muxSample struct {
	Kind string  `json:"kind"`
	TS   float64 `json:"ts"`
	Data string  `json:"data"`
}

func (w *ExecWriter) appendSample(kind string, s capture.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.finished {
		return errors.New("writer not accepting samples")
	}
	line, err := json.Marshal(muxSample{
		Kind: kind,
		TS:   float64(s.Timestamp) / float64(time.Millisecond),
		Data: base64.StdEncoding.EncodeToString(s.Data),
	})
	if err != nil {
		return err
	}
	if _, err := w.enc.Write(line); err != nil {
		return err
	}
	return w.enc.WriteByte('\n')
}

func (w *ExecWriter) ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started && !w.finished
}

type track struct {
	w    *ExecWriter
	kind string
}

func (t *track) Ready() bool { return t.w.ready() }

func (t *track) Append(s capture.Sample) error {
	return t.w.appendSample(t.kind, s)
}

func (t *track) MarkFinished() {}

func randomSuffix() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
