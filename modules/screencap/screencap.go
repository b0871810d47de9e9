// Package screencap captures live screen samples by running an
// external capture tool that emits one JSON object per line on stdout:
//
//	{"kind":"video","ts":123.4,"w":1280,"h":720,"data":"<base64>"}
//	{"kind":"audio","ts":123.4,"data":"<base64>"}
//
// ts is the tool's media clock in milliseconds. Samples are delivered
// to the sink from the reader goroutine.
package screencap

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/clawdbot/clawnode/internal/capture"
)

// Config selects the external capture tool.
type Config struct {
	Command string
	Args    []string
}

// ExecSource runs one capture process per session.
type ExecSource struct {
	cfg  Config
	logf func(string, ...any)
}

func NewExecSource(cfg Config, logf func(string, ...any)) *ExecSource {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &ExecSource{cfg: cfg, logf: logf}
}

// Start launches the capture tool and begins streaming samples into
// sink. The returned session stops the tool asynchronously.
func (s *ExecSource) Start(ctx context.Context, screenIndex int, includeAudio bool, sink capture.Sink) (capture.Session, error) {
	command := strings.TrimSpace(s.cfg.Command)
	if command == "" {
		return nil, errors.New("screen capture command not configured")
	}
	args := append([]string(nil), s.cfg.Args...)
	args = append(args, "--screen", strconv.Itoa(screenIndex))
	if includeAudio {
		args = append(args, "--audio")
	}
	cmd := exec.CommandContext(ctx, command, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	sess := &execSession{cmd: cmd, exit: make(chan error, 1)}
	go s.logLines(stderr)
	go func() {
		s.readSamples(stdout, sink)
		sess.exit <- cmd.Wait()
	}()
	return sess, nil
}

func (s *ExecSource) readSamples(r io.Reader, sink capture.Sink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sample, kind, err := parseSampleLine(line)
		if err != nil {
			s.logf("screencap: bad sample line: %v", err)
			continue
		}
		switch kind {
		case "video":
			sink.Video(sample)
		case "audio":
			sink.Audio(sample)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.logf("screencap: read error: %v", err)
	}
}

func (s *ExecSource) logLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.logf("screencap: %s", line)
	}
}

type sampleLine struct {
	Kind   string  `json:"kind"`
	TS     float64 `json:"ts"`
	Width  int     `json:"w"`
	Height int     `json:"h"`
	Data   string  `json:"data"`
}

func parseSampleLine(line string) (capture.Sample, string, error) {
	var raw sampleLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return capture.Sample{}, "", err
	}
	if raw.Kind != "video" && raw.Kind != "audio" {
		return capture.Sample{}, "", fmt.Errorf("unknown sample kind %q", raw.Kind)
	}
	data, err := base64.StdEncoding.DecodeString(raw.Data)
	if err != nil {
		return capture.Sample{}, "", fmt.Errorf("decode sample data: %w", err)
	}
	sample := capture.Sample{
		Data:      data,
		Timestamp: time.Duration(raw.TS * float64(time.Millisecond)),
		Width:     raw.Width,
		Height:    raw.Height,
	}
	return sample, raw.Kind, nil
}

type execSession struct {
	cmd  *exec.Cmd
	exit chan error
}

// Stop interrupts the capture tool and reports completion once the
// process has fully exited. An exit status caused by the interrupt is
// not an error.
func (s *execSession) Stop(done func(error)) {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(os.Interrupt)
	}
	go func() {
		err := <-s.exit
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = nil
		}
		done(err)
	}()
}
