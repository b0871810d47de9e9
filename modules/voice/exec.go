package voice

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/clawdbot/clawnode/modules/audio"
)

// ExecConfig selects the external recognizer binary (brabble by
// default) and its arguments.
type ExecConfig struct {
	Command string
	Args    []string
}

// ExecEngine runs an external speech recognizer that writes one event
// per line on stdout, either a JSON object or plain text.
type ExecEngine struct {
	cfg  ExecConfig
	logf func(string, ...any)
}

func NewExecEngine(cfg ExecConfig, logf func(string, ...any)) Engine {
	return &ExecEngine{cfg: cfg, logf: logf}
}

func (e *ExecEngine) Name() string { return "exec" }

// Transcribe launches the recognizer; it owns its own audio input, so
// the frame channel is ignored.
func (e *ExecEngine) Transcribe(ctx context.Context, _ <-chan audio.Frame, _ Options) (<-chan Transcript, error) {
	cmdPath := strings.TrimSpace(e.cfg.Command)
	if cmdPath == "" {
		cmdPath = "brabble"
	}
	cmd := exec.CommandContext(ctx, cmdPath, e.cfg.Args...)
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
	out := make(chan Transcript, 32)
	go func() {
		defer close(out)
		e.readLines(ctx, stdout, out)
	}()
	go e.logLines(ctx, stderr)
	go func() {
		_ = cmd.Wait()
	}()
	return out, nil
}

func (e *ExecEngine) readLines(ctx context.Context, r io.Reader, out chan<- Transcript) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tr, ok := parseRecognizerLine(line)
		if !ok {
			continue
		}
		select {
		case out <- tr:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && e.logf != nil {
		e.logf("recognizer read error: %v", err)
	}
}

func (e *ExecEngine) logLines(ctx context.Context, r io.Reader) {
	if e.logf == nil {
		return
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e.logf("recognizer: %s", line)
	}
}

type recognizerEvent struct {
	Type       string          `json:"type"`
	Event      string          `json:"event"`
	Text       string          `json:"text"`
	Transcript string          `json:"transcript"`
	Utterance  string          `json:"utterance"`
	Final      *bool           `json:"final"`
	Payload    json.RawMessage `json:"payload"`
}

type recognizerPayload struct {
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	Utterance  string `json:"utterance"`
}

// parseRecognizerLine accepts a JSON event with the text in any of the
// known fields, or a plain text line.
func parseRecognizerLine(line string) (Transcript, bool) {
	if strings.HasPrefix(line, "{") {
		var evt recognizerEvent
		if err := json.Unmarshal([]byte(line), &evt); err == nil {
			text := firstNonEmpty(evt.Text, evt.Transcript, evt.Utterance)
			if text == "" && len(evt.Payload) > 0 {
				var payload recognizerPayload
				if err := json.Unmarshal(evt.Payload, &payload); err == nil {
					text = firstNonEmpty(payload.Text, payload.Transcript, payload.Utterance)
				}
			}
			if text == "" {
				return Transcript{}, false
			}
			final := true
			if evt.Final != nil {
				final = *evt.Final
			}
			if strings.Contains(strings.ToLower(evt.Type), "partial") || strings.Contains(strings.ToLower(evt.Event), "partial") {
				final = false
			}
			return Transcript{Text: text, Final: final, Timestamp: time.Now(), Source: "exec"}, true
		}
	}
	return Transcript{Text: line, Final: true, Timestamp: time.Now(), Source: "exec"}, true
}

func firstNonEmpty(parts ...string) string {
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			return strings.TrimSpace(part)
		}
	}
	return ""
}
