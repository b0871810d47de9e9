// Package speech speaks gateway chat responses aloud through an
// external TTS binary.
package speech

import (
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// Engine synthesizes and plays one utterance.
type Engine interface {
	Name() string
	Speak(text string) error
}

// Queue serializes utterances so they never overlap. Full queues drop
// rather than block the event stream.
type Queue struct {
	engine Engine
	queue  chan string
	logf   func(string, ...any)
}

func NewQueue(engine Engine, logf func(string, ...any)) *Queue {
	if engine == nil {
		return nil
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}
	q := &Queue{
		engine: engine,
		queue:  make(chan string, 16),
		logf:   logf,
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	for text := range q.queue {
		if err := q.engine.Speak(text); err != nil {
			q.logf("tts error: %v", err)
		}
	}
}

func (q *Queue) Speak(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	select {
	case q.queue <- trimmed:
	default:
		q.logf("tts queue full; dropping text")
	}
}

// ExecEngine shells out to a system TTS command (espeak-ng by
// default).
type ExecEngine struct {
	command string
	voice   string
	rate    int
}

func NewExecEngine(command, voice string, rateWPM int) (*ExecEngine, error) {
	if command == "" {
		command = "espeak-ng"
	}
	resolved, err := exec.LookPath(command)
	if err != nil {
		return nil, err
	}
	return &ExecEngine{command: resolved, voice: voice, rate: rateWPM}, nil
}

func (e *ExecEngine) Name() string { return "system" }

func (e *ExecEngine) Speak(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	args := []string{}
	if e.voice != "" {
		args = append(args, "-v", e.voice)
	}
	if e.rate > 0 {
		args = append(args, "-s", strconv.Itoa(e.rate))
	}
	args = append(args, trimmed)
	cmd := exec.Command(e.command, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}
