package audio

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLineCaptureReadsLines(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input := strings.NewReader("hello\n\n  spaced  \n")
	src := NewLineCapture("test", input, nil)
	frames, err := src.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var got []string
	for frame := range frames {
		got = append(got, string(frame.Data))
		if frame.Format.Encoding != "text/line" {
			t.Fatalf("encoding = %q", frame.Format.Encoding)
		}
		if frame.Timestamp.IsZero() {
			t.Fatalf("missing timestamp")
		}
	}
	if len(got) != 2 || got[0] != "hello" || got[1] != "spaced" {
		t.Fatalf("frames = %v", got)
	}
}

func TestLineCaptureName(t *testing.T) {
	if got := NewLineCapture("", nil, nil).Name(); got != "line" {
		t.Fatalf("name = %q", got)
	}
	if got := NewLineCaptureFromPath("/tmp/fifo", nil).Name(); got != "/tmp/fifo" {
		t.Fatalf("name = %q", got)
	}
}

func TestLineCaptureNilReaderCloses(t *testing.T) {
	frames, err := NewLineCapture("nil", nil, nil).Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case _, open := <-frames:
		if open {
			t.Fatalf("unexpected frame")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream did not close")
	}
}
