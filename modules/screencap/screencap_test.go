package screencap

import (
	"testing"
	"time"
)

func TestParseSampleLineVideo(t *testing.T) {
	sample, kind, err := parseSampleLine(`{"kind":"video","ts":123.5,"w":1280,"h":720,"data":"ZnJhbWU="}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != "video" {
		t.Fatalf("kind = %q", kind)
	}
	if string(sample.Data) != "frame" {
		t.Fatalf("data = %q", sample.Data)
	}
	if sample.Width != 1280 || sample.Height != 720 {
		t.Fatalf("size = %dx%d", sample.Width, sample.Height)
	}
	if sample.Timestamp != 123500*time.Microsecond {
		t.Fatalf("ts = %v", sample.Timestamp)
	}
}

func TestParseSampleLineAudio(t *testing.T) {
	sample, kind, err := parseSampleLine(`{"kind":"audio","ts":10,"data":"cGNt"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != "audio" {
		t.Fatalf("kind = %q", kind)
	}
	if string(sample.Data) != "pcm" {
		t.Fatalf("data = %q", sample.Data)
	}
}

func TestParseSampleLineUnknownKind(t *testing.T) {
	if _, _, err := parseSampleLine(`{"kind":"subtitle","data":""}`); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseSampleLineBadBase64(t *testing.T) {
	if _, _, err := parseSampleLine(`{"kind":"video","data":"%%%"}`); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseSampleLineBadJSON(t *testing.T) {
	if _, _, err := parseSampleLine("not json"); err == nil {
		t.Fatalf("expected error")
	}
}
