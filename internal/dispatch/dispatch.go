// Package dispatch routes inbound gateway invokes to capability
// handlers. One Handle call per request; calls may run concurrently
// against the same dispatcher. Preconditions are checked before any
// handler side effect, and every handler failure is converted into a
// structured response rather than thrown.
package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/clawdbot/clawnode/internal/capture"
	"github.com/clawdbot/clawnode/internal/protocol"
	"github.com/clawdbot/clawnode/internal/shell"
	"github.com/clawdbot/clawnode/modules/camera"
	"github.com/clawdbot/clawnode/modules/canvas"
)

const (
	a2uiReadyTimeout = 5 * time.Second

	// Snapshot width defaults keep encoded payloads under the
	// gateway's outbound ceiling; JPEG compresses harder and gets the
	// wider cap.
	defaultMaxWidthPNG  = 900
	defaultMaxWidthJPEG = 1600

	defaultClipDuration = 5 * time.Second
	maxClipDuration     = 60 * time.Second
	minClipDuration     = 250 * time.Millisecond
)

// Config is the read-only configuration view the dispatcher resolves
// per dispatch. Ownership stays with the node config; do not cache.
type Config interface {
	CameraEnabled() bool
	DisplayName() string
	InstanceID() string
}

// Shell is the host-shell surface: the foreground flag plus transient
// on-screen feedback.
type Shell interface {
	Foregrounded() bool
	ShowIndicator(kind string)
	FlashFeedback()
}

// AudioCoordinator suspends the node's other audio consumer (wake-word
// listening) while the camera records with audio.
type AudioCoordinator interface {
	Suspend()
	Resume()
}

// Recorder is the screen capture pipeline.
type Recorder interface {
	Record(ctx context.Context, opts capture.Options) (string, error)
}

// Options wire the dispatcher's collaborators.
type Options struct {
	Config   Config
	Shell    Shell
	Canvas   canvas.Canvas
	A2UI     canvas.A2UI
	Camera   camera.Camera
	Recorder Recorder
	Audio    AudioCoordinator
	Logf     func(string, ...any)
}

type handlerFunc func(ctx context.Context, paramsJSON string) (string, error)

// Dispatcher routes invoke requests. The routing table is read-only
// after construction.
type Dispatcher struct {
	cfg      Config
	shell    Shell
	canvas   canvas.Canvas
	a2ui     canvas.A2UI
	camera   camera.Camera
	recorder Recorder
	audio    AudioCoordinator
	logf     func(string, ...any)

	routes map[string]handlerFunc
}

func New(opts Options) *Dispatcher {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	d := &Dispatcher{
		cfg:      opts.Config,
		shell:    opts.Shell,
		canvas:   opts.Canvas,
		a2ui:     opts.A2UI,
		camera:   opts.Camera,
		recorder: opts.Recorder,
		audio:    opts.Audio,
		logf:     logf,
	}
	d.routes = map[string]handlerFunc{
		"canvas.present":        d.canvasPresent,
		"canvas.hide":           d.canvasHide,
		"canvas.navigate":       d.canvasNavigate,
		"canvas.evalJS":         d.canvasEvalJS,
		"canvas.snapshot":       d.canvasSnapshot,
		"canvas.a2ui.reset":     d.a2uiReset,
		"canvas.a2ui.push":      d.a2uiPush,
		"canvas.a2ui.pushJsonl": d.a2uiPushJSONL,
		"camera.snap":           d.cameraSnap,
		"camera.clip":           d.cameraClip,
		"screen.record":         d.screenRecord,
	}
	return d
}

// Commands lists the invocable command names, sorted. Used to
// advertise the node's command surface in the hello frame.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.routes))
	for name := range d.routes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handle serves one inbound invoke. The response id always echoes the
// request id.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.InvokeRequest) protocol.InvokeResponse {
	if requiresForeground(req.Command) && !d.shell.Foregrounded() {
		return protocol.ErrorResponse(req.ID, protocol.BackgroundUnavailable())
	}
	if strings.HasPrefix(req.Command, "camera.") && !d.cfg.CameraEnabled() {
		return protocol.ErrorResponse(req.ID, protocol.CameraDisabled())
	}
	handler, ok := d.routes[req.Command]
	if !ok {
		return protocol.ErrorResponse(req.ID, protocol.InvalidRequest("unknown command: %s", req.Command))
	}
	payload, err := handler(ctx, req.ParamsJSON)
	if err != nil {
		if strings.HasPrefix(req.Command, "camera.") {
			d.shell.ShowIndicator(shell.IndicatorError)
		}
		d.logf("command %s failed: %v", req.Command, err)
		return protocol.ErrorResponse(req.ID, toErrorDetail(err))
	}
	return protocol.OKResponse(req.ID, payload)
}

// requiresForeground covers the command namespaces that drive the
// device's visible surfaces.
func requiresForeground(command string) bool {
	return strings.HasPrefix(command, "canvas.") ||
		strings.HasPrefix(command, "camera.") ||
		strings.HasPrefix(command, "screen.")
}

func toErrorDetail(err error) *protocol.ErrorDetail {
	var detail *protocol.ErrorDetail
	if errors.As(err, &detail) {
		return detail
	}
	if errors.Is(err, capture.ErrInvalidScreenIndex) {
		return protocol.InvalidRequest("%s", err.Error())
	}
	return protocol.Unavailable("%s", err.Error())
}

// decodeLoose is the best-effort decode level: malformed or absent
// params fall back to the zero (default) parameter record.
func decodeLoose(paramsJSON string, v any) {
	trimmed := strings.TrimSpace(paramsJSON)
	if trimmed == "" {
		return
	}
	_ = json.Unmarshal([]byte(trimmed), v)
}

// decodeStrict is the required decode level: failure propagates as an
// invalid-request response.
func decodeStrict(paramsJSON string, v any) error {
	trimmed := strings.TrimSpace(paramsJSON)
	if trimmed == "" {
		return protocol.InvalidRequest("missing params")
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return protocol.InvalidRequest("bad params: %v", err)
	}
	return nil
}

func marshalPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(data), nil
}

// --- canvas ---

type urlParams struct {
	URL string `json:"url"`
}

func (d *Dispatcher) canvasPresent(ctx context.Context, paramsJSON string) (string, error) {
	var p urlParams
	decodeLoose(paramsJSON, &p)
	return "", d.canvas.Present(ctx, p.URL)
}

func (d *Dispatcher) canvasHide(ctx context.Context, _ string) (string, error) {
	return "", d.canvas.Hide(ctx)
}

func (d *Dispatcher) canvasNavigate(ctx context.Context, paramsJSON string) (string, error) {
	var p urlParams
	if err := decodeStrict(paramsJSON, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.URL) == "" {
		return "", protocol.InvalidRequest("url required")
	}
	return "", d.canvas.Navigate(ctx, p.URL)
}

type evalParams struct {
	JS string `json:"js"`
}

func (d *Dispatcher) canvasEvalJS(ctx context.Context, paramsJSON string) (string, error) {
	var p evalParams
	if err := decodeStrict(paramsJSON, &p); err != nil {
		return "", err
	}
	if p.JS == "" {
		return "", protocol.InvalidRequest("js required")
	}
	result, err := d.canvas.EvalJS(ctx, p.JS)
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]string{"result": result})
}

type snapshotParams struct {
	Format   string  `json:"format"`
	MaxWidth int     `json:"maxWidth"`
	Quality  float64 `json:"quality"`
}

func (d *Dispatcher) canvasSnapshot(ctx context.Context, paramsJSON string) (string, error) {
	var p snapshotParams
	decodeLoose(paramsJSON, &p)
	format := normalizeImageFormat(p.Format)
	shot, err := d.canvas.Snapshot(ctx, canvas.SnapshotOptions{
		Format:   format,
		MaxWidth: imageMaxWidth(format, p.MaxWidth),
		Quality:  p.Quality,
	})
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]string{
		"format": shot.Format,
		"base64": base64.StdEncoding.EncodeToString(shot.Data),
	})
}

func normalizeImageFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "png":
		return "png"
	case "jpg", "jpeg", "":
		return "jpeg"
	default:
		return "jpeg"
	}
}

// imageMaxWidth applies the format-dependent default unless the caller
// asked for an explicit width.
func imageMaxWidth(format string, requested int) int {
	if requested > 0 {
		return requested
	}
	if format == "png" {
		return defaultMaxWidthPNG
	}
	return defaultMaxWidthJPEG
}

// --- a2ui ---

func (d *Dispatcher) awaitA2UI(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, a2uiReadyTimeout)
	defer cancel()
	if err := d.a2ui.WaitReady(readyCtx); err != nil {
		return protocol.Unavailable("a2ui runtime not ready")
	}
	return nil
}

func (d *Dispatcher) a2uiReset(ctx context.Context, _ string) (string, error) {
	if err := d.awaitA2UI(ctx); err != nil {
		return "", err
	}
	// The runtime's own JSON result passes through unmodified.
	return d.a2ui.Reset(ctx)
}

func (d *Dispatcher) a2uiPush(ctx context.Context, paramsJSON string) (string, error) {
	messages, err := decodePushMessages(paramsJSON)
	if err != nil {
		return "", err
	}
	if err := d.awaitA2UI(ctx); err != nil {
		return "", err
	}
	return d.a2ui.Push(ctx, messages)
}

type jsonlParams struct {
	JSONL string `json:"jsonl"`
}

func (d *Dispatcher) a2uiPushJSONL(ctx context.Context, paramsJSON string) (string, error) {
	var p jsonlParams
	if err := decodeStrict(paramsJSON, &p); err != nil {
		return "", err
	}
	messages, err := decodeJSONLMessages(p.JSONL)
	if err != nil {
		return "", err
	}
	if err := d.awaitA2UI(ctx); err != nil {
		return "", err
	}
	return d.a2ui.Push(ctx, messages)
}

// decodePushMessages accepts either a structured-messages object or,
// when that shape does not decode, the same bytes as line-delimited
// messages. Clients may send either to canvas.a2ui.push. A structured
// body that decodes with an empty messages list is an empty update,
// not a JSONL envelope.
func decodePushMessages(paramsJSON string) ([]json.RawMessage, error) {
	var structured struct {
		Messages *[]json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal([]byte(paramsJSON), &structured); err == nil && structured.Messages != nil {
		if len(*structured.Messages) == 0 {
			return nil, protocol.InvalidRequest("empty a2ui update")
		}
		return *structured.Messages, nil
	}
	return decodeJSONLMessages(paramsJSON)
}

func decodeJSONLMessages(body string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			return nil, protocol.InvalidRequest("bad a2ui message line")
		}
		out = append(out, json.RawMessage(line))
	}
	if len(out) == 0 {
		return nil, protocol.InvalidRequest("empty a2ui update")
	}
	return out, nil
}

// --- camera ---

type snapParams struct {
	Format   string  `json:"format"`
	MaxWidth int     `json:"maxWidth"`
	Quality  float64 `json:"quality"`
	Facing   string  `json:"facing"`
}

func (d *Dispatcher) cameraSnap(ctx context.Context, paramsJSON string) (string, error) {
	var p snapParams
	decodeLoose(paramsJSON, &p)
	d.shell.ShowIndicator(shell.IndicatorCamera)
	d.shell.FlashFeedback()
	format := normalizeImageFormat(p.Format)
	photo, err := d.camera.Snap(ctx, camera.SnapOptions{
		Format:   format,
		MaxWidth: imageMaxWidth(format, p.MaxWidth),
		Quality:  p.Quality,
		Facing:   p.Facing,
	})
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{
		"format": photo.Format,
		"base64": base64.StdEncoding.EncodeToString(photo.Data),
		"width":  photo.Width,
		"height": photo.Height,
	})
}

type clipParams struct {
	DurationMs   int    `json:"durationMs"`
	IncludeAudio *bool  `json:"includeAudio"`
	Facing       string `json:"facing"`
}

func (d *Dispatcher) cameraClip(ctx context.Context, paramsJSON string) (string, error) {
	var p clipParams
	decodeLoose(paramsJSON, &p)
	includeAudio := p.IncludeAudio == nil || *p.IncludeAudio
	duration := clampClipDuration(p.DurationMs)

	if includeAudio {
		// The wake-word listener shares the microphone; it stays
		// suspended for exactly the capture duration, resumed on every
		// exit path.
		d.audio.Suspend()
		defer d.audio.Resume()
	}
	clip, err := d.camera.Clip(ctx, camera.ClipOptions{
		Duration:     duration,
		IncludeAudio: includeAudio,
		Facing:       p.Facing,
	})
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{
		"format":     clip.Format,
		"base64":     base64.StdEncoding.EncodeToString(clip.Data),
		"durationMs": clip.Duration.Milliseconds(),
		"hasAudio":   clip.HasAudio,
	})
}

func clampClipDuration(durationMs int) time.Duration {
	if durationMs <= 0 {
		return defaultClipDuration
	}
	d := time.Duration(durationMs) * time.Millisecond
	if d < minClipDuration {
		return minClipDuration
	}
	if d > maxClipDuration {
		return maxClipDuration
	}
	return d
}

// --- screen ---

type recordParams struct {
	Format       string  `json:"format"`
	DurationMs   *int    `json:"durationMs"`
	FPS          float64 `json:"fps"`
	ScreenIndex  int     `json:"screenIndex"`
	IncludeAudio bool    `json:"includeAudio"`
}

func (d *Dispatcher) screenRecord(ctx context.Context, paramsJSON string) (string, error) {
	var p recordParams
	decodeLoose(paramsJSON, &p)
	if p.Format != "" && !strings.EqualFold(p.Format, "mp4") {
		return "", protocol.InvalidRequest("screen format must be mp4")
	}
	// An omitted duration means the default; an explicit value, zero
	// included, goes through the pipeline's clamp.
	durationMs := capture.DefaultDurationMs
	if p.DurationMs != nil {
		durationMs = *p.DurationMs
	}
	opts := capture.Options{
		ScreenIndex:  p.ScreenIndex,
		DurationMs:   durationMs,
		FPS:          p.FPS,
		IncludeAudio: p.IncludeAudio,
	}
	d.shell.ShowIndicator(shell.IndicatorScreen)
	path, err := d.recorder.Record(ctx, opts)
	if err != nil {
		return "", err
	}
	// The recorder's file is ours to consume; remove it on every exit
	// path, including encode failures after the read.
	defer os.Remove(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read recording: %w", err)
	}
	normalized, err := capture.Normalize(opts)
	if err != nil {
		return "", err
	}
	return marshalPayload(map[string]any{
		"format":      "mp4",
		"base64":      base64.StdEncoding.EncodeToString(data),
		"durationMs":  normalized.DurationMs,
		"fps":         normalized.FPS,
		"screenIndex": normalized.ScreenIndex,
		"hasAudio":    normalized.IncludeAudio,
	})
}
