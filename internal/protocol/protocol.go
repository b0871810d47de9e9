// Package protocol defines the JSON frame shapes exchanged with the
// Clawdbot gateway bridge. Every frame is a single JSON object with a
// "type" discriminator; nested params and payloads travel as raw JSON
// strings so the envelope never has to understand command schemas.
package protocol

import "fmt"

// Frame types.
const (
	FrameHello       = "hello"
	FrameHelloOK     = "hello-ok"
	FramePairRequest = "pair-request"
	FramePairOK      = "pair-ok"
	FrameInvoke      = "invoke"
	FrameInvokeRes   = "invoke-res"
	FrameRequest     = "req"
	FrameResponse    = "res"
	FrameEvent       = "event"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameError       = "error"
)

// Structured error codes carried in invoke responses.
const (
	CodeUnavailable           = "unavailable"
	CodeBackgroundUnavailable = "backgroundUnavailable"
	CodeInvalidRequest        = "invalidRequest"
)

// Machine tokens prefixed onto error messages. The token is part of the
// wire contract; clients match on it, the rest of the message is for
// humans.
const (
	TokenUnavailable    = "UNAVAILABLE"
	TokenBackground     = "NODE_BACKGROUND_UNAVAILABLE"
	TokenInvalidRequest = "INVALID_REQUEST"
	TokenCameraDisabled = "CAMERA_DISABLED"
)

// Frame is the wire envelope. Fields are populated per frame type;
// everything else stays empty and is elided from the encoding. OK is a
// pointer so that response frames always carry an explicit true/false
// while other frame types omit it.
type Frame struct {
	Type        string       `json:"type"`
	ID          string       `json:"id,omitempty"`
	Command     string       `json:"command,omitempty"`
	Method      string       `json:"method,omitempty"`
	ParamsJSON  string       `json:"paramsJSON,omitempty"`
	OK          *bool        `json:"ok,omitempty"`
	PayloadJSON string       `json:"payloadJSON,omitempty"`
	Error       *ErrorDetail `json:"error,omitempty"`
	Event       string       `json:"event,omitempty"`

	// error frames
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// hello / pairing
	NodeID          string          `json:"nodeId,omitempty"`
	DisplayName     string          `json:"displayName,omitempty"`
	Token           string          `json:"token,omitempty"`
	Platform        string          `json:"platform,omitempty"`
	Version         string          `json:"version,omitempty"`
	DeviceFamily    string          `json:"deviceFamily,omitempty"`
	ModelIdentifier string          `json:"modelIdentifier,omitempty"`
	Caps            []string        `json:"caps,omitempty"`
	Commands        []string        `json:"commands,omitempty"`
	Permissions     map[string]bool `json:"permissions,omitempty"`
	Silent          bool            `json:"silent,omitempty"`

	// hello-ok
	ServerName    string `json:"serverName,omitempty"`
	CanvasHostURL string `json:"canvasHostUrl,omitempty"`
}

// ErrorDetail is the structured error carried by invoke-res and res
// frames.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorDetail) Error() string { return e.Message }

// InvokeRequest is one inbound command call, owned by the dispatcher
// for the duration of handling.
type InvokeRequest struct {
	ID         string
	Command    string
	ParamsJSON string
}

// InvokeResponse is the dispatcher's answer. ID always echoes the
// request; exactly one of PayloadJSON/Error is meaningful when OK is
// false.
type InvokeResponse struct {
	ID          string
	OK          bool
	PayloadJSON string
	Error       *ErrorDetail
}

// Errorf builds an ErrorDetail whose message carries the stable machine
// token followed by human text.
func Errorf(code, token, format string, args ...any) *ErrorDetail {
	return &ErrorDetail{
		Code:    code,
		Message: fmt.Sprintf("%s: %s", token, fmt.Sprintf(format, args...)),
	}
}

// Unavailable is the catch-all capability failure.
func Unavailable(format string, args ...any) *ErrorDetail {
	return Errorf(CodeUnavailable, TokenUnavailable, format, args...)
}

// InvalidRequest rejects a malformed or unsupported call.
func InvalidRequest(format string, args ...any) *ErrorDetail {
	return Errorf(CodeInvalidRequest, TokenInvalidRequest, format, args...)
}

// BackgroundUnavailable rejects capability commands while the node app
// is backgrounded.
func BackgroundUnavailable() *ErrorDetail {
	return Errorf(CodeBackgroundUnavailable, TokenBackground, "node app is in the background")
}

// CameraDisabled rejects camera commands when the capability is
// switched off in configuration.
func CameraDisabled() *ErrorDetail {
	return Errorf(CodeUnavailable, TokenCameraDisabled, "camera capability is disabled")
}

// ErrorResponse wraps an ErrorDetail into a failed response for the
// given request id.
func ErrorResponse(id string, detail *ErrorDetail) InvokeResponse {
	return InvokeResponse{ID: id, OK: false, Error: detail}
}

// OKResponse wraps a payload into a successful response.
func OKResponse(id, payloadJSON string) InvokeResponse {
	return InvokeResponse{ID: id, OK: true, PayloadJSON: payloadJSON}
}

// ResponseFrame converts a dispatcher response into its wire frame.
func ResponseFrame(resp InvokeResponse) Frame {
	ok := resp.OK
	return Frame{
		Type:        FrameInvokeRes,
		ID:          resp.ID,
		OK:          &ok,
		PayloadJSON: resp.PayloadJSON,
		Error:       resp.Error,
	}
}
