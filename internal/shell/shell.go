// Package shell is the host-shell surface the dispatcher consults:
// the foreground flag and transient on-screen feedback. The flag is
// owned and mutated by the host platform; the dispatcher only reads
// it.
package shell

import "sync"

// Indicator kinds for transient on-screen feedback.
const (
	IndicatorCamera = "camera"
	IndicatorScreen = "screen"
	IndicatorError  = "error"
)

// Headless is the shell for builds without a UI: indicators go to the
// log and the node counts as foregrounded unless told otherwise.
type Headless struct {
	logf func(string, ...any)

	mu         sync.Mutex
	background bool
}

func NewHeadless(logf func(string, ...any)) *Headless {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Headless{logf: logf}
}

func (h *Headless) Foregrounded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.background
}

// SetBackgrounded flips the foreground flag; the host platform calls
// this from its lifecycle callbacks.
func (h *Headless) SetBackgrounded(v bool) {
	h.mu.Lock()
	h.background = v
	h.mu.Unlock()
}

func (h *Headless) ShowIndicator(kind string) {
	h.logf("indicator: %s", kind)
}

func (h *Headless) FlashFeedback() {
	h.logf("indicator: flash")
}
