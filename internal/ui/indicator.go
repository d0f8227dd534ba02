package ui

import (
	"io"
	"sync"
	"time"

	"github.com/briandowns/spinner"
)

// Indicator is the spinner shown while waiting for the first reply token.
type Indicator struct {
	mu sync.Mutex
	s  *spinner.Spinner
	// enabled is false when output is not a terminal.
	enabled bool
}

// NewIndicator creates a spinner writing to w.
func NewIndicator(w io.Writer, enabled bool) *Indicator {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	_ = s.Color("fgHiMagenta", "bold")
	return &Indicator{s: s, enabled: enabled}
}

// Start shows the spinner with text. A running spinner is restarted.
func (i *Indicator) Start(text string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.enabled {
		return
	}
	if i.s.Active() {
		i.s.Stop()
	}
	i.s.Lock()
	i.s.Suffix = " " + text
	i.s.Unlock()
	i.s.Start()
}

// Stop hides the spinner.
func (i *Indicator) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.s.Active() {
		i.s.Stop()
	}
}

// Active reports whether the spinner is showing.
func (i *Indicator) Active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.s.Active()
}
