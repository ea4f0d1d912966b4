package flowcontrol

import (
	"fmt"
	"sync"

	"example.com/carbonhttp/v2/internal/metrics"
)

// ReadController is the connection capability that suspends and re-arms
// network reads. Implementations must tolerate calls from the goroutine that
// performs the reads.
type ReadController interface {
	PauseReads()
	ResumeReads()
}

// Link ties the depth of one message's content queue to the read interest
// of its connection. A pause is signalled once when the depth rises above the
// high-water mark and a single resume once it drops below the low-water mark.
type Link struct {
	mu sync.Mutex

	ctrl ReadController
	high int
	low  int

	paused   bool
	disabled bool

	pauses  uint64
	resumes uint64
}

// NewLink creates a flow control link. low must be at least 1 and below high.
func NewLink(ctrl ReadController, high, low int) (*Link, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("flow control: read controller cannot be nil")
	}
	if low < 1 || low >= high {
		return nil, fmt.Errorf("flow control: invalid water marks (high %d, low %d)", high, low)
	}
	return &Link{ctrl: ctrl, high: high, low: low}, nil
}

// OnEnqueue is called after every push with the resulting queue depth.
func (l *Link) OnEnqueue(depth int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled || l.paused || depth <= l.high {
		return
	}
	l.paused = true
	l.pauses++
	metrics.FlowControlSignalsTotal.WithLabelValues("pause").Inc()
	l.ctrl.PauseReads()
}

// OnDequeue is called after every successful pop with the resulting queue depth.
func (l *Link) OnDequeue(depth int) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled || !l.paused || depth >= l.low {
		return
	}
	l.resumeLocked()
}

// Disable stops all further signalling. A paused connection is resumed
// immediately since throttling now belongs to whoever disabled the link.
func (l *Link) Disable() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.disabled {
		return
	}
	if l.paused {
		l.resumeLocked()
	}
	l.disabled = true
}

func (l *Link) resumeLocked() {
	l.paused = false
	l.resumes++
	metrics.FlowControlSignalsTotal.WithLabelValues("resume").Inc()
	l.ctrl.ResumeReads()
}

// Paused reports whether reads are currently paused by this link.
func (l *Link) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Disabled reports whether the link has been disabled.
func (l *Link) Disabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled
}

// Signals returns the number of pause and resume signals sent so far.
func (l *Link) Signals() (pauses, resumes uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pauses, l.resumes
}
