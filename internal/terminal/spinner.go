package terminal

import (
	"fmt"
	"io"
	"sync"
	"time"
)

var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a one-line busy indicator until stopped. Every write to
// out happens under lock, so other writers holding the same lock never see
// their output interleaved with a frame.
type Spinner struct {
	out      io.Writer
	lock     sync.Locker
	interval time.Duration

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

// NewSpinner creates a spinner writing to out under lock. A nil lock gives
// the spinner a private one.
func NewSpinner(out io.Writer, lock sync.Locker) *Spinner {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Spinner{out: out, lock: lock, interval: 80 * time.Millisecond}
}

func (s *Spinner) draw(format string, args ...any) {
	s.lock.Lock()
	defer s.lock.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

// Start shows msg with an animated prefix, replacing any running spinner.
func (s *Spinner) Start(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	done, stopped := make(chan struct{}), make(chan struct{})
	s.done, s.stopped = done, stopped

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(spinnerChars) {
			s.draw("\r%s%s %s%s", colorCyan, spinnerChars[i], msg, colorReset)
			select {
			case <-done:
				s.draw("\r%s\r", clearLine)
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop clears the spinner line. It is a no-op when nothing is spinning and
// returns only after the line has been cleared. Callers must not hold the
// shared lock.
func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Spinner) stopLocked() {
	if s.done == nil {
		return
	}
	close(s.done)
	<-s.stopped
	s.done, s.stopped = nil, nil
}

// Active reports whether the spinner is running.
func (s *Spinner) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Color codes
const (
	colorReset = "\033[0m"
	colorCyan  = "\033[36m"
	clearLine  = "\033[2K"
)
