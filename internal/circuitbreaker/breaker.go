// Package circuitbreaker tracks per-provider failure rates and short-circuits
// dispatch to providers that keep failing. Open breakers also take a
// provider out of fallback selection.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the breaker state.
type State int

// Breaker states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config holds breaker parameters.
type Config struct {
	Threshold   float64       // weighted failure rate that trips the breaker
	MinSamples  int           // attempts in the window before it may trip
	Window      time.Duration // sliding window length, whole seconds, at most 60s
	OpenTimeout time.Duration // time spent open before a probe is allowed
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:   0.5,
		MinSamples:  10,
		Window:      60 * time.Second,
		OpenTimeout: 30 * time.Second,
	}
}

const maxSlots = 60

// slot aggregates the attempts of one second.
type slot struct {
	sec      int64
	failures float64
	attempts int
}

// window is a ring of one-second slots. A slot whose second has left the
// window is treated as empty.
type window struct {
	slots [maxSlots]slot
	size  int64
}

func newWindow(d time.Duration) window {
	n := int64(d / time.Second)
	if n <= 0 || n > maxSlots {
		n = maxSlots
	}
	return window{size: n}
}

func (w *window) add(now int64, weight float64) {
	s := &w.slots[now%w.size]
	if s.sec != now {
		*s = slot{sec: now}
	}
	s.attempts++
	s.failures += weight
}

func (w *window) rate(now int64) (float64, int) {
	var (
		failures float64
		attempts int
	)
	for i := range w.size {
		s := w.slots[i]
		if s.attempts == 0 || now-s.sec >= w.size {
			continue
		}
		failures += s.failures
		attempts += s.attempts
	}
	if attempts == 0 {
		return 0, 0
	}
	return failures / float64(attempts), attempts
}

func (w *window) reset() {
	w.slots = [maxSlots]slot{}
}

// Breaker is one provider's state machine. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	state    State
	win      window
	openedAt time.Time
	lastUsed time.Time
	probing  bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg Config) *Breaker {
	return newBreaker(cfg, time.Now)
}

func newBreaker(cfg Config, now func() time.Time) *Breaker {
	return &Breaker{cfg: cfg, now: now, win: newWindow(cfg.Window), lastUsed: now()}
}

// State returns the current state, moving an expired Open breaker to
// HalfOpen.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick(b.now())
	return b.state
}

// tick performs the timed Open -> HalfOpen transition.
func (b *Breaker) tick(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.probing = false
	}
}

// Allow reports whether an attempt may proceed. In HalfOpen exactly one
// probe is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.tick(now)

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Success records a successful attempt. A successful probe closes the
// breaker with a fresh window.
func (b *Breaker) Success() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.win.add(now.Unix(), 0)
	if b.state == HalfOpen {
		b.state = Closed
		b.probing = false
		b.win.reset()
	}
}

// Failure records a failed attempt with the given weight. A zero weight
// counts as an attempt without blame.
func (b *Breaker) Failure(weight float64) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.win.add(now.Unix(), weight)

	switch b.state {
	case Closed:
		if rate, n := b.win.rate(now.Unix()); n >= b.cfg.MinSamples && rate >= b.cfg.Threshold {
			b.trip(now)
		}
	case HalfOpen:
		if weight > 0 {
			b.trip(now)
		} else {
			b.probing = false
		}
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.probing = false
}

// LastUsed returns the time of the last Allow or outcome.
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUsed
}
