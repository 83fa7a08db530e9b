package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

var (
	// ErrOpen is returned when a call is short-circuited because the breaker
	// is open and no fallback was supplied.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrCallTimeout is returned when the wrapped call exceeds the per-call
	// timeout. Counted as a failure, distinct from an application error.
	ErrCallTimeout = errors.New("circuit breaker call timed out")
)

// Options configures a Breaker. Zero values fall back to the defaults used
// to guard the backing store.
type Options struct {
	Window          time.Duration // rolling statistics window
	VolumeThreshold int           // minimum calls in window before tripping
	ErrorThreshold  float64       // failure rate that trips the breaker
	SleepWindow     time.Duration // how long to stay open before probing
	CallTimeout     time.Duration // per-call timeout, counted as failure
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = 60 * time.Second
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = 20
	}
	if o.ErrorThreshold <= 0 {
		o.ErrorThreshold = 0.5
	}
	if o.SleepWindow <= 0 {
		o.SleepWindow = 60 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}
	return o
}

// Metrics is a point-in-time view of breaker statistics over the rolling
// window.
type Metrics struct {
	State           State   `json:"state"`
	Calls           int64   `json:"calls"`
	Failures        int64   `json:"failures"`
	ErrorRate       float64 `json:"error_rate"`
	AvgResponseTime float64 `json:"avg_response_time_ms"`
	Throughput      float64 `json:"throughput"` // calls per second
}

// bucket accumulates one second of call outcomes.
type bucket struct {
	sec       int64 // unix second this bucket represents
	successes int64
	failures  int64
	elapsedMs int64
}

// Breaker wraps calls to a backing resource with failure counting and
// open/half_open/closed state. Statistics are kept in per-second ring
// buckets so old samples age out of the rolling window without timers.
type Breaker struct {
	name string
	opts Options

	// now is replaceable in tests.
	now func() time.Time

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	probeInFlight bool
	buckets       []bucket
}

// New creates a named Breaker with the given options.
func New(name string, opts Options) *Breaker {
	o := opts.withDefaults()
	return &Breaker{
		name:    name,
		opts:    o,
		now:     time.Now,
		state:   StateClosed,
		buckets: make([]bucket, int(o.Window/time.Second)),
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn under the breaker. While open, calls are short-circuited
// immediately; if a fallback is supplied it is invoked with the reason and
// its result is returned instead. The call is bounded by the per-call
// timeout; a late completion is discarded.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error, fallback func(error) error) error {
	if !b.allow() {
		if fallback != nil {
			return fallback(ErrOpen)
		}
		return ErrOpen
	}

	cctx, cancel := context.WithTimeout(ctx, b.opts.CallTimeout)
	defer cancel()

	start := b.now()
	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		if ctx.Err() != nil {
			err = ctx.Err()
		} else {
			err = ErrCallTimeout
		}
	}
	elapsed := b.now().Sub(start)

	b.record(err == nil, elapsed)

	if err != nil && fallback != nil {
		return fallback(err)
	}
	return err
}

// GetState returns the current state, applying the sleep-window transition
// if it has elapsed.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.SleepWindow {
		return StateHalfOpen
	}
	return b.state
}

// GetMetrics returns rolling-window statistics.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	var calls, failures, elapsedMs int64
	cutoff := b.now().Unix() - int64(b.opts.Window/time.Second)
	for _, bk := range b.buckets {
		if bk.sec <= cutoff {
			continue
		}
		calls += bk.successes + bk.failures
		failures += bk.failures
		elapsedMs += bk.elapsedMs
	}

	m := Metrics{State: b.state, Calls: calls, Failures: failures}
	if calls > 0 {
		m.ErrorRate = float64(failures) / float64(calls)
		m.AvgResponseTime = float64(elapsedMs) / float64(calls)
	}
	if secs := b.opts.Window.Seconds(); secs > 0 {
		m.Throughput = float64(calls) / secs
	}
	return m
}

// allow decides whether a call may pass. In half_open exactly one probe is
// permitted at a time.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.opts.SleepWindow {
			b.state = StateHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	}
	return false
}

// record folds one call outcome into the window and applies state
// transitions.
func (b *Breaker) record(success bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		// The probe decides: success closes and resets, failure reopens and
		// restarts the sleep window.
		b.probeInFlight = false
		if success {
			b.state = StateClosed
			for i := range b.buckets {
				b.buckets[i] = bucket{}
			}
		} else {
			b.state = StateOpen
			b.openedAt = now
		}
		return
	}

	sec := now.Unix()
	idx := int(sec % int64(len(b.buckets)))
	if b.buckets[idx].sec != sec {
		b.buckets[idx] = bucket{sec: sec}
	}
	if success {
		b.buckets[idx].successes++
	} else {
		b.buckets[idx].failures++
	}
	b.buckets[idx].elapsedMs += elapsed.Milliseconds()

	if b.state != StateClosed {
		return
	}

	var calls, failures int64
	cutoff := sec - int64(b.opts.Window/time.Second)
	for _, bk := range b.buckets {
		if bk.sec <= cutoff {
			continue
		}
		calls += bk.successes + bk.failures
		failures += bk.failures
	}

	if calls >= int64(b.opts.VolumeThreshold) &&
		float64(failures)/float64(calls) >= b.opts.ErrorThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}
