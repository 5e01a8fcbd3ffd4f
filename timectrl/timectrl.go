package timectrl

import (
	"context"
	"sync"
	"time"
)

// SimClock gives components access to simulation time without depending on
// a concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one step per wall-clock Tick.
	RealTime Mode = iota
	// Accelerated steps as quickly as the listeners return.
	Accelerated
)

// Listener is invoked after every step with the new simulation time and the
// simulated duration of the step.
type Listener func(now time.Time, step time.Duration)

// TimeController drives simulation time and notifies registered listeners.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode
	// Speed scales each step: a step lasts Tick*Speed of simulated time.
	Speed float64

	currentTime time.Time
	listeners   []Listener
}

// NewTimeController constructs a controller running at unit speed.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		Speed:       1,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime jumps simulation time without notifying listeners. A running
// controller continues stepping from t.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	tc.mu.Unlock()
}

// Elapsed is the simulated time since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	return tc.Now().Sub(tc.StartTime)
}

// AddListener registers a callback invoked on every step.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	tc.listeners = append(tc.listeners, fn)
	tc.mu.Unlock()
}

func (tc *TimeController) step() time.Duration {
	speed := tc.Speed
	if speed <= 0 {
		speed = 1
	}
	return time.Duration(float64(tc.Tick) * speed)
}

// Start runs the controller in a separate goroutine until ctx is cancelled
// or, when duration is positive, that much simulated time has passed. It
// returns a channel that is closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	tc.mu.Lock()
	tc.currentTime = tc.StartTime
	tc.mu.Unlock()
	go func() {
		defer close(done)

		step := tc.step()

		var tick <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tick = ticker.C
		}

		elapsed := time.Duration(0)
		for {
			if duration > 0 && elapsed >= duration {
				return
			}
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			} else if ctx.Err() != nil {
				return
			}
			elapsed += step

			// Step from the stored time so a SetTime between ticks holds.
			tc.mu.Lock()
			simTime := tc.currentTime.Add(step)
			tc.currentTime = simTime
			listeners := append([]Listener(nil), tc.listeners...)
			tc.mu.Unlock()

			for _, fn := range listeners {
				fn(simTime, step)
			}
		}
	}()
	return done
}
