// Package scheduler rate-limits overlay recomputation for a stream of
// viewport-changed events.
package scheduler

import (
	"sync"
	"time"

	"github.com/landplot/server/internal/logging"
	"github.com/landplot/server/internal/metrics"
	"github.com/landplot/server/internal/projection"
)

const (
	DefaultWindow         = 200 * time.Millisecond
	DefaultMinZoom        = 12.0
	DefaultOverlayMinZoom = 13.5
)

// Mode tells the consumer what a trigger asks for.
type Mode int

const (
	// ModeSynthesize asks for a full overlay recompute.
	ModeSynthesize Mode = iota
	// ModeClear asks for the overlay to be replaced by an empty one.
	ModeClear
)

func (m Mode) String() string {
	if m == ModeClear {
		return "clear"
	}
	return "synthesize"
}

// State is the scheduler state.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateSynthesizing
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateSynthesizing:
		return "synthesizing"
	default:
		return "idle"
	}
}

// Outcome reports what Notify did with an event.
type Outcome string

const (
	// OutcomeScheduled: the event opened a new window.
	OutcomeScheduled Outcome = "scheduled"
	// OutcomeCoalesced: the event replaced the pending payload.
	OutcomeCoalesced Outcome = "coalesced"
	// OutcomeSuppressed: zoom was below the gate; any pending trigger was dropped.
	OutcomeSuppressed Outcome = "suppressed"
	// OutcomeStopped: the scheduler is not running.
	OutcomeStopped Outcome = "stopped"
)

// Trigger is emitted once per window with the latest viewport.
type Trigger struct {
	Seq      uint64
	Viewport projection.Viewport
	Mode     Mode
	At       time.Time
}

// Config contains scheduler configuration.
type Config struct {
	Window time.Duration
	// MinZoom gates triggering at all.
	MinZoom float64
	// OverlayMinZoom is the zoom below which triggers clear the overlay
	// instead of computing it.
	OverlayMinZoom float64
	Logger         logging.Logger
}

type timer interface {
	Stop() bool
}

// Scheduler is a trailing-edge throttle: the first accepted event opens a
// window, later events in the window replace the payload, and when the
// window elapses one trigger fires with the latest payload.
type Scheduler struct {
	cfg    Config
	fire   func(Trigger)
	logger logging.Logger

	mu        sync.Mutex
	running   bool
	state     State
	inflight  int
	pending   projection.Viewport
	timer     timer
	seq       uint64
	collapsed int

	// afterFunc is replaceable in tests.
	afterFunc func(d time.Duration, f func()) timer
	now       func() time.Time
}

// New creates a stopped scheduler that calls fire for each trigger.
// fire runs on a timer goroutine.
func New(cfg Config, fire func(Trigger)) *Scheduler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MinZoom == 0 && cfg.OverlayMinZoom == 0 {
		cfg.MinZoom = DefaultMinZoom
		cfg.OverlayMinZoom = DefaultOverlayMinZoom
	}
	if cfg.OverlayMinZoom < cfg.MinZoom {
		cfg.OverlayMinZoom = cfg.MinZoom
	}
	return &Scheduler{
		cfg:    cfg,
		fire:   fire,
		logger: logging.Component(cfg.Logger, "scheduler"),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now: time.Now,
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Start enables the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
}

// Stop disables the scheduler and drops any pending trigger. A trigger
// already being delivered is not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancelLocked()
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Notify feeds a viewport-changed event.
func (s *Scheduler) Notify(v projection.Viewport) Outcome {
	outcome := s.notify(v)
	metrics.ViewportEventsTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (s *Scheduler) notify(v projection.Viewport) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return OutcomeStopped
	}
	if v.Zoom < s.cfg.MinZoom {
		// The newest state is below the gate, so nothing pending should fire.
		s.cancelLocked()
		return OutcomeSuppressed
	}

	s.pending = v
	if s.state == StateScheduled {
		s.collapsed++
		return OutcomeCoalesced
	}

	s.state = StateScheduled
	s.collapsed = 0
	s.timer = s.afterFunc(s.cfg.Window, s.elapse)
	return OutcomeScheduled
}

func (s *Scheduler) cancelLocked() {
	if s.state != StateScheduled {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.state = s.restingState()
}

func (s *Scheduler) restingState() State {
	if s.inflight > 0 {
		return StateSynthesizing
	}
	return StateIdle
}

// elapse runs when the window closes.
func (s *Scheduler) elapse() {
	s.mu.Lock()
	if !s.running || s.state != StateScheduled {
		s.mu.Unlock()
		return
	}
	s.seq++
	trig := Trigger{
		Seq:      s.seq,
		Viewport: s.pending,
		Mode:     ModeSynthesize,
		At:       s.now(),
	}
	if trig.Viewport.Zoom < s.cfg.OverlayMinZoom {
		trig.Mode = ModeClear
	}
	collapsed := s.collapsed
	s.timer = nil
	s.state = StateSynthesizing
	s.inflight++
	s.mu.Unlock()

	metrics.TriggersTotal.WithLabelValues(trig.Mode.String()).Inc()
	s.logger.WithFields(logging.Fields{
		"seq":       trig.Seq,
		"mode":      trig.Mode.String(),
		"zoom":      trig.Viewport.Zoom,
		"collapsed": collapsed,
	}).Debug("recompute triggered")

	defer func() {
		s.mu.Lock()
		s.inflight--
		if s.state == StateSynthesizing {
			s.state = s.restingState()
		}
		s.mu.Unlock()
	}()
	if s.fire != nil {
		s.fire(trig)
	}
}
