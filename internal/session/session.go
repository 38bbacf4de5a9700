// Package session hosts one viewport-to-grid pipeline per map client.
package session

import (
	"math"
	"sync"
	"time"

	"github.com/landplot/server/internal/hexindex"
	"github.com/landplot/server/internal/logging"
	"github.com/landplot/server/internal/overlay"
	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/internal/scheduler"
	"github.com/landplot/server/internal/selection"
	"github.com/landplot/server/internal/sessionstore"
	"github.com/landplot/server/pkg/palette"
)

// UpdateKind names what changed in a pushed update.
type UpdateKind string

const (
	UpdateOverlay   UpdateKind = "overlay"
	UpdateSelection UpdateKind = "selection"
)

// Update is pushed to subscribers when the overlay or selection changes.
type Update struct {
	Kind      UpdateKind        `json:"type"`
	Seq       uint64            `json:"seq,omitempty"`
	Overlay   *overlay.Geometry `json:"overlay,omitempty"`
	Selection *selection.Set    `json:"selection,omitempty"`
	Filter    []any             `json:"filter,omitempty"`
}

// Config contains per-session pipeline settings.
type Config struct {
	Synthesizer *overlay.Synthesizer
	Scheduler   scheduler.Config
	// MinZoom and MaxZoom bound client viewports.
	MinZoom float64
	MaxZoom float64
	Logger  logging.Logger
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID           string              `json:"id"`
	Viewport     projection.Viewport `json:"viewport"`
	Resolution   int                 `json:"resolution"`
	Selection    selection.Set       `json:"selection"`
	OverlaySeq   uint64              `json:"overlay_seq"`
	OverlayCells int                 `json:"overlay_cells"`
	State        string              `json:"state"`
	CreatedAt    time.Time           `json:"created_at"`
	LastSeen     time.Time           `json:"last_seen"`
}

const subscriberBuffer = 16

// Session owns a viewport, a selection and the overlay computed for them.
// All mutable state is guarded by one mutex; synthesis runs outside it on a
// snapshot of the viewport.
type Session struct {
	id        string
	synth     *overlay.Synthesizer
	sched     *scheduler.Scheduler
	minZoom   float64
	maxZoom   float64
	createdAt time.Time
	logger    logging.Logger

	mu          sync.Mutex
	viewport    projection.Viewport
	resolution  int
	selection   *selection.Model
	overlay     *overlay.Geometry
	overlaySeq  uint64
	subscribers map[chan Update]struct{}
	lastSeen    time.Time
	closed      bool
}

func newSession(id string, cfg Config, v projection.Viewport, res int, createdAt time.Time) *Session {
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = 22
	}
	s := &Session{
		id:          id,
		synth:       cfg.Synthesizer,
		minZoom:     cfg.MinZoom,
		maxZoom:     cfg.MaxZoom,
		createdAt:   createdAt,
		logger:      logging.Component(cfg.Logger, "session").WithField("session", id),
		resolution:  res,
		selection:   selection.NewModel(cfg.Synthesizer.Index(), res),
		overlay:     overlay.Empty(res),
		subscribers: make(map[chan Update]struct{}),
		lastSeen:    time.Now(),
	}
	s.viewport = s.clamp(v)
	s.sched = scheduler.New(cfg.Scheduler, s.onTrigger)
	s.sched.Start()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

func (s *Session) clamp(v projection.Viewport) projection.Viewport {
	v.Zoom = math.Max(s.minZoom, math.Min(s.maxZoom, v.Zoom))
	return v
}

func (s *Session) touch() {
	s.lastSeen = time.Now()
}

// UpdateViewport records v as the current viewport and feeds the recompute
// scheduler. A degenerate viewport is rejected with a ProjectionError and
// leaves the session unchanged.
func (s *Session) UpdateViewport(v projection.Viewport) (scheduler.Outcome, error) {
	v = s.clamp(v)
	if _, err := s.synth.Projector().Project(v); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return scheduler.OutcomeStopped, nil
	}
	s.viewport = v
	s.touch()
	s.mu.Unlock()

	return s.sched.Notify(v), nil
}

// Viewport returns the current viewport.
func (s *Session) Viewport() projection.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// onTrigger runs on the scheduler's timer goroutine.
func (s *Session) onTrigger(t scheduler.Trigger) {
	s.mu.Lock()
	res := s.resolution
	s.mu.Unlock()

	geom := overlay.Empty(res)
	if t.Mode == scheduler.ModeSynthesize {
		g, err := s.synth.SynthesizeAt(t.Viewport, res)
		if err != nil {
			s.logger.WithError(err).WithField("seq", t.Seq).Warn("overlay recompute aborted, keeping previous overlay")
			return
		}
		geom = g
	}
	s.apply(t.Seq, geom)
}

// apply installs geom unless a newer result already landed or the
// resolution changed while it was computed.
func (s *Session) apply(seq uint64, geom *overlay.Geometry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || seq <= s.overlaySeq || geom.Resolution != s.resolution {
		s.logger.WithField("seq", seq).Debug("discarding stale overlay")
		return false
	}
	s.overlay = geom
	s.overlaySeq = seq
	s.broadcastLocked(Update{Kind: UpdateOverlay, Seq: seq, Overlay: geom})
	return true
}

// Overlay returns the current overlay and the trigger sequence it came from.
func (s *Session) Overlay() (*overlay.Geometry, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.overlay, s.overlaySeq
}

// Resolution returns the active grid resolution.
func (s *Session) Resolution() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolution
}

// SetResolution switches the grid resolution. The selection is cleared and
// the current viewport is fed back to the scheduler to recompute.
func (s *Session) SetResolution(res int) error {
	s.mu.Lock()
	if err := s.selection.SetResolution(res); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := res != s.resolution
	s.resolution = res
	v := s.viewport
	if changed {
		s.overlay = overlay.Empty(res)
		s.broadcastLocked(Update{Kind: UpdateOverlay, Seq: s.overlaySeq, Overlay: s.overlay})
		s.broadcastSelectionLocked()
	}
	s.touch()
	s.mu.Unlock()

	if changed {
		s.sched.Notify(v)
	}
	return nil
}

// Selection returns the current selection.
func (s *Session) Selection() selection.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.selection.Current()
}

// TogglePoint toggles the cell containing (lat, lon).
func (s *Session) TogglePoint(lat, lon float64) (selection.Set, selection.Result, error) {
	return s.toggle(func(m *selection.Model) (selection.Set, selection.Result, error) {
		return m.TogglePoint(lat, lon)
	})
}

// ToggleFeature toggles the cell named by a pressed feature's properties.
func (s *Session) ToggleFeature(properties map[string]interface{}) (selection.Set, selection.Result, error) {
	return s.toggle(func(m *selection.Model) (selection.Set, selection.Result, error) {
		return m.ToggleFeature(properties)
	})
}

// ToggleID toggles the cell id.
func (s *Session) ToggleID(id hexindex.CellID) (selection.Set, selection.Result, error) {
	return s.toggle(func(m *selection.Model) (selection.Set, selection.Result, error) {
		return m.ToggleID(id)
	})
}

func (s *Session) toggle(fn func(*selection.Model) (selection.Set, selection.Result, error)) (selection.Set, selection.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	set, res, err := fn(s.selection)
	if err == nil && res != selection.Ignored {
		s.broadcastSelectionLocked()
	}
	return set, res, err
}

// ClearSelection empties the selection.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	if s.selection.Current().Len() == 0 {
		return
	}
	s.selection.Clear()
	s.broadcastSelectionLocked()
}

// Subscribe registers for updates. The returned function unsubscribes.
// Slow subscribers miss updates rather than block the session.
func (s *Session) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
		})
	}
}

func (s *Session) broadcastSelectionLocked() {
	set := s.selection.Current()
	s.broadcastLocked(Update{
		Kind:      UpdateSelection,
		Selection: &set,
		Filter:    palette.SelectionFilter(set.IDs()),
	})
}

func (s *Session) broadcastLocked(u Update) {
	for ch := range s.subscribers {
		select {
		case ch <- u:
		default:
			s.logger.WithField("type", u.Kind).Debug("subscriber behind, dropping update")
		}
	}
}

// LastSeen returns the time of the last client interaction.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Snapshot returns the session state.
func (s *Session) Snapshot() Snapshot {
	state := s.sched.State().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:           s.id,
		Viewport:     s.viewport,
		Resolution:   s.resolution,
		Selection:    s.selection.Current(),
		OverlaySeq:   s.overlaySeq,
		OverlayCells: s.overlay.Len(),
		State:        state,
		CreatedAt:    s.createdAt,
		LastSeen:     s.lastSeen,
	}
}

// Record returns the persistable part of the session.
func (s *Session) Record() *sessionstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &sessionstore.Record{
		ID:         s.id,
		Viewport:   s.viewport,
		Selection:  s.selection.Current(),
		Resolution: s.resolution,
		CreatedAt:  s.createdAt,
	}
}

// Close stops the scheduler and disconnects subscribers. It is idempotent.
func (s *Session) Close() {
	s.sched.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subscribers {
		delete(s.subscribers, ch)
		close(ch)
	}
}
