package session

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/landplot/server/internal/logging"
	"github.com/landplot/server/internal/metrics"
	"github.com/landplot/server/internal/projection"
	"github.com/landplot/server/internal/sessionstore"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Location is a one-shot device position used to center a new session.
type Location struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
}

// ManagerConfig contains configuration for the session manager.
type ManagerConfig struct {
	MaxSessions     int           // Sessions kept in memory (default 1000)
	IdleTimeout     time.Duration // Idle sessions are retired after this (default 30m)
	SQLitePath      string        // Snapshot database; empty disables persistence
	RetentionDays   int           // Days to keep retired snapshots (default 7)
	CleanupPeriod   time.Duration
	DefaultViewport projection.Viewport
	LocateZoom      float64
	Session         Config
	Logger          logging.Logger
}

// Manager creates, looks up and retires sessions. Sessions evicted from
// memory are persisted and transparently restored on next access.
type Manager struct {
	cfg      ManagerConfig
	store    *sessionstore.Store
	sessions *lru.Cache[string, *Session]
	logger   logging.Logger

	// mu serializes restore so an id is loaded at most once.
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a new session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Session.Synthesizer == nil {
		return nil, errors.New("session manager requires a synthesizer")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Minute
	}
	if cfg.LocateZoom <= 0 {
		cfg.LocateZoom = 15
	}

	m := &Manager{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "sessions"),
		stopCh: make(chan struct{}),
	}

	if cfg.SQLitePath != "" {
		store, err := sessionstore.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		m.store = store
	}

	sessions, err := lru.NewWithEvict[string, *Session](cfg.MaxSessions, func(_ string, s *Session) {
		m.retire(s)
	})
	if err != nil {
		if m.store != nil {
			m.store.Close()
		}
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	m.sessions = sessions
	return m, nil
}

// Store returns the snapshot store, or nil when persistence is disabled.
func (m *Manager) Store() *sessionstore.Store {
	return m.store
}

// Start starts the idle reaper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleaner()
}

// Stop retires every live session and closes the store.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		m.sessions.Purge()
		metrics.SessionsActive.Set(0)
		if m.store != nil {
			m.store.Close()
		}
	})
}

// Create starts a session. A nil viewport uses the configured default; a
// location re-centers it at the locate zoom.
func (m *Manager) Create(v *projection.Viewport, loc *Location) (*Session, error) {
	vp := m.cfg.DefaultViewport
	if v != nil {
		vp = *v
	}
	if loc != nil {
		if !finite(loc.Latitude, loc.Longitude) {
			return nil, fmt.Errorf("invalid location (%f, %f)", loc.Latitude, loc.Longitude)
		}
		vp.Latitude = loc.Latitude
		vp.Longitude = loc.Longitude
		vp.Zoom = m.cfg.LocateZoom
	}
	if _, err := m.cfg.Session.Synthesizer.Projector().Project(vp); err != nil {
		return nil, err
	}

	s := newSession(uuid.NewString(), m.cfg.Session, vp, m.cfg.Session.Synthesizer.Resolution(), time.Now().UTC())
	m.add(s)
	m.persist(s)

	// Kick off the first overlay.
	s.sched.Notify(s.Viewport())

	m.logger.WithFields(logging.Fields{
		"session": s.ID(),
		"zoom":    s.Viewport().Zoom,
	}).Info("session created")
	return s, nil
}

// Get returns a live session, restoring it from the store if it was evicted.
func (m *Manager) Get(id string) (*Session, error) {
	if s, ok := m.sessions.Get(id); ok {
		return s, nil
	}
	if m.store == nil {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions.Get(id); ok {
		return s, nil
	}

	rec, err := m.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	s := newSession(rec.ID, m.cfg.Session, rec.Viewport, rec.Resolution, rec.CreatedAt)
	if err := s.selection.SetResolution(rec.Resolution); err != nil {
		s.Close()
		return nil, fmt.Errorf("session %s has invalid resolution: %w", id, err)
	}
	if cell, ok := rec.Selection.Cell(); ok && cell.ID.Resolution() == rec.Resolution {
		s.selection.Restore(rec.Selection)
	}
	m.add(s)
	s.sched.Notify(s.Viewport())

	m.logger.WithField("session", id).Info("session restored")
	return s, nil
}

// Delete closes a session and removes its snapshot.
func (m *Manager) Delete(id string) error {
	s, found := m.sessions.Peek(id)
	if found {
		// Close first so the eviction hook does not persist it again.
		s.Close()
		m.sessions.Remove(id)
		metrics.SessionsActive.Set(float64(m.sessions.Len()))
	}
	if m.store != nil {
		if !found {
			rec, err := m.store.Get(id)
			if err != nil {
				return err
			}
			found = rec != nil
		}
		if err := m.store.Delete(id); err != nil {
			return err
		}
	}
	if !found {
		return ErrNotFound
	}
	m.logger.WithField("session", id).Info("session deleted")
	return nil
}

// List returns snapshots of the live sessions.
func (m *Manager) List() []Snapshot {
	keys := m.sessions.Keys()
	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		if s, ok := m.sessions.Peek(k); ok {
			out = append(out, s.Snapshot())
		}
	}
	return out
}

// Stored returns the persisted snapshots, most recently updated first. It
// is empty when persistence is disabled.
func (m *Manager) Stored() ([]*sessionstore.Record, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.List()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

func (m *Manager) add(s *Session) {
	m.sessions.Add(s.ID(), s)
	metrics.SessionsActive.Set(float64(m.sessions.Len()))
}

// retire persists and closes a session leaving memory. Sessions already
// closed were deleted on purpose and are not persisted.
func (m *Manager) retire(s *Session) {
	if s.Closed() {
		return
	}
	m.persist(s)
	s.Close()
	m.logger.WithField("session", s.ID()).Debug("session retired")
}

func (m *Manager) persist(s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(s.Record()); err != nil {
		m.logger.WithError(err).WithField("session", s.ID()).Warn("failed to persist session")
	}
}

func (m *Manager) cleaner() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap retires idle sessions and drops expired snapshots.
func (m *Manager) reap() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	retired := 0
	for _, k := range m.sessions.Keys() {
		s, ok := m.sessions.Peek(k)
		if !ok || s.LastSeen().After(cutoff) {
			continue
		}
		m.sessions.Remove(k)
		retired++
	}
	if retired > 0 {
		metrics.SessionsActive.Set(float64(m.sessions.Len()))
		m.logger.WithField("count", retired).Info("retired idle sessions")
	}

	if m.store != nil {
		n, err := m.store.DeleteExpired(m.cfg.RetentionDays)
		if err != nil {
			m.logger.WithError(err).Warn("failed to delete expired sessions")
		} else if n > 0 {
			m.logger.WithField("count", n).Info("deleted expired sessions")
		}
	}
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
