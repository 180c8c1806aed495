// Package heading tracks compass heading and decides whether it may rotate the camera.
//
// States: Idle (no compass subscription), Tracking (subscribed, ticks reach the camera)
// and Locked (subscribed, ticks suppressed). Locked holds while the user has rotated
// the map by hand or an external lock is engaged.
package heading

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"propmap/internal/device"
	"propmap/internal/logger"
	"propmap/internal/metrics"
)

// State of the machine.
type State int

const (
	Idle State = iota
	Tracking
	Locked
)

func (s State) String() string {
	switch s {
	case Tracking:
		return "tracking"
	case Locked:
		return "locked"
	}
	return "idle"
}

// Snapshot is a copy of the heading state.
type Snapshot struct {
	State             State   `json:"-"`
	StateName         string  `json:"state"`
	InitialHeading    float64 `json:"initial_heading"`
	CurrentHeading    float64 `json:"current_heading"`
	ManuallyRotated   bool    `json:"manually_rotated"`
	OrientationLocked bool    `json:"orientation_locked"`
}

// Machine is safe for concurrent use; the engine drives it from its event loop.
type Machine struct {
	compass device.Compass
	log     *slog.Logger

	mu                sync.Mutex
	sub               device.Subscription
	initial, current  float64
	manuallyRotated   bool
	orientationLocked bool
	permitted         bool
}

// New returns an Idle machine. locked seeds the external orientation lock.
func New(compass device.Compass, locked bool) *Machine {
	return &Machine{compass: compass, orientationLocked: locked, log: logger.With("heading")}
}

// Start moves Idle to Tracking when auto-orientation is enabled, permission is granted
// and the compass answers. Ticks are delivered to onTick, which should forward them to
// OnHeading from the caller's event loop. Any failure leaves the machine Idle at heading 0.
func (m *Machine) Start(ctx context.Context, autoOrient, permitted bool, onTick func(float64)) State {
	m.mu.Lock()
	m.permitted = permitted
	if m.sub != nil {
		defer m.mu.Unlock()
		return m.stateLocked()
	}
	m.mu.Unlock()
	if !autoOrient || !permitted || m.compass == nil {
		m.log.Debug("heading_start_skipped", "auto_orient", autoOrient, "permitted", permitted, "compass", m.compass != nil)
		return Idle
	}
	// The compass is called without the lock held; a platform may fire the
	// first tick from inside WatchHeading.
	h, err := m.compass.HeadingOnce(ctx)
	if err != nil {
		m.log.Info("heading_unavailable", "err", err)
		m.reset()
		return Idle
	}
	sub, err := m.compass.WatchHeading(onTick)
	if err != nil {
		m.log.Info("heading_subscribe_error", "err", err)
		m.reset()
		return Idle
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		sub.Remove()
		return m.stateLocked()
	}
	m.sub = sub
	m.initial, m.current = normalize(h), normalize(h)
	m.log.Debug("heading_subscribe_ok", "initial", m.initial)
	return m.stateLocked()
}

func (m *Machine) reset() {
	m.mu.Lock()
	m.initial, m.current = 0, 0
	m.mu.Unlock()
}

// Stop releases the compass subscription and returns to Idle. Safe to call repeatedly.
func (m *Machine) Stop() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Remove()
		m.log.Debug("heading_unsubscribed")
	}
}

// OnHeading records a compass tick and reports whether it should rotate the camera.
func (m *Machine) OnHeading(h float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub == nil {
		return false
	}
	m.current = normalize(h)
	if m.stateLocked() != Tracking {
		metrics.HeadingTicksTotal.WithLabelValues("suppressed").Inc()
		return false
	}
	metrics.HeadingTicksTotal.WithLabelValues("applied").Inc()
	return true
}

// UserGesture marks a manual pan or rotate; ticks stop reaching the camera until Recenter.
func (m *Machine) UserGesture() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.manuallyRotated {
		m.log.Debug("heading_manual_lock")
	}
	m.manuallyRotated = true
}

// SetLocked engages or releases the external orientation lock.
func (m *Machine) SetLocked(locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orientationLocked = locked
}

// Recenter clears the manual lock and returns a freshly sampled heading. The compass
// is sampled even while Idle with auto-orientation off; the cached heading is never
// reused. Without a compass or permission, or when the sample fails, the result is 0.
func (m *Machine) Recenter(ctx context.Context) float64 {
	m.mu.Lock()
	m.manuallyRotated = false
	compass, permitted := m.compass, m.permitted
	m.mu.Unlock()
	if compass == nil || !permitted {
		return 0
	}
	h, err := compass.HeadingOnce(ctx)
	if err != nil {
		m.log.Info("heading_sample_error", "err", err)
		h = 0
	}
	h = normalize(h)
	m.mu.Lock()
	m.current = h
	m.mu.Unlock()
	return h
}

// State reports the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	switch {
	case m.sub == nil:
		return Idle
	case m.manuallyRotated || m.orientationLocked:
		return Locked
	}
	return Tracking
}

// Current returns the last known heading, 0 until the first sample.
func (m *Machine) Current() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot copies the state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateLocked()
	return Snapshot{
		State:             s,
		StateName:         s.String(),
		InitialHeading:    m.initial,
		CurrentHeading:    m.current,
		ManuallyRotated:   m.manuallyRotated,
		OrientationLocked: m.orientationLocked,
	}
}

func normalize(h float64) float64 {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0
	}
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}
