package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"propmap/internal/camera"
	"propmap/internal/config"
	"propmap/internal/engine"
	"propmap/internal/iplocate"
	"propmap/internal/loader"
	"propmap/internal/logger"
	"propmap/internal/metrics"
	"propmap/internal/region"
	"propmap/internal/render"
	"propmap/internal/spatial"
)

var (
	// ErrNoSession means the id is unknown or already closed.
	ErrNoSession = errors.New("session not found")
	// ErrTooManySessions is returned when the registry is full.
	ErrTooManySessions = errors.New("too many sessions")
)

// Deps are shared by every session.
type Deps struct {
	Config config.Config
	Store  loader.BoxQuerier
	Radius loader.RadiusQuerier
	Locate *iplocate.Locator
	// MaxSessions caps live sessions; 0 means 1000.
	MaxSessions int
	// IdleTimeout closes sessions nobody touched for this long; 0 means 30m.
	IdleTimeout time.Duration
}

// Session is one engine plus the remote sensors and outputs a client polls.
type Session struct {
	ID       string
	Engine   *engine.Engine
	Device   *RemoteDevice
	Camera   *camera.Recorder
	Frames   *render.Latest
	Created  time.Time
	cancel   context.CancelFunc
	lastSeen time.Time
	presses  []spatial.Feature
	mu       sync.Mutex
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Presses returns and clears the features pressed since the last call.
func (s *Session) Presses() []spatial.Feature {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.presses
	s.presses = nil
	if out == nil {
		out = []spatial.Feature{}
	}
	return out
}

// CreateRequest is what a client reports when it opens a map.
type CreateRequest struct {
	Region *region.Region `json:"region,omitempty"`
	Mode   string         `json:"mode,omitempty"`
	// LocationPermission defaults to true.
	LocationPermission *bool `json:"location_permission,omitempty"`
	// Compass defaults to true.
	Compass  *bool      `json:"compass,omitempty"`
	Location *LatLng    `json:"location,omitempty"`
	Heading  *float64   `json:"heading,omitempty"`
	Config   *Overrides `json:"config,omitempty"`
}

// Overrides are the per-session options a client may change.
type Overrides struct {
	ClusteringEnabled *bool `json:"clustering_enabled,omitempty"`
	AutoOrientEnabled *bool `json:"auto_orient_enabled,omitempty"`
	OrientationLocked *bool `json:"orientation_locked,omitempty"`
}

// LatLng is the wire form of a position.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p LatLng) Point() orb.Point { return orb.Point{p.Lng, p.Lat} }

// Registry owns the live sessions.
type Registry struct {
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry applies the Deps defaults.
func NewRegistry(d Deps) *Registry {
	if d.MaxSessions <= 0 {
		d.MaxSessions = 1000
	}
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = 30 * time.Minute
	}
	if d.Locate == nil {
		d.Locate = iplocate.New(d.Config.DefaultRegion())
	}
	return &Registry{deps: d, log: logger.With("sessions"), now: time.Now, sessions: make(map[string]*Session)}
}

// Create starts an engine for req. clientIP seeds the region when req has none.
func (g *Registry) Create(req CreateRequest, clientIP string) (*Session, error) {
	mode := loader.Viewport
	if req.Mode != "" {
		m, err := loader.ParseMode(req.Mode)
		if err != nil {
			return nil, err
		}
		mode = m
	}
	r := g.deps.Locate.Region(clientIP)
	if req.Region != nil {
		if err := req.Region.Validate(); err != nil {
			return nil, err
		}
		r = *req.Region
	} else if req.Location != nil {
		r = r.CenteredOn(req.Location.Lat, req.Location.Lng)
	}
	cfg := g.deps.Config
	if o := req.Config; o != nil {
		if o.ClusteringEnabled != nil {
			cfg.ClusteringEnabled = *o.ClusteringEnabled
		}
		if o.AutoOrientEnabled != nil {
			cfg.AutoOrientEnabled = *o.AutoOrientEnabled
		}
		if o.OrientationLocked != nil {
			cfg.OrientationLocked = *o.OrientationLocked
		}
	}
	permitted, compass := true, true
	if req.LocationPermission != nil {
		permitted = *req.LocationPermission
	}
	if req.Compass != nil {
		compass = *req.Compass
	}
	var loc *orb.Point
	if req.Location != nil {
		p := req.Location.Point()
		loc = &p
	}

	g.mu.Lock()
	if len(g.sessions) >= g.deps.MaxSessions {
		g.mu.Unlock()
		return nil, ErrTooManySessions
	}
	now := g.now()
	s := &Session{
		ID:       uuid.NewString(),
		Device:   NewRemoteDevice(permitted, compass, loc, req.Heading),
		Camera:   camera.NewRecorder(0),
		Frames:   &render.Latest{},
		Created:  now,
		lastSeen: now,
	}
	s.Engine = engine.New(engine.Options{
		Config:   cfg,
		Store:    g.deps.Store,
		Radius:   g.deps.Radius,
		Compass:  s.Device,
		Locator:  s.Device,
		Animator: s.Camera,
		Renderer: s.Frames,
		Region:   r,
		Mode:     mode,
		OnFeaturePress: func(f spatial.Feature) {
			s.mu.Lock()
			s.presses = append(s.presses, f)
			s.mu.Unlock()
		},
	})
	g.sessions[s.ID] = s
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		if err := s.Engine.Run(ctx); err != nil {
			g.log.Warn("session_run_error", "id", s.ID, "err", err)
		}
	}()
	metrics.SessionsActive.Inc()
	g.log.Info("session_created", "id", s.ID, "mode", mode.String(), "zoom", r.Zoom(), "permitted", permitted, "compass", compass)
	return s, nil
}

// Get returns a live session and marks it used.
func (g *Registry) Get(id string) (*Session, error) {
	g.mu.Lock()
	s, ok := g.sessions[id]
	g.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	s.touch(g.now())
	return s, nil
}

// Close stops the session's engine and waits for its subscriptions to be released.
func (g *Registry) Close(id string) error {
	g.mu.Lock()
	s, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.cancel()
	<-s.Engine.Done()
	metrics.SessionsActive.Dec()
	g.log.Info("session_closed", "id", id, "age_ms", g.now().Sub(s.Created).Milliseconds())
	return nil
}

// Len reports live sessions.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Reap closes sessions idle longer than the timeout and returns how many it closed.
func (g *Registry) Reap() int {
	cutoff := g.now().Add(-g.deps.IdleTimeout)
	var idle []string
	g.mu.Lock()
	for id, s := range g.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	g.mu.Unlock()
	n := 0
	for _, id := range idle {
		if g.Close(id) == nil {
			n++
		}
	}
	if n > 0 {
		g.log.Debug("session_reap", "closed", n)
	}
	return n
}

// Start reaps idle sessions every minute until ctx is done, then closes the rest.
func (g *Registry) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				g.CloseAll()
				return
			case <-t.C:
				g.Reap()
			}
		}
	}()
}

// CloseAll stops every session.
func (g *Registry) CloseAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		_ = g.Close(id)
	}
}
