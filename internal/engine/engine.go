// Package engine runs one map session: a single event loop that owns region, user
// location, heading, camera and index state, and reduces gesture, compass, GPS and
// data-ready events in arrival order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"

	"propmap/internal/camera"
	"propmap/internal/config"
	"propmap/internal/device"
	"propmap/internal/heading"
	"propmap/internal/loader"
	"propmap/internal/logger"
	"propmap/internal/metrics"
	"propmap/internal/region"
	"propmap/internal/render"
	"propmap/internal/spatial"
)

var (
	// ErrStopped is returned by calls made after Run has returned.
	ErrStopped = errors.New("engine stopped")
	// ErrRunning is returned by a second Run.
	ErrRunning = errors.New("engine already running")
	// ErrUnknownFeature means the pressed feature is not in the current frame.
	ErrUnknownFeature = errors.New("feature not in current frame")
)

const queueSize = 64

// Options wire an engine to its collaborators. Compass, Locator and the callbacks
// may be nil.
type Options struct {
	Config   config.Config
	Store    loader.BoxQuerier
	Radius   loader.RadiusQuerier
	Compass  device.Compass
	Locator  device.Locator
	Animator camera.Animator
	Renderer render.Renderer
	// Region is the first visible region; an invalid one uses Config.DefaultRegion.
	Region region.Region
	Mode   loader.Mode

	OnFeaturePress         func(spatial.Feature)
	OnRegionChangeComplete func(region.Region)
}

// Snapshot is a read-only view of the loop state.
type Snapshot struct {
	Region     region.Region    `json:"region"`
	Zoom       int              `json:"zoom"`
	Mode       string           `json:"mode"`
	User       *orb.Point       `json:"user,omitempty"`
	Heading    heading.Snapshot `json:"heading"`
	Camera     string           `json:"camera"`
	Entities   int              `json:"entities"`
	Features   int              `json:"features"`
	MapReady   bool             `json:"map_ready"`
	AutoOrient bool             `json:"auto_orient"`
	Permitted  bool             `json:"permitted"`
}

// Engine is created by New and driven by Run. Every exported method other than Run
// is safe to call from any goroutine; they enqueue events for the loop.
type Engine struct {
	cfg      config.Config
	loader   *loader.Controller
	heading  *heading.Machine
	camera   *camera.Controller
	locator  device.Locator
	renderer render.Renderer
	onPress  func(spatial.Feature)
	onRegion func(region.Region)
	log      *slog.Logger

	events  chan any
	done    chan struct{}
	running atomic.Bool
	loads   sync.WaitGroup

	// owned by the loop
	ctx        context.Context
	region     region.Region
	user       *orb.Point
	mode       loader.Mode
	idx        *spatial.Index
	frame      render.Frame
	ready      bool
	autoOrient bool
	permitted  bool
}

type (
	regionEvent     struct{ r region.Region }
	locationEvent   struct{ p orb.Point }
	headingEvent    struct{ h float64 }
	gestureEvent    struct{}
	recenterEvent   struct{ reply chan float64 }
	modeEvent       struct{ m loader.Mode }
	lockEvent       struct{ locked bool }
	autoOrientEvent struct{ on bool }
	readyEvent      struct{}
	dataEvent       struct{ res loader.Result }
	snapshotEvent   struct{ reply chan Snapshot }
	pressEvent      struct {
		cluster   bool
		clusterID int
		entityID  string
		reply     chan pressResult
	}
)

type pressResult struct {
	f   spatial.Feature
	err error
}

// New builds an engine. Nothing is subscribed or queried until Run.
func New(o Options) *Engine {
	r := o.Region
	if r.Validate() != nil {
		r = o.Config.DefaultRegion()
	}
	return &Engine{
		cfg:        o.Config,
		loader:     loader.New(o.Config, o.Store, o.Radius),
		heading:    heading.New(o.Compass, o.Config.OrientationLocked),
		camera:     camera.New(o.Animator, o.Config),
		locator:    o.Locator,
		renderer:   o.Renderer,
		onPress:    o.OnFeaturePress,
		onRegion:   o.OnRegionChangeComplete,
		log:        logger.With("engine"),
		events:     make(chan any, queueSize),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		region:     r,
		mode:       o.Mode,
		idx:        spatial.Build(nil, o.Config.SpatialOptions()),
		autoOrient: o.Config.AutoOrientEnabled,
	}
}

// Run acquires the sensors, issues the first load and processes events until ctx
// is done. Sensor subscriptions are released on every return path.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx
	var scope device.Scope
	defer func() {
		e.heading.Stop()
		scope.Release()
		cancel()
		close(e.done)
		e.loads.Wait()
		e.log.Debug("engine_stopped")
	}()

	e.acquireLocation(ctx, &scope)
	e.startHeading()
	if e.loader.Mode() != e.mode {
		e.loader.SetMode(e.mode)
	}
	e.redraw()
	e.trigger()
	e.log.Debug("engine_started", "mode", e.mode.String(), "permitted", e.permitted, "heading", e.heading.State().String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.events:
			e.reduce(ev)
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) acquireLocation(ctx context.Context, scope *device.Scope) {
	if e.locator == nil {
		return
	}
	ok, err := e.locator.RequestPermission(ctx)
	if err != nil || !ok {
		e.log.Info("engine_location_denied", "err", err)
		return
	}
	e.permitted = true
	if p, err := e.locator.CurrentLocation(ctx); err == nil {
		e.user = &p
	} else {
		e.log.Info("engine_location_unavailable", "err", err)
	}
	opts := device.LocationOptions{HighAccuracy: true, Interval: e.cfg.LocationInterval, DistanceMeters: e.cfg.LocationDistanceMeters}
	sub, err := e.locator.WatchLocation(opts, func(p orb.Point) { _ = e.post(locationEvent{p: p}) })
	if err != nil {
		e.log.Warn("engine_location_watch_error", "err", err)
		return
	}
	scope.Add(sub)
}

func (e *Engine) startHeading() {
	e.heading.Start(e.ctx, e.autoOrient, e.permitted, func(h float64) {
		// compass ticks are lossy; a full queue drops them
		select {
		case e.events <- headingEvent{h: h}:
		default:
			metrics.HeadingTicksTotal.WithLabelValues("dropped").Inc()
		}
	})
}

func (e *Engine) reduce(ev any) {
	switch ev := ev.(type) {
	case regionEvent:
		e.region = ev.r
		if e.onRegion != nil {
			e.onRegion(ev.r)
		}
		e.redraw()
		if e.mode == loader.Viewport || e.user == nil {
			e.trigger()
		}
	case locationEvent:
		p := ev.p
		e.user = &p
		e.initialCenter()
		e.redraw()
		if e.mode == loader.Proximity {
			e.trigger()
		}
	case headingEvent:
		if e.heading.OnHeading(ev.h) {
			e.camera.Rotate(ev.h)
		}
	case gestureEvent:
		e.heading.UserGesture()
	case recenterEvent:
		h := e.heading.Recenter(e.ctx)
		if e.user != nil {
			e.camera.CenterOnUser(*e.user, h)
		}
		ev.reply <- h
	case modeEvent:
		if e.loader.SetMode(ev.m) {
			e.mode = ev.m
			e.rebuild()
			e.redraw()
			e.trigger()
		}
	case lockEvent:
		e.heading.SetLocked(ev.locked)
	case autoOrientEvent:
		e.autoOrient = ev.on
		if ev.on {
			e.startHeading()
		} else {
			e.heading.Stop()
		}
	case readyEvent:
		e.ready = true
		e.initialCenter()
	case dataEvent:
		e.rebuild()
		e.redraw()
	case pressEvent:
		f, err := e.press(ev)
		ev.reply <- pressResult{f: f, err: err}
	case snapshotEvent:
		ev.reply <- e.snapshot()
	}
}

// trigger tags a load on the loop and queries off it. Only an applied result posts
// back; the loop then rebuilds from the loader's authoritative set.
func (e *Engine) trigger() {
	t := e.loader.Prepare(e.region, e.user, e.mode)
	e.loads.Add(1)
	go func() {
		defer e.loads.Done()
		if res := t.Run(e.ctx); res.Applied {
			_ = e.post(dataEvent{res: res})
		}
	}()
}

func (e *Engine) rebuild() {
	t0 := time.Now()
	e.idx = spatial.Build(e.loader.Entities(), e.cfg.SpatialOptions())
	metrics.IndexBuildDurationMs.Observe(float64(time.Since(t0).Milliseconds()))
}

func (e *Engine) redraw() {
	overlay := 0.0
	if e.mode == loader.Proximity {
		overlay = e.cfg.ProximityRadiusMeters
	}
	e.frame = render.Build(e.idx, e.region, e.mode.String(), e.user, overlay)
	if e.renderer != nil {
		e.renderer.Draw(e.frame)
	}
}

func (e *Engine) initialCenter() {
	if e.ready && e.user != nil {
		e.camera.InitialCenter(e.user, e.heading.Current())
	}
}

func (e *Engine) press(ev pressEvent) (spatial.Feature, error) {
	for _, f := range e.frame.Features {
		if ev.cluster != f.IsCluster {
			continue
		}
		if (f.IsCluster && f.ClusterID != ev.clusterID) || (!f.IsCluster && f.Entity.ID != ev.entityID) {
			continue
		}
		if e.onPress != nil {
			e.onPress(f)
		}
		if f.IsCluster {
			if _, err := e.camera.ExpandCluster(e.idx, f, e.region); err != nil {
				return f, err
			}
		}
		return f, nil
	}
	return spatial.Feature{}, ErrUnknownFeature
}

func (e *Engine) snapshot() Snapshot {
	s := Snapshot{
		Region:     e.region,
		Zoom:       e.region.Zoom(),
		Mode:       e.mode.String(),
		Heading:    e.heading.Snapshot(),
		Camera:     e.camera.State().String(),
		Entities:   len(e.loader.Entities()),
		Features:   len(e.frame.Features),
		MapReady:   e.ready,
		AutoOrient: e.autoOrient,
		Permitted:  e.permitted,
	}
	if e.user != nil {
		u := *e.user
		s.User = &u
	}
	return s
}

func (e *Engine) post(ev any) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) postCtx(ctx context.Context, ev any) error {
	select {
	case <-e.done:
		return ErrStopped
	default:
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, e *Engine, reply chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-e.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// RegionChangeComplete reports a settled region. Every call is worth a query.
func (e *Engine) RegionChangeComplete(r region.Region) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return e.post(regionEvent{r: r})
}

// LocationUpdate delivers a GPS fix from outside the locator watch.
func (e *Engine) LocationUpdate(p orb.Point) error {
	if p.Lat() < -90 || p.Lat() > 90 || p.Lon() < -180 || p.Lon() > 180 {
		return fmt.Errorf("location %v: %w", p, region.ErrInvalid)
	}
	return e.post(locationEvent{p: p})
}

// HeadingTick delivers a compass reading from outside the compass watch.
func (e *Engine) HeadingTick(h float64) error { return e.post(headingEvent{h: h}) }

// Gesture reports a user pan or rotate.
func (e *Engine) Gesture() error { return e.post(gestureEvent{}) }

// Recenter clears the manual rotation, re-centers on the user with a fresh heading
// sample and returns that heading.
func (e *Engine) Recenter(ctx context.Context) (float64, error) {
	reply := make(chan float64, 1)
	if err := e.postCtx(ctx, recenterEvent{reply: reply}); err != nil {
		return 0, err
	}
	return await(ctx, e, reply)
}

// SetMode switches the loading mode. The new mode renders empty until its first result.
func (e *Engine) SetMode(m loader.Mode) error { return e.post(modeEvent{m: m}) }

// SetLocked engages or releases the external orientation lock.
func (e *Engine) SetLocked(locked bool) error { return e.post(lockEvent{locked: locked}) }

// SetAutoOrient subscribes to or releases the compass.
func (e *Engine) SetAutoOrient(on bool) error { return e.post(autoOrientEvent{on: on}) }

// MapReady signals the renderer is ready. Repeats are harmless.
func (e *Engine) MapReady() error { return e.post(readyEvent{}) }

// PressCluster presses a cluster in the current frame and expands it.
func (e *Engine) PressCluster(ctx context.Context, id int) (spatial.Feature, error) {
	return e.pressAndWait(ctx, pressEvent{cluster: true, clusterID: id})
}

// PressEntity presses a singleton marker in the current frame.
func (e *Engine) PressEntity(ctx context.Context, id string) (spatial.Feature, error) {
	return e.pressAndWait(ctx, pressEvent{entityID: id})
}

func (e *Engine) pressAndWait(ctx context.Context, ev pressEvent) (spatial.Feature, error) {
	ev.reply = make(chan pressResult, 1)
	if err := e.postCtx(ctx, ev); err != nil {
		return spatial.Feature{}, err
	}
	r, err := await(ctx, e, ev.reply)
	if err != nil {
		return spatial.Feature{}, err
	}
	return r.f, r.err
}

// Snapshot returns the loop state after every previously posted event.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := e.postCtx(ctx, snapshotEvent{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	return await(ctx, e, reply)
}
