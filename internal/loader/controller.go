// Package loader decides what to query on every region or location change and
// keeps the entity set of the active loading mode.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"propmap/internal/config"
	"propmap/internal/logger"
	"propmap/internal/metrics"
	"propmap/internal/property"
	"propmap/internal/region"
)

// Mode selects the query shape. Exactly one mode is active at a time.
type Mode int

const (
	Viewport Mode = iota
	Proximity
)

func (m Mode) String() string {
	if m == Proximity {
		return "proximity"
	}
	return "viewport"
}

// ParseMode accepts "viewport" or "proximity", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "viewport":
		return Viewport, nil
	case "proximity":
		return Proximity, nil
	}
	return Viewport, fmt.Errorf("unknown loading mode %q", s)
}

// BoxQuerier is the store's bounding-box query.
type BoxQuerier interface {
	QueryByBoundingBox(ctx context.Context, north, south, east, west float64, limit int) (property.Set, error)
}

// RadiusQuerier answers radius queries; in proximity mode this is the merged store+directory fan-out.
type RadiusQuerier interface {
	QueryByRadius(ctx context.Context, lat, lng, radiusMeters float64, limit int) (property.Set, error)
}

// Result describes the outcome of one trigger.
type Result struct {
	Tag      uint64
	Mode     Mode
	Applied  bool
	Entities property.Set
	// Err is the query failure, if any. It is informational; the set was kept.
	Err error
}

// Controller owns the active mode's entity set. Results apply in trigger order:
// a result is applied only if no newer trigger or mode switch happened since.
type Controller struct {
	cfg    config.Config
	box    BoxQuerier
	radius RadiusQuerier
	log    *slog.Logger

	mu   sync.Mutex
	mode Mode
	set  property.Set
	seq  uint64
}

// New builds a controller starting in Viewport mode with an empty set.
func New(cfg config.Config, box BoxQuerier, radius RadiusQuerier) *Controller {
	return &Controller{cfg: cfg, box: box, radius: radius, log: logger.With("loader")}
}

// Mode returns the active mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Entities returns a copy of the active mode's set.
func (c *Controller) Entities() property.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set.Clone()
}

// SetMode switches modes. The outgoing mode's set is cleared before SetMode
// returns and any in-flight result is invalidated. It reports whether the mode changed.
func (c *Controller) SetMode(m Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == c.mode {
		return false
	}
	c.switchLocked(m)
	return true
}

func (c *Controller) switchLocked(m Mode) {
	c.log.Debug("loader_mode_switch", "from", c.mode.String(), "to", m.String(), "cleared", len(c.set))
	c.mode = m
	c.set = nil
	c.seq++
}

// Trigger is a tagged query that has not run yet.
type Trigger struct {
	c      *Controller
	tag    uint64
	region region.Region
	user   *orb.Point
	mode   Mode
}

// Tag is the trigger's position in trigger order.
func (t *Trigger) Tag() uint64 { return t.tag }

// Prepare tags a trigger without querying. Tags are handed out in call order, so
// callers that run the query on another goroutine still get trigger-order semantics.
// Preparing a trigger for another mode switches modes first.
func (c *Controller) Prepare(r region.Region, user *orb.Point, mode Mode) *Trigger {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mode != c.mode {
		c.switchLocked(mode)
	}
	c.seq++
	var u *orb.Point
	if user != nil {
		p := *user
		u = &p
	}
	return &Trigger{c: c, tag: c.seq, region: r, user: u, mode: mode}
}

// Load runs one trigger. It blocks for the query; callers that must not block run it
// on their own goroutine. user may be nil when no GPS fix is known; proximity mode then
// falls back to a viewport query.
func (c *Controller) Load(ctx context.Context, r region.Region, user *orb.Point, mode Mode) Result {
	return c.Prepare(r, user, mode).Run(ctx)
}

// Run queries and applies the result if the trigger is still the newest.
func (t *Trigger) Run(ctx context.Context) Result {
	c, tag, mode := t.c, t.tag, t.mode
	effective := mode
	if mode == Proximity && t.user == nil {
		c.log.Debug("loader_proximity_no_location", "tag", tag)
		effective = Viewport
	}

	t0 := time.Now()
	var (
		ents property.Set
		err  error
	)
	switch effective {
	case Proximity:
		ents, err = c.queryProximity(ctx, *t.user)
	default:
		var skip bool
		ents, skip, err = c.queryViewport(ctx, t.region)
		if skip {
			return c.apply(tag, mode, property.Set{}, nil)
		}
	}
	ms := float64(time.Since(t0).Milliseconds())
	metrics.LoaderQueriesTotal.WithLabelValues(effective.String()).Inc()
	metrics.LoaderDurationMs.WithLabelValues(effective.String()).Observe(ms)
	if err != nil {
		metrics.LoaderFailuresTotal.WithLabelValues(effective.String()).Inc()
		c.log.Warn("loader_query_error", "tag", tag, "mode", effective.String(), "err", err, "duration_ms", ms)
	} else {
		c.log.Debug("loader_query_ok", "tag", tag, "mode", effective.String(), "count", len(ents), "duration_ms", ms)
	}
	return c.apply(tag, mode, ents, err)
}

func (c *Controller) apply(tag uint64, mode Mode, ents property.Set, err error) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag != c.seq {
		metrics.LoaderStaleTotal.WithLabelValues(mode.String()).Inc()
		c.log.Debug("loader_result_stale", "tag", tag, "latest", c.seq)
		return Result{Tag: tag, Mode: c.mode, Entities: c.set.Clone(), Err: err}
	}
	if err != nil {
		return Result{Tag: tag, Mode: c.mode, Entities: c.set.Clone(), Err: err}
	}
	c.set = ents
	return Result{Tag: tag, Mode: c.mode, Applied: true, Entities: ents.Clone()}
}

func (c *Controller) queryViewport(ctx context.Context, r region.Region) (property.Set, bool, error) {
	if err := r.Validate(); err != nil {
		return nil, false, err
	}
	if z := r.Zoom(); c.cfg.MinFetchZoom > 0 && z < c.cfg.MinFetchZoom {
		metrics.LoaderSkippedTotal.WithLabelValues("zoomed_out").Inc()
		c.log.Debug("loader_viewport_skip", "zoom", z, "min", c.cfg.MinFetchZoom)
		return nil, true, nil
	}
	if c.box == nil {
		return nil, false, fmt.Errorf("viewport query: no store")
	}
	qctx, cancel := c.withTimeout(ctx)
	defer cancel()
	b := r.Expanded()
	limit := c.cfg.MaxViewportResults
	ents, err := c.box.QueryByBoundingBox(qctx, b.Max.Lat(), b.Min.Lat(), b.Max.Lon(), b.Min.Lon(), limit)
	if err != nil {
		return nil, false, fmt.Errorf("viewport query: %w", err)
	}
	if limit > 0 && len(ents) > limit {
		metrics.LoaderTruncatedTotal.Inc()
		c.log.Debug("loader_viewport_truncated", "count", len(ents), "cap", limit)
		ents = ents[:limit]
	}
	if ents == nil {
		ents = property.Set{}
	}
	return ents, false, nil
}

func (c *Controller) queryProximity(ctx context.Context, user orb.Point) (property.Set, error) {
	if c.radius == nil {
		return nil, fmt.Errorf("proximity query: no radius source")
	}
	qctx, cancel := c.withTimeout(ctx)
	defer cancel()
	ents, err := c.radius.QueryByRadius(qctx, user.Lat(), user.Lon(), c.cfg.ProximityRadiusMeters, c.cfg.MaxProximityResults)
	if err != nil {
		return nil, fmt.Errorf("proximity query: %w", err)
	}
	if ents == nil {
		ents = property.Set{}
	}
	return ents, nil
}

func (c *Controller) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}
