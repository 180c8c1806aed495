// Package camera issues the animated camera moves: initial centering, re-centering
// on the user, compass rotation and cluster expansion.
package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"propmap/internal/config"
	"propmap/internal/logger"
	"propmap/internal/metrics"
	"propmap/internal/region"
	"propmap/internal/spatial"
)

// ErrNotCluster is returned when ExpandCluster receives a singleton feature.
var ErrNotCluster = errors.New("feature is not a cluster")

// Move is a partial camera update; nil fields keep their current value.
type Move struct {
	Center   *orb.Point `json:"center,omitempty"`
	Heading  *float64   `json:"heading,omitempty"`
	Pitch    *float64   `json:"pitch,omitempty"`
	Altitude *float64   `json:"altitude,omitempty"`
	Zoom     *float64   `json:"zoom,omitempty"`
}

// Animator is the map renderer's camera API. A new command supersedes any
// animation still running; the controller never queues or cancels.
type Animator interface {
	AnimateCamera(m Move, d time.Duration)
	AnimateToRegion(r region.Region, d time.Duration)
}

// State tracks the one-shot initial centering.
type State int

const (
	Uninitialized State = iota
	Initialized
)

func (s State) String() string {
	if s == Initialized {
		return "initialized"
	}
	return "uninitialized"
}

// Controller is safe for concurrent use.
type Controller struct {
	anim Animator
	cfg  config.Config
	log  *slog.Logger

	mu    sync.Mutex
	state State
}

// New returns an Uninitialized controller.
func New(anim Animator, cfg config.Config) *Controller {
	return &Controller{anim: anim, cfg: cfg, log: logger.With("camera")}
}

// State reports whether the initial centering has run.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InitialCenter centers on the user with the preset the first time the map is ready
// and a location is known. It reports whether an animation was issued; it issues at most one per controller.
func (c *Controller) InitialCenter(user *orb.Point, heading float64) bool {
	if user == nil {
		return false
	}
	c.mu.Lock()
	if c.state == Initialized {
		c.mu.Unlock()
		return false
	}
	c.state = Initialized
	c.mu.Unlock()
	c.log.Debug("camera_initial_center", "lat", user.Lat(), "lng", user.Lon(), "heading", heading)
	c.animatePreset("initial", *user, heading)
	return true
}

// CenterOnUser re-runs the preset animation. heading must be a fresh sample.
func (c *Controller) CenterOnUser(user orb.Point, heading float64) {
	c.log.Debug("camera_center_on_user", "lat", user.Lat(), "lng", user.Lon(), "heading", heading)
	c.animatePreset("recenter", user, heading)
}

func (c *Controller) animatePreset(kind string, user orb.Point, heading float64) {
	center := user
	pitch, alt, zoom := c.cfg.CameraPitch, c.cfg.CameraAltitude, c.cfg.CameraZoom
	metrics.CameraAnimationsTotal.WithLabelValues(kind).Inc()
	c.anim.AnimateCamera(Move{Center: &center, Heading: &heading, Pitch: &pitch, Altitude: &alt, Zoom: &zoom}, c.cfg.AnimationDuration)
}

// Rotate turns the camera to a compass heading without moving it.
func (c *Controller) Rotate(heading float64) {
	metrics.CameraAnimationsTotal.WithLabelValues("rotate").Inc()
	c.anim.AnimateCamera(Move{Heading: &heading}, c.cfg.HeadingAnimationDuration)
}

// ExpandCluster zooms to the cluster centroid at its expansion zoom. Clusters that
// never split, or whose span would be degenerate, get the configured maximum zoom.
// The returned region is the animation target.
func (c *Controller) ExpandCluster(idx *spatial.Index, f spatial.Feature, current region.Region) (region.Region, error) {
	if !f.IsCluster {
		return region.Region{}, ErrNotCluster
	}
	maxZoom := c.cfg.MaxZoom
	z, err := idx.ExpansionZoom(f.ClusterID)
	if err != nil {
		return region.Region{}, fmt.Errorf("expand cluster %d: %w", f.ClusterID, err)
	}
	if z > maxZoom || z < 0 {
		z = maxZoom
	}
	target := current.AtZoom(z).CenteredOn(f.Centroid.Lat(), f.Centroid.Lon())
	if degenerate(target) {
		c.log.Debug("camera_expand_degenerate", "cluster", f.ClusterID, "zoom", z)
		target = current.AtZoom(maxZoom).CenteredOn(f.Centroid.Lat(), f.Centroid.Lon())
	}
	c.log.Debug("camera_expand_cluster", "cluster", f.ClusterID, "count", f.PointCount, "zoom", z)
	metrics.CameraAnimationsTotal.WithLabelValues("expand").Inc()
	c.anim.AnimateToRegion(target, c.cfg.AnimationDuration)
	return target, nil
}

func degenerate(r region.Region) bool {
	for _, v := range []float64{r.LatSpan, r.LngSpan} {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
