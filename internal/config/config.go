// Package config holds the engine configuration with documented defaults.
// Values are read from the environment; .env files are loaded by the commands.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"propmap/internal/region"
	"propmap/internal/spatial"
)

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("invalid config")

// ShippedMinPoints is higher than any realistic dataset, so the shipped
// configuration renders singletons while the index keeps clustering support.
const ShippedMinPoints = 1_000_000

// Config enumerates every engine option.
type Config struct {
	// ClusteringEnabled turns clustering on. When false every feature is a singleton.
	ClusteringEnabled bool
	// ClusterRadiusPx is the clustering radius in pixels at ClusterExtent. Default 60.
	ClusterRadiusPx float64
	// ClusterMinPoints is the smallest group that forms a cluster. Default ShippedMinPoints.
	ClusterMinPoints int
	// ClusterExtent is the tile extent the radius is measured against. Default 512.
	ClusterExtent float64
	// ClusterNodeSize is the KD index leaf size. Default 64.
	ClusterNodeSize int
	// MinZoom and MaxZoom bound clustering and cluster expansion. Defaults 0 and 16.
	MinZoom int
	MaxZoom int
	// DedupEpsilon in degrees; identical positions collapse in the renderable set. Default 1e-7.
	DedupEpsilon float64

	// ProximityRadiusMeters is the fixed proximity query radius. Default 75.
	ProximityRadiusMeters float64
	// ProximityDedupEpsilon in degrees merges store and directory hits. Default 5e-5 (~5 m).
	ProximityDedupEpsilon float64
	// MaxViewportResults caps a viewport query. Default 2000.
	MaxViewportResults int
	// MaxProximityResults caps each proximity source. Default 1000.
	MaxProximityResults int
	// MinFetchZoom skips viewport queries below this zoom. 0 disables. Default 12.
	MinFetchZoom int
	// QueryTimeout abandons a hung query; it then counts as failed. 0 waits forever. Default 10s.
	QueryTimeout time.Duration
	// PersistDirectoryHits upserts novel directory places into the store. Default true.
	PersistDirectoryHits bool

	// AutoOrientEnabled subscribes to the compass on start. Default true.
	AutoOrientEnabled bool
	// OrientationLocked starts with the external lock engaged. Default false.
	OrientationLocked bool

	// AnimationDuration bounds camera moves. Default 500ms.
	AnimationDuration time.Duration
	// HeadingAnimationDuration bounds compass-driven rotations. Default 200ms.
	HeadingAnimationDuration time.Duration
	// CameraPitch, CameraAltitude and CameraZoom are the user-centering preset.
	CameraPitch    float64
	CameraAltitude float64
	CameraZoom     float64

	// LocationInterval and LocationDistanceMeters configure the GPS watch.
	LocationInterval       time.Duration
	LocationDistanceMeters float64

	// DefaultCenterLat/Lng and DefaultSpan seed a session with no GPS fix or GeoIP hit.
	DefaultCenterLat float64
	DefaultCenterLng float64
	DefaultSpan      float64
}

// Default returns the shipped configuration.
func Default() Config {
	return Config{
		ClusteringEnabled:        true,
		ClusterRadiusPx:          60,
		ClusterMinPoints:         ShippedMinPoints,
		ClusterExtent:            512,
		ClusterNodeSize:          64,
		MinZoom:                  0,
		MaxZoom:                  16,
		DedupEpsilon:             1e-7,
		ProximityRadiusMeters:    75,
		ProximityDedupEpsilon:    5e-5,
		MaxViewportResults:       2000,
		MaxProximityResults:      1000,
		MinFetchZoom:             12,
		QueryTimeout:             10 * time.Second,
		PersistDirectoryHits:     true,
		AutoOrientEnabled:        true,
		OrientationLocked:        false,
		AnimationDuration:        500 * time.Millisecond,
		HeadingAnimationDuration: 200 * time.Millisecond,
		CameraPitch:              45,
		CameraAltitude:           1000,
		CameraZoom:               18,
		LocationInterval:         time.Second,
		LocationDistanceMeters:   10,
		DefaultCenterLat:         37.3135,
		DefaultCenterLng:         -122.0312,
		DefaultSpan:              0.01,
	}
}

// FromEnv starts from Default and applies MAP_* overrides. Unparseable values keep the default.
func FromEnv() Config {
	c := Default()
	c.ClusteringEnabled = envBool("MAP_CLUSTERING_ENABLED", c.ClusteringEnabled)
	c.ClusterRadiusPx = envFloat("MAP_CLUSTER_RADIUS_PX", c.ClusterRadiusPx)
	c.ClusterMinPoints = envInt("MAP_CLUSTER_MIN_POINTS", c.ClusterMinPoints)
	c.ClusterExtent = envFloat("MAP_CLUSTER_EXTENT", c.ClusterExtent)
	c.ClusterNodeSize = envInt("MAP_CLUSTER_NODE_SIZE", c.ClusterNodeSize)
	c.MinZoom = envInt("MAP_MIN_ZOOM", c.MinZoom)
	c.MaxZoom = envInt("MAP_MAX_ZOOM", c.MaxZoom)
	c.DedupEpsilon = envFloat("MAP_DEDUP_EPSILON", c.DedupEpsilon)
	c.ProximityRadiusMeters = envFloat("MAP_PROXIMITY_RADIUS_METERS", c.ProximityRadiusMeters)
	c.ProximityDedupEpsilon = envFloat("MAP_PROXIMITY_DEDUP_EPSILON", c.ProximityDedupEpsilon)
	c.MaxViewportResults = envInt("MAP_MAX_VIEWPORT_RESULTS", c.MaxViewportResults)
	c.MaxProximityResults = envInt("MAP_MAX_PROXIMITY_RESULTS", c.MaxProximityResults)
	c.MinFetchZoom = envInt("MAP_MIN_FETCH_ZOOM", c.MinFetchZoom)
	c.QueryTimeout = envDuration("MAP_QUERY_TIMEOUT", c.QueryTimeout)
	c.PersistDirectoryHits = envBool("MAP_PERSIST_DIRECTORY_HITS", c.PersistDirectoryHits)
	c.AutoOrientEnabled = envBool("MAP_AUTO_ORIENT_ENABLED", c.AutoOrientEnabled)
	c.OrientationLocked = envBool("MAP_ORIENTATION_LOCKED", c.OrientationLocked)
	c.AnimationDuration = envDuration("MAP_ANIMATION_DURATION", c.AnimationDuration)
	c.HeadingAnimationDuration = envDuration("MAP_HEADING_ANIMATION_DURATION", c.HeadingAnimationDuration)
	c.CameraPitch = envFloat("MAP_CAMERA_PITCH", c.CameraPitch)
	c.CameraAltitude = envFloat("MAP_CAMERA_ALTITUDE", c.CameraAltitude)
	c.CameraZoom = envFloat("MAP_CAMERA_ZOOM", c.CameraZoom)
	c.LocationInterval = envDuration("MAP_LOCATION_INTERVAL", c.LocationInterval)
	c.LocationDistanceMeters = envFloat("MAP_LOCATION_DISTANCE_METERS", c.LocationDistanceMeters)
	c.DefaultCenterLat = envFloat("MAP_DEFAULT_CENTER_LAT", c.DefaultCenterLat)
	c.DefaultCenterLng = envFloat("MAP_DEFAULT_CENTER_LNG", c.DefaultCenterLng)
	c.DefaultSpan = envFloat("MAP_DEFAULT_SPAN", c.DefaultSpan)
	return c
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	switch {
	case c.MinZoom < 0 || c.MaxZoom > 30 || c.MinZoom > c.MaxZoom:
		return fmt.Errorf("%w: zoom range %d..%d", ErrInvalid, c.MinZoom, c.MaxZoom)
	case c.ClusterRadiusPx <= 0:
		return fmt.Errorf("%w: cluster radius must be positive", ErrInvalid)
	case c.ClusterMinPoints < 2:
		return fmt.Errorf("%w: cluster min points must be at least 2", ErrInvalid)
	case c.ClusterExtent <= 0 || c.ClusterNodeSize <= 0:
		return fmt.Errorf("%w: cluster extent and node size must be positive", ErrInvalid)
	case c.DedupEpsilon < 0 || c.ProximityDedupEpsilon < 0:
		return fmt.Errorf("%w: dedup epsilon must not be negative", ErrInvalid)
	case c.ProximityRadiusMeters <= 0:
		return fmt.Errorf("%w: proximity radius must be positive", ErrInvalid)
	case c.MaxViewportResults <= 0 || c.MaxProximityResults <= 0:
		return fmt.Errorf("%w: result caps must be positive", ErrInvalid)
	case c.QueryTimeout < 0:
		return fmt.Errorf("%w: query timeout must not be negative", ErrInvalid)
	case c.AnimationDuration <= 0 || c.HeadingAnimationDuration <= 0:
		return fmt.Errorf("%w: animation durations must be positive", ErrInvalid)
	case c.DefaultSpan <= 0:
		return fmt.Errorf("%w: default span must be positive", ErrInvalid)
	}
	return nil
}

// SpatialOptions maps the clustering fields to index options.
func (c Config) SpatialOptions() spatial.Options {
	o := spatial.Options{
		MinZoom:      c.MinZoom,
		MaxZoom:      c.MaxZoom,
		MinPoints:    c.ClusterMinPoints,
		Radius:       c.ClusterRadiusPx,
		Extent:       c.ClusterExtent,
		NodeSize:     c.ClusterNodeSize,
		DedupEpsilon: c.DedupEpsilon,
	}
	if !c.ClusteringEnabled {
		o.MinPoints = math.MaxInt
	}
	return o
}

// DefaultRegion is the square region around the default center.
func (c Config) DefaultRegion() region.Region {
	return region.Region{CenterLat: c.DefaultCenterLat, CenterLng: c.DefaultCenterLng, LatSpan: c.DefaultSpan, LngSpan: c.DefaultSpan}
}

func envBool(key string, def bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}

// envDuration accepts Go durations ("750ms") or bare milliseconds ("750").
func envDuration(key string, def time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return def
}
