// Package render turns spatial index output into drawable frames: markers,
// cluster badges and the proximity radius overlay.
package render

import (
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"propmap/internal/geo"
	"propmap/internal/region"
	"propmap/internal/spatial"
)

const overlaySegments = 64

// Overlay is the proximity radius circle around the user.
type Overlay struct {
	Center       orb.Point `json:"center"`
	RadiusMeters float64   `json:"radius_meters"`
}

// Frame is everything one redraw needs.
type Frame struct {
	Seq      uint64            `json:"seq"`
	Mode     string            `json:"mode"`
	Region   region.Region     `json:"region"`
	Zoom     int               `json:"zoom"`
	Features []spatial.Feature `json:"features"`
	Overlay  *Overlay          `json:"overlay,omitempty"`
	User     *orb.Point        `json:"user,omitempty"`
}

// Renderer draws frames. Draw is called from the engine loop and must not block.
type Renderer interface {
	Draw(f Frame)
}

// Build queries idx over the prefetched extent of r. overlayRadius > 0 with a
// known user adds the proximity circle.
func Build(idx *spatial.Index, r region.Region, mode string, user *orb.Point, overlayRadius float64) Frame {
	f := Frame{Mode: mode, Region: r, Zoom: r.Zoom(), Features: []spatial.Feature{}}
	if idx != nil && r.Validate() == nil {
		f.Features = idx.Query(r.Expanded(), f.Zoom)
	}
	if user != nil {
		u := *user
		f.User = &u
		if overlayRadius > 0 {
			f.Overlay = &Overlay{Center: u, RadiusMeters: overlayRadius}
		}
	}
	return f
}

// Style is the marker appearance.
type Style struct {
	Color string `json:"color"`
	Label string `json:"label,omitempty"`
}

// MarkerStyle colors clusters by size and singletons by rating state.
func MarkerStyle(f spatial.Feature) Style {
	if !f.IsCluster {
		if f.Entity.IsRated {
			return Style{Color: "#10B981"}
		}
		return Style{Color: "#6B7280"}
	}
	label := strconv.Itoa(f.PointCount)
	if f.PointCount > 99 {
		label = "99+"
	}
	switch {
	case f.PointCount >= 100:
		return Style{Color: "#EF4444", Label: label}
	case f.PointCount >= 50:
		return Style{Color: "#F59E0B", Label: label}
	case f.PointCount >= 10:
		return Style{Color: "#3B82F6", Label: label}
	}
	return Style{Color: "#6366F1", Label: label}
}

// Circle approximates the overlay as a closed geodesic ring.
func (o Overlay) Circle() orb.Polygon {
	ring := make(orb.Ring, 0, overlaySegments+1)
	for i := 0; i < overlaySegments; i++ {
		lat, lng := geo.Destination(o.Center.Lat(), o.Center.Lon(), float64(i)*360/overlaySegments, o.RadiusMeters)
		ring = append(ring, orb.Point{lng, lat})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// GeoJSON encodes the frame: one Point feature per marker plus the overlay polygon.
func (f Frame) GeoJSON() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, ft := range f.Features {
		g := geojson.NewFeature(ft.Centroid)
		st := MarkerStyle(ft)
		g.Properties["cluster"] = ft.IsCluster
		g.Properties["point_count"] = ft.PointCount
		g.Properties["color"] = st.Color
		if ft.IsCluster {
			g.ID = ft.ClusterID
			g.Properties["cluster_id"] = ft.ClusterID
			g.Properties["label"] = st.Label
		} else {
			g.ID = ft.Entity.ID
			g.Properties["id"] = ft.Entity.ID
			g.Properties["name"] = ft.Entity.Name
			g.Properties["address"] = ft.Entity.Address
			g.Properties["is_rated"] = ft.Entity.IsRated
			if ft.Entity.Source != "" {
				g.Properties["source"] = ft.Entity.Source
			}
		}
		fc.Append(g)
	}
	if f.Overlay != nil {
		g := geojson.NewFeature(f.Overlay.Circle())
		g.Properties["overlay"] = "proximity"
		g.Properties["radius_meters"] = f.Overlay.RadiusMeters
		fc.Append(g)
	}
	return fc
}

// Latest is a Renderer that keeps the most recent frame for pull-based clients.
type Latest struct {
	mu    sync.RWMutex
	frame Frame
	seq   uint64
}

// Draw stores f, stamping a sequence number.
func (l *Latest) Draw(f Frame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	f.Seq = l.seq
	l.frame = f
}

// Frame returns the last drawn frame.
func (l *Latest) Frame() Frame {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frame
}
