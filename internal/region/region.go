// Package region models the visible map extent and its zoom/bbox math.
package region

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// ErrInvalid is returned for regions with non-positive or non-finite spans.
var ErrInvalid = errors.New("invalid region")

// Region is the visible map extent: a center plus latitude/longitude spans in degrees.
type Region struct {
	CenterLat float64 `json:"center_lat"`
	CenterLng float64 `json:"center_lng"`
	LatSpan   float64 `json:"lat_span"`
	LngSpan   float64 `json:"lng_span"`
}

// Validate reports whether spans are strictly positive and the center is on the globe.
func (r Region) Validate() error {
	for _, v := range []float64{r.CenterLat, r.CenterLng, r.LatSpan, r.LngSpan} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalid)
		}
	}
	if r.LatSpan <= 0 || r.LngSpan <= 0 {
		return fmt.Errorf("%w: spans must be positive (lat=%g lng=%g)", ErrInvalid, r.LatSpan, r.LngSpan)
	}
	if r.CenterLat < -90 || r.CenterLat > 90 || r.CenterLng < -180 || r.CenterLng > 180 {
		return fmt.Errorf("%w: center out of range (%g,%g)", ErrInvalid, r.CenterLat, r.CenterLng)
	}
	return nil
}

// Zoom derives the integer zoom level, round(log2(360/lngSpan)).
func (r Region) Zoom() int { return ZoomForSpan(r.LngSpan) }

// ZoomForSpan is the zoom formula on a bare longitude span.
func ZoomForSpan(lngSpan float64) int {
	return int(math.Round(math.Log2(360 / lngSpan)))
}

// SpanForZoom inverts the zoom formula: 360 / 2^zoom.
func SpanForZoom(zoom int) float64 { return 360 / math.Exp2(float64(zoom)) }

func (r Region) Center() orb.Point { return orb.Point{r.CenterLng, r.CenterLat} }

// Bound is the visible extent, center ± half span.
func (r Region) Bound() orb.Bound {
	return r.scaled(0.5)
}

// Expanded grows the visible extent by half a span on every side, giving
// center ± span. Pans just past the edge stay inside the prefetched area.
func (r Region) Expanded() orb.Bound {
	return r.scaled(1)
}

// scaled returns center ± span*k. Latitude is clamped at the poles; longitude wraps,
// so a box crossing the antimeridian comes back with Min.Lon() > Max.Lon().
func (r Region) scaled(k float64) orb.Bound {
	south := clamp(r.CenterLat-r.LatSpan*k, -90, 90)
	north := clamp(r.CenterLat+r.LatSpan*k, -90, 90)
	west, east := -180.0, 180.0
	if 2*r.LngSpan*k < 360 {
		west = wrapLng(r.CenterLng - r.LngSpan*k)
		east = wrapLng(r.CenterLng + r.LngSpan*k)
	}
	return orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}
}

func wrapLng(v float64) float64 {
	if v > 180 {
		return v - 360
	}
	if v < -180 {
		return v + 360
	}
	return v
}

// AtZoom keeps the center and aspect ratio and sets the longitude span for zoom.
func (r Region) AtZoom(zoom int) Region {
	lng := SpanForZoom(zoom)
	lat := lng
	if r.LngSpan > 0 && r.LatSpan > 0 {
		lat = lng * r.LatSpan / r.LngSpan
	}
	return Region{CenterLat: r.CenterLat, CenterLng: r.CenterLng, LatSpan: lat, LngSpan: lng}
}

// CenteredOn returns r moved to lat/lng with unchanged spans.
func (r Region) CenteredOn(lat, lng float64) Region {
	r.CenterLat, r.CenterLng = lat, lng
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
