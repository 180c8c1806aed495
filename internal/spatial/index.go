// Package spatial builds the per-render clustering index over the current entity set.
//
// Points are projected to unit web-mercator space and clustered greedily from the
// maximum zoom down to the minimum, one KD index per zoom level. Cluster ids encode
// the origin point and zoom, so expansion zoom and children lookups need no extra maps.
package spatial

import (
	"errors"
	"math"

	"github.com/paulmach/orb"

	"propmap/internal/geo"
	"propmap/internal/property"
)

// ErrUnknownCluster is returned for ids that do not name a cluster of this index.
var ErrUnknownCluster = errors.New("unknown cluster id")

// Options tune clustering. Radius is in screen pixels at tile Extent.
type Options struct {
	MinZoom   int
	MaxZoom   int
	MinPoints int
	Radius    float64
	Extent    float64
	NodeSize  int
	// DedupEpsilon collapses entities closer than this many degrees, first seen wins.
	DedupEpsilon float64
	// KeepDuplicates disables the coordinate dedup.
	KeepDuplicates bool
}

// DefaultOptions match the map view: radius 60px, zooms 0..16, pairs may cluster.
func DefaultOptions() Options {
	return Options{
		MinZoom:      0,
		MaxZoom:      16,
		MinPoints:    2,
		Radius:       60,
		Extent:       512,
		NodeSize:     64,
		DedupEpsilon: 1e-7,
	}
}

// Feature is the tagged union rendered by the marker layer.
// IsCluster selects between the cluster fields and Entity.
type Feature struct {
	IsCluster  bool            `json:"is_cluster"`
	ClusterID  int             `json:"cluster_id,omitempty"`
	PointCount int             `json:"point_count"`
	Centroid   orb.Point       `json:"centroid"`
	Entity     property.Entity `json:"entity"`
}

type node struct {
	x, y     float64
	lng, lat float64
	zoom     int
	id       int
	parent   int
	count    int
}

type level struct {
	nodes []node
	tree  *kdIndex
}

// Index answers bbox/zoom queries over one immutable entity set.
type Index struct {
	opts     Options
	entities property.Set
	levels   []level
}

const noZoom = math.MaxInt32

// Build indexes entities. An empty set yields an index that answers every query with no features.
func Build(entities property.Set, opts Options) *Index {
	opts = normalize(opts)
	if !opts.KeepDuplicates {
		entities = geo.Dedup(entities, opts.DedupEpsilon, func(e property.Entity) (float64, float64) { return e.Lat, e.Lng })
	}
	idx := &Index{opts: opts, entities: entities, levels: make([]level, opts.MaxZoom+2)}
	if len(entities) == 0 {
		return idx
	}
	pts := make([]node, len(entities))
	for i, e := range entities {
		pts[i] = node{
			x: lngX(e.Lng), y: latY(e.Lat),
			lng: e.Lng, lat: e.Lat,
			zoom: noZoom, id: i, parent: -1, count: 1,
		}
	}
	idx.levels[opts.MaxZoom+1] = newLevel(pts, opts.NodeSize)
	for z := opts.MaxZoom; z >= opts.MinZoom; z-- {
		idx.levels[z] = newLevel(idx.cluster(&idx.levels[z+1], z), opts.NodeSize)
	}
	return idx
}

func normalize(o Options) Options {
	d := DefaultOptions()
	if o.MaxZoom <= 0 {
		o.MaxZoom = d.MaxZoom
	}
	if o.MaxZoom > 30 {
		o.MaxZoom = 30
	}
	if o.MinZoom < 0 {
		o.MinZoom = 0
	}
	if o.MinZoom > o.MaxZoom {
		o.MinZoom = o.MaxZoom
	}
	if o.MinPoints < 2 {
		o.MinPoints = 2
	}
	if o.Radius <= 0 {
		o.Radius = d.Radius
	}
	if o.Extent <= 0 {
		o.Extent = d.Extent
	}
	if o.NodeSize <= 0 {
		o.NodeSize = d.NodeSize
	}
	return o
}

func newLevel(nodes []node, nodeSize int) level {
	return level{nodes: nodes, tree: newKDIndex(nodes, nodeSize)}
}

// cluster merges the nodes of the level above into clusters for zoom.
func (idx *Index) cluster(prev *level, zoom int) []node {
	r := idx.opts.Radius / (idx.opts.Extent * math.Exp2(float64(zoom)))
	n := len(idx.entities)
	var out []node
	for i := range prev.nodes {
		p := &prev.nodes[i]
		if p.zoom <= zoom {
			continue
		}
		p.zoom = zoom
		neighbors := prev.tree.within(p.x, p.y, r)
		count := p.count
		for _, j := range neighbors {
			if prev.nodes[j].zoom > zoom {
				count += prev.nodes[j].count
			}
		}
		if count > p.count && count >= idx.opts.MinPoints {
			w := float64(p.count)
			wx, wy := p.x*w, p.y*w
			slng, slat := p.lng*w, p.lat*w
			id := (i << 5) + (zoom + 1) + n
			for _, j := range neighbors {
				b := &prev.nodes[j]
				if b.zoom <= zoom {
					continue
				}
				b.zoom = zoom
				bw := float64(b.count)
				wx += b.x * bw
				wy += b.y * bw
				slng += b.lng * bw
				slat += b.lat * bw
				b.parent = id
			}
			p.parent = id
			c := float64(count)
			out = append(out, node{
				x: wx / c, y: wy / c,
				lng: slng / c, lat: slat / c,
				zoom: noZoom, id: id, parent: -1, count: count,
			})
			continue
		}
		out = append(out, *p)
		if count > 1 {
			for _, j := range neighbors {
				b := &prev.nodes[j]
				if b.zoom <= zoom {
					continue
				}
				b.zoom = zoom
				out = append(out, *b)
			}
		}
	}
	return out
}

// Len is the number of indexed entities after dedup.
func (idx *Index) Len() int { return len(idx.entities) }

// Entities returns the renderable set the index was built from.
func (idx *Index) Entities() property.Set { return idx.entities }

func (idx *Index) MaxZoom() int { return idx.opts.MaxZoom }

// Query returns the features intersecting bbox at zoom. A bbox whose Min longitude
// exceeds its Max longitude is treated as crossing the antimeridian.
func (idx *Index) Query(bbox orb.Bound, zoom int) []Feature {
	out := []Feature{}
	if len(idx.entities) == 0 {
		return out
	}
	minLng, maxLng := bbox.Min.Lon(), bbox.Max.Lon()
	minLat, maxLat := bbox.Min.Lat(), bbox.Max.Lat()
	if maxLng-minLng >= 360 {
		minLng, maxLng = -180, 180
	} else if minLng > maxLng {
		east := idx.Query(orb.Bound{Min: orb.Point{minLng, minLat}, Max: orb.Point{180, maxLat}}, zoom)
		west := idx.Query(orb.Bound{Min: orb.Point{-180, minLat}, Max: orb.Point{maxLng, maxLat}}, zoom)
		return append(east, west...)
	}
	lvl := &idx.levels[idx.limitZoom(zoom)]
	ids := lvl.tree.rangeQuery(lngX(minLng), latY(maxLat), lngX(maxLng), latY(minLat))
	for _, i := range ids {
		out = append(out, idx.feature(lvl.nodes[i]))
	}
	return out
}

func (idx *Index) limitZoom(z int) int {
	if z < idx.opts.MinZoom {
		return idx.opts.MinZoom
	}
	if z > idx.opts.MaxZoom+1 {
		return idx.opts.MaxZoom + 1
	}
	return z
}

func (idx *Index) feature(n node) Feature {
	c := orb.Point{n.lng, n.lat}
	if n.count > 1 || n.id >= len(idx.entities) {
		return Feature{IsCluster: true, ClusterID: n.id, PointCount: n.count, Centroid: c}
	}
	return Feature{PointCount: 1, Centroid: c, Entity: idx.entities[n.id]}
}

func (idx *Index) origin(clusterID int) (originID, originZoom int) {
	v := clusterID - len(idx.entities)
	return v >> 5, v % 32
}

// Children returns the features one zoom level below the cluster.
func (idx *Index) Children(clusterID int) ([]Feature, error) {
	if clusterID < len(idx.entities) {
		return nil, ErrUnknownCluster
	}
	originID, originZoom := idx.origin(clusterID)
	if originZoom < 1 || originZoom >= len(idx.levels) {
		return nil, ErrUnknownCluster
	}
	lvl := &idx.levels[originZoom]
	if lvl.tree == nil || originID >= len(lvl.nodes) {
		return nil, ErrUnknownCluster
	}
	r := idx.opts.Radius / (idx.opts.Extent * math.Exp2(float64(originZoom-1)))
	o := lvl.nodes[originID]
	var out []Feature
	for _, i := range lvl.tree.within(o.x, o.y, r) {
		if lvl.nodes[i].parent == clusterID {
			out = append(out, idx.feature(lvl.nodes[i]))
		}
	}
	if len(out) == 0 {
		return nil, ErrUnknownCluster
	}
	return out, nil
}

// ExpansionZoom is the smallest zoom at which the cluster splits, capped at MaxZoom.
// Clusters that never split, such as stacked duplicates, report MaxZoom.
func (idx *Index) ExpansionZoom(clusterID int) (int, error) {
	if _, err := idx.Children(clusterID); err != nil {
		return 0, err
	}
	_, oz := idx.origin(clusterID)
	z := oz - 1
	for z <= idx.opts.MaxZoom {
		children, err := idx.Children(clusterID)
		if err != nil {
			return 0, err
		}
		z++
		if len(children) != 1 || !children[0].IsCluster {
			break
		}
		clusterID = children[0].ClusterID
	}
	if z > idx.opts.MaxZoom {
		z = idx.opts.MaxZoom
	}
	return z, nil
}

func lngX(lng float64) float64 { return lng/360 + 0.5 }

func latY(lat float64) float64 {
	s := math.Sin(lat * math.Pi / 180)
	y := 0.5 - 0.25*math.Log((1+s)/(1-s))/math.Pi
	if y < 0 {
		return 0
	}
	if y > 1 {
		return 1
	}
	return y
}
