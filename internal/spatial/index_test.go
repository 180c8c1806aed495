package spatial

import (
	"fmt"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmap/internal/property"
	"propmap/internal/region"
)

var world = orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}

func entity(id string, lat, lng float64) property.Entity {
	return property.Entity{ID: id, Name: id, Lat: lat, Lng: lng}
}

func grid(n int) property.Set {
	out := make(property.Set, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, entity(fmt.Sprintf("p%d", i), 37.30+float64(i%10)*0.003, -122.05+float64(i/10)*0.003))
	}
	return out
}

func noClustering() Options {
	o := DefaultOptions()
	o.MinPoints = math.MaxInt
	return o
}

func TestEmptyIndex(t *testing.T) {
	idx := Build(nil, DefaultOptions())
	for _, z := range []int{-3, 0, 8, 16, 40} {
		got := idx.Query(world, z)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
	_, err := idx.ExpansionZoom(0)
	assert.ErrorIs(t, err, ErrUnknownCluster)
}

func TestSingletonsWhenClusteringOff(t *testing.T) {
	set := grid(57)
	idx := Build(set, noClustering())
	for z := 0; z <= 18; z++ {
		got := idx.Query(world, z)
		require.Len(t, got, len(set), "zoom %d", z)
		seen := map[string]bool{}
		for _, f := range got {
			assert.False(t, f.IsCluster)
			assert.Equal(t, 1, f.PointCount)
			seen[f.Entity.ID] = true
		}
		assert.Len(t, seen, len(set))
	}
}

func TestPointCountSumsToN(t *testing.T) {
	set := grid(57)
	idx := Build(set, DefaultOptions())
	clustered := false
	for z := 0; z <= 17; z++ {
		total := 0
		for _, f := range idx.Query(world, z) {
			total += f.PointCount
			if f.IsCluster {
				clustered = true
				assert.GreaterOrEqual(t, f.PointCount, 2)
			}
		}
		assert.Equal(t, len(set), total, "zoom %d", z)
	}
	assert.True(t, clustered)
}

func TestDuplicateClusterExpandsToMaxZoom(t *testing.T) {
	o := DefaultOptions()
	o.KeepDuplicates = true
	idx := Build(property.Set{entity("a", 37.33, -122.03), entity("b", 37.33, -122.03)}, o)
	fs := idx.Query(world, 10)
	require.Len(t, fs, 1)
	require.True(t, fs[0].IsCluster)
	assert.Equal(t, 2, fs[0].PointCount)
	z, err := idx.ExpansionZoom(fs[0].ClusterID)
	require.NoError(t, err)
	assert.Equal(t, o.MaxZoom, z)
}

func TestDedupFirstSeenWins(t *testing.T) {
	idx := Build(property.Set{entity("a", 37.33, -122.03), entity("b", 37.33, -122.03), entity("c", 37.34, -122.03)}, noClustering())
	assert.Equal(t, 2, idx.Len())
	ids := map[string]bool{}
	for _, f := range idx.Query(world, 16) {
		ids[f.Entity.ID] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "c": true}, ids)
}

func TestClusterCentroidIsMean(t *testing.T) {
	idx := Build(property.Set{entity("a", 37.330, -122.030), entity("b", 37.332, -122.034)}, DefaultOptions())
	fs := idx.Query(world, 5)
	require.Len(t, fs, 1)
	assert.True(t, fs[0].IsCluster)
	assert.InDelta(t, 37.331, fs[0].Centroid.Lat(), 1e-9)
	assert.InDelta(t, -122.032, fs[0].Centroid.Lon(), 1e-9)
}

func TestExpansionZoomSplitsPair(t *testing.T) {
	idx := Build(property.Set{entity("a", 37.33, -122.03), entity("b", 37.33, -122.02)}, DefaultOptions())
	fs := idx.Query(world, 12)
	require.Len(t, fs, 1)
	require.True(t, fs[0].IsCluster)
	assert.Len(t, idx.Query(world, 13), 2)

	z, err := idx.ExpansionZoom(fs[0].ClusterID)
	require.NoError(t, err)
	assert.Equal(t, 13, z)

	// the same cluster id survives to lower zooms
	low := idx.Query(world, 3)
	require.Len(t, low, 1)
	assert.Equal(t, fs[0].ClusterID, low[0].ClusterID)

	children, err := idx.Children(fs[0].ClusterID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.False(t, children[0].IsCluster)
	assert.False(t, children[1].IsCluster)
}

func TestUnknownCluster(t *testing.T) {
	idx := Build(grid(5), DefaultOptions())
	_, err := idx.ExpansionZoom(2)
	assert.ErrorIs(t, err, ErrUnknownCluster)
	_, err = idx.Children(1 << 20)
	assert.ErrorIs(t, err, ErrUnknownCluster)
}

func TestQueryBBox(t *testing.T) {
	set := property.Set{
		entity("in1", 37.3301, -122.0301),
		entity("in2", 37.3299, -122.0299),
		entity("out", 37.40, -122.03),
	}
	idx := Build(set, noClustering())
	b := orb.Bound{Min: orb.Point{-122.031, 37.329}, Max: orb.Point{-122.029, 37.331}}
	got := idx.Query(b, 16)
	require.Len(t, got, 2)
	for _, f := range got {
		assert.NotEqual(t, "out", f.Entity.ID)
	}
}

func TestQueryAntimeridian(t *testing.T) {
	idx := Build(property.Set{entity("e", 0, 179.5), entity("w", 0, -179.5), entity("mid", 0, 0)}, noClustering())
	b := orb.Bound{Min: orb.Point{179, -1}, Max: orb.Point{-179, 1}}
	got := idx.Query(b, 10)
	require.Len(t, got, 2)
}

func TestQueryExpandedRegionAtAntimeridian(t *testing.T) {
	idx := Build(property.Set{entity("e", 0, 179.9995), entity("w", 0, -179.9995), entity("far", 0, 179.99)}, noClustering())
	view := region.Region{CenterLat: 0, CenterLng: 179.9995, LatSpan: 0.0015, LngSpan: 0.0015}
	got := idx.Query(view.Expanded(), 16)
	require.Len(t, got, 2)
	var gotIDs []string
	for _, f := range got {
		gotIDs = append(gotIDs, f.Entity.ID)
	}
	assert.ElementsMatch(t, []string{"e", "w"}, gotIDs)
}

func TestKDIndexMatchesBruteForce(t *testing.T) {
	set := grid(300)
	nodes := make([]node, len(set))
	for i, e := range set {
		nodes[i] = node{x: lngX(e.Lng), y: latY(e.Lat)}
	}
	kd := newKDIndex(nodes, 4)
	qx, qy, r := lngX(-122.0), latY(37.31), 2e-5
	want := 0
	for _, n := range nodes {
		if sqDist(n.x, n.y, qx, qy) <= r*r {
			want++
		}
	}
	assert.Len(t, kd.within(qx, qy, r), want)
	assert.Len(t, kd.rangeQuery(0, 0, 1, 1), len(nodes))
}
