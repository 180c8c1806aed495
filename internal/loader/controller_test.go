package loader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmap/internal/config"
	"propmap/internal/property"
	"propmap/internal/region"
	"propmap/internal/sources"
)

var home = region.Region{CenterLat: 37.33, CenterLng: -122.03, LatSpan: 0.0015, LngSpan: 0.0015}

// fakeStore filters a fixed entity list by bbox. Calls may be gated.
type fakeStore struct {
	mu       sync.Mutex
	all      property.Set
	calls    int
	gates    []chan struct{}
	results  []property.Set
	err      error
	blockCtx bool
}

func (f *fakeStore) QueryByBoundingBox(ctx context.Context, north, south, east, west float64, limit int) (property.Set, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	var gate chan struct{}
	if i < len(f.gates) {
		gate = f.gates[i]
	}
	var canned property.Set
	if i < len(f.results) {
		canned = f.results[i]
	}
	err, block := f.err, f.blockCtx
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if canned != nil {
		return canned, nil
	}
	var out property.Set
	for _, e := range f.all {
		lngIn := e.Lng <= east && e.Lng >= west
		if east < west {
			lngIn = e.Lng >= west || e.Lng <= east
		}
		if e.Lat <= north && e.Lat >= south && lngIn {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) QueryByRadius(ctx context.Context, lat, lng, r float64, limit int) (property.Set, error) {
	return f.QueryByBoundingBox(ctx, 90, -90, 180, -180, limit)
}

func (f *fakeStore) Name() string { return "store" }

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func ids(s property.Set) []string {
	var out []string
	for _, e := range s {
		out = append(out, e.ID)
	}
	return out
}

func set(prefix string, n int) property.Set {
	var out property.Set
	for i := 0; i < n; i++ {
		out = append(out, property.Entity{ID: fmt.Sprintf("%s%d", prefix, i), Lat: 37.33 + float64(i)*1e-4, Lng: -122.03})
	}
	return out
}

func TestViewportScenario(t *testing.T) {
	st := &fakeStore{all: property.Set{
		{ID: "in1", Lat: 37.3300, Lng: -122.0300},
		{ID: "in2", Lat: 37.3310, Lng: -122.0310},
		{ID: "in3", Lat: 37.3290, Lng: -122.0290},
		{ID: "out1", Lat: 37.3320, Lng: -122.0300},
		{ID: "out2", Lat: 37.3300, Lng: -122.0320},
	}}
	c := New(config.Default(), st, nil)
	res := c.Load(context.Background(), home, nil, Viewport)
	require.NoError(t, res.Err)
	assert.True(t, res.Applied)
	assert.ElementsMatch(t, []string{"in1", "in2", "in3"}, ids(res.Entities))
	assert.ElementsMatch(t, []string{"in1", "in2", "in3"}, ids(c.Entities()))
}

func TestViewportAcrossAntimeridian(t *testing.T) {
	st := &fakeStore{all: property.Set{
		{ID: "east", Lat: 0, Lng: 179.9995},
		{ID: "west", Lat: 0, Lng: -179.9995},
		{ID: "far", Lat: 0, Lng: -179.99},
	}}
	c := New(config.Default(), st, nil)
	view := region.Region{CenterLat: 0, CenterLng: 179.9995, LatSpan: 0.0015, LngSpan: 0.0015}
	res := c.Load(context.Background(), view, nil, Viewport)
	require.NoError(t, res.Err)
	assert.ElementsMatch(t, []string{"east", "west"}, ids(res.Entities))
}

func TestProximityScenario(t *testing.T) {
	store := &fakeStore{all: property.Set{
		{ID: "1", Lat: 37.3301, Lng: -122.0301},
		{ID: "2", Lat: 37.3298, Lng: -122.0302},
	}}
	dir := &fakeDirectory{ents: property.Set{
		{ID: "places:dup", Lat: 37.33012, Lng: -122.03011, Source: "places"},
		{ID: "places:new", Lat: 37.3304, Lng: -122.0297, Source: "places"},
	}}
	m := sources.NewManager(config.Default().ProximityDedupEpsilon)
	m.Register(store)
	m.Register(dir)
	c := New(config.Default(), store, m)

	user := orb.Point{-122.03, 37.33}
	res := c.Load(context.Background(), home, &user, Proximity)
	require.NoError(t, res.Err)
	assert.True(t, res.Applied)
	assert.Equal(t, Proximity, res.Mode)
	assert.ElementsMatch(t, []string{"1", "2", "places:new"}, ids(res.Entities))
	assert.Equal(t, 75.0, dir.lastRadius)
}

type fakeDirectory struct {
	ents       property.Set
	err        error
	lastRadius float64
}

func (f *fakeDirectory) Name() string { return "places" }
func (f *fakeDirectory) QueryByRadius(ctx context.Context, lat, lng, r float64, limit int) (property.Set, error) {
	f.lastRadius = r
	return f.ents, f.err
}

func TestResultsApplyInTriggerOrder(t *testing.T) {
	first, second := make(chan struct{}), make(chan struct{})
	st := &fakeStore{
		gates:   []chan struct{}{first, second},
		results: []property.Set{set("old", 2), set("new", 3)},
	}
	c := New(config.Default(), st, nil)

	var wg sync.WaitGroup
	var resA, resB Result
	wg.Add(1)
	go func() { defer wg.Done(); resA = c.Load(context.Background(), home, nil, Viewport) }()
	require.Eventually(t, func() bool { return st.callCount() == 1 }, time.Second, time.Millisecond)

	wg.Add(1)
	go func() { defer wg.Done(); resB = c.Load(context.Background(), home.CenteredOn(37.331, -122.031), nil, Viewport) }()
	require.Eventually(t, func() bool { return st.callCount() == 2 }, time.Second, time.Millisecond)

	// the newer query completes first, the older one last
	close(second)
	require.Eventually(t, func() bool { return len(c.Entities()) == 3 }, time.Second, time.Millisecond)
	close(first)
	wg.Wait()

	assert.True(t, resB.Applied)
	assert.False(t, resA.Applied)
	assert.Less(t, resA.Tag, resB.Tag)
	assert.Equal(t, []string{"new0", "new1", "new2"}, ids(c.Entities()))
}

func TestModeSwitchClearsSynchronously(t *testing.T) {
	gate := make(chan struct{})
	st := &fakeStore{results: []property.Set{set("vp", 4)}}
	c := New(config.Default(), st, nil)
	require.True(t, c.Load(context.Background(), home, nil, Viewport).Applied)
	require.Len(t, c.Entities(), 4)

	dir := &gatedRadius{gate: gate, ents: set("px", 2)}
	c.radius = dir
	user := orb.Point{-122.03, 37.33}
	done := make(chan Result)
	go func() { done <- c.Load(context.Background(), home, &user, Proximity) }()
	require.Eventually(t, func() bool { return c.Mode() == Proximity }, time.Second, time.Millisecond)

	// transitional set of the new mode is empty before its first query resolves
	assert.Empty(t, c.Entities())
	close(gate)
	res := <-done
	assert.True(t, res.Applied)
	assert.Equal(t, []string{"px0", "px1"}, ids(c.Entities()))

	assert.True(t, c.SetMode(Viewport))
	assert.Empty(t, c.Entities())
	assert.False(t, c.SetMode(Viewport))
}

type gatedRadius struct {
	gate chan struct{}
	ents property.Set
}

func (g *gatedRadius) QueryByRadius(ctx context.Context, lat, lng, r float64, limit int) (property.Set, error) {
	<-g.gate
	return g.ents, nil
}

func TestInFlightResultDroppedAfterModeSwitch(t *testing.T) {
	gate := make(chan struct{})
	st := &fakeStore{gates: []chan struct{}{gate}, results: []property.Set{set("vp", 3)}}
	c := New(config.Default(), st, nil)
	done := make(chan Result)
	go func() { done <- c.Load(context.Background(), home, nil, Viewport) }()
	require.Eventually(t, func() bool { return st.callCount() == 1 }, time.Second, time.Millisecond)

	c.SetMode(Proximity)
	close(gate)
	res := <-done
	assert.False(t, res.Applied)
	assert.Equal(t, Proximity, c.Mode())
	assert.Empty(t, c.Entities())
}

func TestFailureKeepsPreviousResult(t *testing.T) {
	st := &fakeStore{results: []property.Set{set("good", 2)}}
	c := New(config.Default(), st, nil)
	require.True(t, c.Load(context.Background(), home, nil, Viewport).Applied)

	st.mu.Lock()
	st.err = errors.New("connection reset")
	st.mu.Unlock()
	res := c.Load(context.Background(), home, nil, Viewport)
	assert.Error(t, res.Err)
	assert.False(t, res.Applied)
	assert.Equal(t, []string{"good0", "good1"}, ids(res.Entities))
	assert.Equal(t, []string{"good0", "good1"}, ids(c.Entities()))
}

func TestProximityFailureKeepsPreviousResult(t *testing.T) {
	store := &fakeStore{all: set("s", 2)}
	dir := &fakeDirectory{ents: set("d", 1)}
	m := sources.NewManager(0)
	m.Register(store)
	m.Register(dir)
	c := New(config.Default(), store, m)
	user := orb.Point{-122.03, 37.33}
	require.True(t, c.Load(context.Background(), home, &user, Proximity).Applied)
	before := ids(c.Entities())

	dir.err = errors.New("timeout")
	res := c.Load(context.Background(), home, &user, Proximity)
	assert.False(t, res.Applied)
	assert.Equal(t, before, ids(c.Entities()))
}

func TestQueryTimeoutCountsAsFailure(t *testing.T) {
	cfg := config.Default()
	cfg.QueryTimeout = 20 * time.Millisecond
	st := &fakeStore{blockCtx: true}
	c := New(cfg, st, nil)
	res := c.Load(context.Background(), home, nil, Viewport)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
	assert.False(t, res.Applied)
}

func TestViewportTruncatesAtCap(t *testing.T) {
	cfg := config.Default()
	cfg.MaxViewportResults = 5
	st := &fakeStore{results: []property.Set{set("p", 8)}}
	c := New(cfg, st, nil)
	res := c.Load(context.Background(), home, nil, Viewport)
	assert.Len(t, res.Entities, 5)
	assert.Equal(t, "p0", res.Entities[0].ID)
}

func TestZoomedOutSkipsQuery(t *testing.T) {
	st := &fakeStore{results: []property.Set{set("p", 3)}}
	c := New(config.Default(), st, nil)
	wide := region.Region{CenterLat: 37.33, CenterLng: -122.03, LatSpan: 1, LngSpan: 1}
	res := c.Load(context.Background(), wide, nil, Viewport)
	assert.True(t, res.Applied)
	assert.Empty(t, res.Entities)
	assert.Equal(t, 0, st.callCount())
}

func TestProximityWithoutLocationFallsBackToViewport(t *testing.T) {
	st := &fakeStore{results: []property.Set{set("vp", 2)}}
	dir := &fakeDirectory{ents: set("d", 1)}
	c := New(config.Default(), st, dir)
	res := c.Load(context.Background(), home, nil, Proximity)
	assert.True(t, res.Applied)
	assert.Equal(t, Proximity, res.Mode)
	assert.Equal(t, 1, st.callCount())
	assert.Zero(t, dir.lastRadius)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Proximity ")
	require.NoError(t, err)
	assert.Equal(t, Proximity, m)
	_, err = ParseMode("satellite")
	assert.Error(t, err)
	assert.Equal(t, "viewport", Viewport.String())
}

func TestPreparedTriggersApplyInPrepareOrder(t *testing.T) {
	st := &fakeStore{results: []property.Set{set("new", 2), set("old", 4)}}
	c := New(config.Default(), st, nil)
	older := c.Prepare(home, nil, Viewport)
	newer := c.Prepare(home, nil, Viewport)
	assert.Less(t, older.Tag(), newer.Tag())

	// the newer trigger runs first and makes the first store call
	resNew := newer.Run(context.Background())
	resOld := older.Run(context.Background())
	assert.True(t, resNew.Applied)
	assert.False(t, resOld.Applied)
	assert.Equal(t, []string{"new0", "new1"}, ids(c.Entities()))
}

func TestPrepareCopiesUserLocation(t *testing.T) {
	st := &fakeStore{all: set("p", 1)}
	c := New(config.Default(), st, st)
	user := orb.Point{-122.03, 37.33}
	tr := c.Prepare(home, &user, Proximity)
	user[1] = 0
	require.NotNil(t, tr.user)
	assert.Equal(t, 37.33, tr.user.Lat())
	assert.Zero(t, user.Lat())
	assert.Equal(t, Proximity, c.Mode())
}
