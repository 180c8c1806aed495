package sources

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmap/internal/property"
)

type fakeSource struct {
	name string
	ents property.Set
	err  error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) QueryByRadius(ctx context.Context, lat, lng, r float64, limit int) (property.Set, error) {
	return f.ents, f.err
}

type fakeUpserter struct {
	mu      sync.Mutex
	batches []property.Set
}

func (f *fakeUpserter) UpsertEntities(ctx context.Context, ents property.Set) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, ents)
	return len(ents), nil
}

func storeAndDirectory() (*fakeSource, *fakeSource) {
	store := &fakeSource{name: "store", ents: property.Set{
		{ID: "1", Lat: 37.3301, Lng: -122.0301},
		{ID: "2", Lat: 37.3299, Lng: -122.0302},
	}}
	dir := &fakeSource{name: "places", ents: property.Set{
		{ID: "places:a", Lat: 37.33011, Lng: -122.03012, Source: "places"},
		{ID: "places:b", Lat: 37.3303, Lng: -122.0296, Source: "places"},
	}}
	return store, dir
}

func TestMergeDedupsAcrossSources(t *testing.T) {
	store, dir := storeAndDirectory()
	m := NewManager(5e-5)
	m.Register(store)
	m.Register(dir)

	got, err := m.QueryByRadius(context.Background(), 37.33, -122.03, 75, 1000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
	assert.Equal(t, "places:b", got[2].ID)
}

func TestAnySourceFailureFailsQuery(t *testing.T) {
	store, dir := storeAndDirectory()
	dir.err = errors.New("quota exceeded")
	m := NewManager(5e-5)
	m.Register(store)
	m.Register(dir)

	_, err := m.QueryByRadius(context.Background(), 37.33, -122.03, 75, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "places")
}

func TestNoSourcesYieldsEmptySet(t *testing.T) {
	got, err := NewManager(0).QueryByRadius(context.Background(), 0, 0, 75, 10)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestPersistNovelBatches(t *testing.T) {
	store := &fakeSource{name: "store"}
	var many property.Set
	for i := 0; i < 23; i++ {
		many = append(many, property.Entity{ID: "p", Lat: 37 + float64(i)*0.001, Lng: -122, Source: "places"})
	}
	dir := &fakeSource{name: "places", ents: many}
	up := &fakeUpserter{}
	m := NewManager(5e-5)
	m.Register(store)
	m.Register(dir)
	m.PersistNovel(up, "store")

	_, err := m.QueryByRadius(context.Background(), 37, -122, 5000, 1000)
	require.NoError(t, err)
	m.Flush()

	up.mu.Lock()
	defer up.mu.Unlock()
	require.Len(t, up.batches, 3)
	assert.Len(t, up.batches[0], 10)
	assert.Len(t, up.batches[2], 3)
}
