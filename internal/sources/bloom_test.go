package sources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propmap/internal/property"
)

func TestBloomPositionsStable(t *testing.T) {
	a := bloomPositions([]byte("places:abc"), bloomBits, bloomK)
	b := bloomPositions([]byte("places:abc"), bloomBits, bloomK)
	require.Len(t, a, bloomK)
	assert.Equal(t, a, b)
	for _, p := range a {
		assert.GreaterOrEqual(t, p, int64(0))
		assert.Less(t, p, int64(bloomBits))
	}
	assert.NotEqual(t, a, bloomPositions([]byte("places:abd"), bloomBits, bloomK))
}

func TestBloomUpserterWithoutRedisPassesThrough(t *testing.T) {
	next := &fakeUpserter{}
	u := NewBloomUpserter(next, nil, 0)
	n, err := u.UpsertEntities(context.Background(), property.Set{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = u.UpsertEntities(context.Background(), property.Set{{ID: "a"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, next.batches, 2)
}

func TestBloomUpserterEmptyBatch(t *testing.T) {
	next := &fakeUpserter{}
	n, err := NewBloomUpserter(next, nil, 0).UpsertEntities(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, next.batches)
}
