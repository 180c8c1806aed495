package sources

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"

	"propmap/internal/logger"
	"propmap/internal/property"
)

const (
	bloomKey  = "propmap:persisted"
	bloomBits = 1 << 20
	bloomK    = 4
)

// bloomPositions derives k bit offsets in [0, m) from data using FNV-64a salted by the index.
func bloomPositions(data []byte, m uint32, k int) []int64 {
	pos := make([]int64, k)
	for i := 0; i < k; i++ {
		h := fnv.New64a()
		h.Write([]byte{byte(i)})
		h.Write(data)
		pos[i] = int64(uint32(h.Sum64() % uint64(m)))
	}
	return pos
}

// bloomCheckAndSet reports true when at least one bit was unset, and sets them all.
// A nil client or a redis error lets the caller proceed.
func bloomCheckAndSet(ctx context.Context, rc *redis.Client, key string, positions []int64, ttl time.Duration) (bool, error) {
	if rc == nil {
		return true, nil
	}
	seen := true
	for _, p := range positions {
		b, err := rc.GetBit(ctx, key, p).Result()
		if err != nil {
			return true, err
		}
		if b == 0 {
			seen = false
		}
	}
	if seen {
		return false, nil
	}
	pipe := rc.Pipeline()
	for _, p := range positions {
		pipe.SetBit(ctx, key, p, 1)
	}
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return true, err
}

// BloomUpserter skips entities whose ID was already written recently. Directory hits
// repeat on every proximity query, so most batches shrink to nothing before reaching the store.
type BloomUpserter struct {
	next Upserter
	rc   *redis.Client
	ttl  time.Duration
}

// NewBloomUpserter wraps next. With a nil client every entity passes through.
func NewBloomUpserter(next Upserter, rc *redis.Client, ttl time.Duration) *BloomUpserter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &BloomUpserter{next: next, rc: rc, ttl: ttl}
}

func (b *BloomUpserter) UpsertEntities(ctx context.Context, ents property.Set) (int, error) {
	fresh := make(property.Set, 0, len(ents))
	for _, e := range ents {
		ok, err := bloomCheckAndSet(ctx, b.rc, bloomKey, bloomPositions([]byte(e.ID), bloomBits, bloomK), b.ttl)
		if err != nil {
			logger.L().Debug("bloom_check_error", "id", e.ID, "err", err)
		}
		if ok {
			fresh = append(fresh, e)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	return b.next.UpsertEntities(ctx, fresh)
}
