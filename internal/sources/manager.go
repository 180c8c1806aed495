// Package sources fans a proximity query out to every registered radius source
// and merges the answers into one deduplicated entity set.
package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	"propmap/internal/geo"
	"propmap/internal/logger"
	"propmap/internal/metrics"
	"propmap/internal/property"
)

// Source is one radius-query implementation: the persistent store or a live directory.
type Source interface {
	Name() string
	QueryByRadius(ctx context.Context, lat, lng, radiusMeters float64, limit int) (property.Set, error)
}

// Upserter persists entities discovered by secondary sources.
type Upserter interface {
	UpsertEntities(ctx context.Context, ents property.Set) (int, error)
}

const persistBatch = 10

// Manager merges sources in registration order. Earlier sources win dedup ties,
// so the store is registered first.
type Manager struct {
	mu      sync.RWMutex
	ps      []Source
	eps     float64
	persist Upserter
	primary string
	pending sync.WaitGroup
}

// NewManager builds a manager that treats positions within eps degrees as the same place.
func NewManager(eps float64) *Manager {
	return &Manager{eps: eps}
}

// Register appends a source.
func (m *Manager) Register(s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ps = append(m.ps, s)
	logger.L().Info("source_registered", "name", s.Name(), "order", len(m.ps))
}

// Sources returns the registered sources in merge order.
func (m *Manager) Sources() []Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Source, len(m.ps))
	copy(out, m.ps)
	return out
}

// 文档注释：把仅由非主数据源返回的实体回写到 u
// 约束：后台异步、每批 10 条、尽力而为；失败只记日志，不影响查询结果。
func (m *Manager) PersistNovel(u Upserter, primary string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persist = u
	m.primary = primary
}

type answer struct {
	ents property.Set
	err  error
}

// QueryByRadius queries every source concurrently. Any source failure fails the
// whole query so the caller keeps its previous result instead of a partial one.
func (m *Manager) QueryByRadius(ctx context.Context, lat, lng, radiusMeters float64, limit int) (property.Set, error) {
	ps := m.Sources()
	logger.L().Debug("sources_query_begin", "lat", lat, "lng", lng, "radius", radiusMeters, "sources", len(ps))
	answers := make([]answer, len(ps))
	var wg sync.WaitGroup
	for i, p := range ps {
		wg.Add(1)
		go func(i int, p Source) {
			defer wg.Done()
			t0 := time.Now()
			metrics.SourceRequestsTotal.WithLabelValues(p.Name()).Inc()
			ents, err := p.QueryByRadius(ctx, lat, lng, radiusMeters, limit)
			metrics.SourceDurationMs.WithLabelValues(p.Name()).Observe(float64(time.Since(t0).Milliseconds()))
			if err != nil {
				metrics.SourceFailTotal.WithLabelValues(p.Name()).Inc()
				err = fmt.Errorf("%s: %w", p.Name(), err)
			}
			answers[i] = answer{ents: ents, err: err}
		}(i, p)
	}
	wg.Wait()

	var all property.Set
	for _, a := range answers {
		if a.err != nil {
			logger.L().Debug("sources_query_error", "err", a.err)
			return nil, a.err
		}
		all = append(all, a.ents...)
	}
	merged := geo.Dedup(all, m.eps, func(e property.Entity) (float64, float64) { return e.Lat, e.Lng })
	if merged == nil {
		merged = property.Set{}
	}
	logger.L().Debug("sources_query_end", "raw", len(all), "merged", len(merged))
	m.persistNovel(merged)
	return merged, nil
}

func (m *Manager) persistNovel(merged property.Set) {
	m.mu.RLock()
	u, primary := m.persist, m.primary
	m.mu.RUnlock()
	if u == nil {
		return
	}
	var novel property.Set
	for _, e := range merged {
		if e.Source != "" && e.Source != primary {
			novel = append(novel, e)
		}
	}
	if len(novel) == 0 {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		total := 0
		for i := 0; i < len(novel); i += persistBatch {
			end := i + persistBatch
			if end > len(novel) {
				end = len(novel)
			}
			n, err := u.UpsertEntities(ctx, novel[i:end])
			if err != nil {
				logger.L().Warn("sources_persist_error", "batch_start", i, "err", err)
				continue
			}
			total += n
		}
		logger.L().Debug("sources_persist_done", "candidates", len(novel), "written", total)
	}()
}

// Flush waits for background persistence to finish.
func (m *Manager) Flush() { m.pending.Wait() }
