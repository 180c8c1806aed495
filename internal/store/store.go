// Package store is the PostgreSQL access layer for properties. The rated flag is read
// from the ratings table, which other services write.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"propmap/internal/geo"
	"propmap/internal/logger"
	"propmap/internal/property"

	_ "github.com/lib/pq"
)

// SourceName tags entities read from the store.
const SourceName = "store"

// Store holds the connection pool and serves the engine's box and radius queries.
type Store struct {
	db *sql.DB
}

// AttachDB wraps an open pool; the caller owns and closes it.
func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

// Name identifies the store in source merges.
func (s *Store) Name() string { return SourceName }

const selectCols = `SELECT p.id, p.name, p.address, p.lat, p.lng,
        EXISTS (SELECT 1 FROM ratings r WHERE r.property_id = p.id) AS is_rated
    FROM properties p`

// 文档注释：按矩形范围查询房产，结果按地址排序
// 背景：视口模式的主查询；is_rated 由 ratings 表 EXISTS 子查询得出。
// 约束：east < west 表示跨越 180° 经线，拆成两段经度条件；limit<=0 不限制条数。
func (s *Store) QueryByBoundingBox(ctx context.Context, north, south, east, west float64, limit int) (property.Set, error) {
	q, args := boxQuery(north, south, east, west, limit)
	logger.L().Debug("store_box_begin", "n", north, "s", south, "e", east, "w", west, "limit", limit)
	out, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	logger.L().Debug("store_box_done", "count", len(out))
	return out, nil
}

// 文档注释：按圆形范围查询房产
// 背景：SQL 先用外接矩形粗筛，再在内存里按球面距离精筛；limit 在精筛之后生效。
func (s *Store) QueryByRadius(ctx context.Context, lat, lng, radiusMeters float64, limit int) (property.Set, error) {
	n, so, e, w := geo.RadiusBounds(lat, lng, radiusMeters)
	// the box is unbounded; the limit applies after the distance filter
	q, args := boxQuery(n, so, e, w, 0)
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out := filterRadius(rows, lat, lng, radiusMeters, limit)
	logger.L().Debug("store_radius_done", "box", len(rows), "kept", len(out))
	return out, nil
}

// 文档注释：批量写入新房产（按 id 去重）
// 约束：ON CONFLICT DO NOTHING，已有行不覆盖；返回实际插入条数。
func (s *Store) UpsertEntities(ctx context.Context, ents property.Set) (int, error) {
	if len(ents) == 0 {
		return 0, nil
	}
	q, args := upsertQuery(ents)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("store: upsert: %w", err)
	}
	n, _ := res.RowsAffected()
	logger.L().Debug("store_upsert_done", "candidates", len(ents), "inserted", n)
	return int(n), nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) (property.Set, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()
	out := property.Set{}
	for rows.Next() {
		var e property.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.Address, &e.Lat, &e.Lng, &e.IsRated); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		e.Source = SourceName
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: rows: %w", err)
	}
	return out, nil
}

func boxQuery(north, south, east, west float64, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString(selectCols)
	b.WriteString(` WHERE p.lat BETWEEN $1 AND $2`)
	args := []any{south, north, west, east}
	if east >= west {
		b.WriteString(` AND p.lng BETWEEN $3 AND $4`)
	} else {
		b.WriteString(` AND (p.lng >= $3 OR p.lng <= $4)`)
	}
	b.WriteString(` ORDER BY p.address`)
	if limit > 0 {
		b.WriteString(` LIMIT $5`)
		args = append(args, limit)
	}
	return b.String(), args
}

func upsertQuery(ents property.Set) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO properties(id, name, address, lat, lng, origin) VALUES `)
	args := make([]any, 0, len(ents)*6)
	for i, e := range ents {
		if i > 0 {
			b.WriteString(",")
		}
		k := i * 6
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d,$%d)", k+1, k+2, k+3, k+4, k+5, k+6)
		origin := e.Source
		if origin == "" {
			origin = SourceName
		}
		args = append(args, e.ID, e.Name, e.Address, e.Lat, e.Lng, origin)
	}
	b.WriteString(` ON CONFLICT (id) DO NOTHING`)
	return b.String(), args
}

func filterRadius(in property.Set, lat, lng, radiusMeters float64, limit int) property.Set {
	out := property.Set{}
	for _, e := range in {
		if geo.DistanceMeters(lat, lng, e.Lat, e.Lng) > radiusMeters {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
