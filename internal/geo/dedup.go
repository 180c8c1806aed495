package geo

import "math"

type cellKey struct{ x, y int64 }

// Dedup drops every item whose position lies within eps degrees (on both axes)
// of an item kept earlier. Order is preserved and the first occurrence wins.
// eps <= 0 collapses exact duplicates only.
func Dedup[T any](items []T, eps float64, pos func(T) (lat, lng float64)) []T {
	if len(items) == 0 {
		return items
	}
	out := make([]T, 0, len(items))
	if eps <= 0 {
		seen := make(map[[2]float64]struct{}, len(items))
		for _, it := range items {
			lat, lng := pos(it)
			k := [2]float64{lat, lng}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, it)
		}
		return out
	}
	type kept struct{ lat, lng float64 }
	grid := make(map[cellKey][]kept, len(items))
	for _, it := range items {
		lat, lng := pos(it)
		cx := int64(math.Floor(lng / eps))
		cy := int64(math.Floor(lat / eps))
		dup := false
	scan:
		for dx := int64(-1); dx <= 1; dx++ {
			for dy := int64(-1); dy <= 1; dy++ {
				for _, k := range grid[cellKey{cx + dx, cy + dy}] {
					if math.Abs(k.lat-lat) <= eps && math.Abs(k.lng-lng) <= eps {
						dup = true
						break scan
					}
				}
			}
		}
		if dup {
			continue
		}
		c := cellKey{cx, cy}
		grid[c] = append(grid[c], kept{lat, lng})
		out = append(out, it)
	}
	return out
}
