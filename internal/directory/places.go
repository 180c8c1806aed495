// Package directory queries a live places directory (Google Places nearby search)
// as the second proximity source.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"propmap/internal/cache"
	"propmap/internal/geo"
	"propmap/internal/logger"
	"propmap/internal/metrics"
	"propmap/internal/property"
)

var (
	// ErrMissingKey means no API key is configured.
	ErrMissingKey = errors.New("places: missing api key")
	// ErrStatus wraps a non-OK directory status.
	ErrStatus = errors.New("places: bad status")
)

const (
	defaultBaseURL = "https://maps.googleapis.com/maps/api/place/nearbysearch/json"
	sourceName     = "places"
	redisPrefix    = "places:"

	// cellPrecision is the geohash length of a cache cell: 40 bits, 20 per axis.
	cellPrecision = 8
	cellBits      = 20
)

// NearbyResponse mirrors the fields of a nearby search reply this client reads.
type NearbyResponse struct {
	Status       string  `json:"status"`
	ErrorMessage string  `json:"error_message"`
	Results      []Place `json:"results"`
}

// Place is one directory hit.
type Place struct {
	PlaceID  string `json:"place_id"`
	Name     string `json:"name"`
	Vicinity string `json:"vicinity"`
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
	} `json:"geometry"`
}

// Options configure a Client. Zero values take the defaults noted per field.
type Options struct {
	Key     string
	BaseURL string        // nearby search endpoint
	Timeout time.Duration // 5s
	RPS     float64       // 5 requests per second
	Burst   int           // 5
	// CacheSize and CacheTTL size the in-process tier. 512 entries, 10m.
	CacheSize int
	CacheTTL  time.Duration
	// Redis is the optional shared tier; RedisTTL defaults to 1h.
	Redis    *redis.Client
	RedisTTL time.Duration
	HTTP     *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	key      string
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	lru      *cache.LRU[property.Set]
	rc       *redis.Client
	redisTTL time.Duration
	log      *slog.Logger
}

// New builds a client. It fails only when no key is given.
func New(o Options) (*Client, error) {
	if o.Key == "" {
		return nil, ErrMissingKey
	}
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.RPS <= 0 {
		o.RPS = 5
	}
	if o.Burst <= 0 {
		o.Burst = 5
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 512
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 10 * time.Minute
	}
	if o.RedisTTL <= 0 {
		o.RedisTTL = time.Hour
	}
	hc := o.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	return &Client{
		key:      o.Key,
		base:     o.BaseURL,
		http:     hc,
		limiter:  rate.NewLimiter(rate.Limit(o.RPS), o.Burst),
		lru:      cache.NewLRU[property.Set](o.CacheSize, o.CacheTTL),
		rc:       o.Redis,
		redisTTL: o.RedisTTL,
		log:      logger.With("directory"),
	}, nil
}

// NewFromEnv reads PLACES_API_KEY, PLACES_BASE_URL, PLACES_RPS and PLACES_CACHE_TTL_SECONDS.
func NewFromEnv(rc *redis.Client) (*Client, error) {
	o := Options{Key: os.Getenv("PLACES_API_KEY"), BaseURL: os.Getenv("PLACES_BASE_URL"), Redis: rc}
	if v := os.Getenv("PLACES_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			o.RPS = f
		}
	}
	if v := os.Getenv("PLACES_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.CacheTTL = time.Duration(n) * time.Second
			o.RedisTTL = time.Duration(n) * time.Second
		}
	}
	return New(o)
}

// Name identifies the source in merges and metrics.
func (c *Client) Name() string { return sourceName }

// 文档注释：查询 lat/lng 周边 radiusMeters 内的地点，保持目录服务的排序
// 背景：两级缓存（进程内 LRU + redis）按 geohash-8 网格与半径分桶；未命中时以半径加网格对角线请求上游，
// 使缓存结果覆盖同一网格内任意中心点。
// 约束：无论命中缓存还是新请求，都按调用方自己的中心点重新做距离过滤后再截断到 limit。
func (c *Client) QueryByRadius(ctx context.Context, lat, lng, radiusMeters float64, limit int) (property.Set, error) {
	key := cacheKey(lat, lng, radiusMeters)
	if v, ok := c.lru.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues("lru").Inc()
		return capped(within(v, lat, lng, radiusMeters), limit), nil
	}
	metrics.CacheMissesTotal.WithLabelValues("lru").Inc()
	if v, ok := c.fromRedis(ctx, key); ok {
		c.lru.Set(key, v)
		return capped(within(v, lat, lng, radiusMeters), limit), nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("places: rate wait: %w", err)
	}
	fetch := fetchRadius(lat, radiusMeters)
	r, err := c.nearby(ctx, lat, lng, fetch)
	if err != nil {
		return nil, err
	}
	out := make(property.Set, 0, len(r.Results))
	for _, p := range r.Results {
		plat, plng := p.Geometry.Location.Lat, p.Geometry.Location.Lng
		if geo.DistanceMeters(lat, lng, plat, plng) > fetch {
			continue
		}
		out = append(out, property.Entity{
			ID:      redisPrefix + p.PlaceID,
			Name:    p.Name,
			Address: p.Vicinity,
			Lat:     plat,
			Lng:     plng,
			Source:  sourceName,
		})
	}
	c.lru.Set(key, out)
	c.toRedis(ctx, key, out)
	return capped(within(out, lat, lng, radiusMeters), limit), nil
}

func (c *Client) nearby(ctx context.Context, lat, lng, radiusMeters float64) (*NearbyResponse, error) {
	q := url.Values{}
	q.Set("location", strconv.FormatFloat(lat, 'f', 6, 64)+","+strconv.FormatFloat(lng, 'f', 6, 64))
	q.Set("radius", strconv.Itoa(int(radiusMeters+0.5)))
	q.Set("key", c.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	t0 := time.Now()
	metrics.DirectoryRequestsTotal.Inc()
	c.log.Debug("places_req", "lat", lat, "lng", lng, "radius", radiusMeters)
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("places_http_error", "err", err)
		metrics.DirectoryFailTotal.Inc()
		return nil, fmt.Errorf("places: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.DirectoryFailTotal.Inc()
		return nil, fmt.Errorf("%w: http %d", ErrStatus, resp.StatusCode)
	}
	var r NearbyResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		c.log.Warn("places_decode_error", "err", err)
		metrics.DirectoryFailTotal.Inc()
		return nil, fmt.Errorf("places: decode: %w", err)
	}
	dur := time.Since(t0).Milliseconds()
	metrics.DirectoryDurationMs.Observe(float64(dur))
	c.log.Debug("places_resp", "status", r.Status, "count", len(r.Results), "duration_ms", dur)
	if r.Status != "OK" && r.Status != "ZERO_RESULTS" {
		metrics.DirectoryFailTotal.Inc()
		return nil, fmt.Errorf("%w: %s %s", ErrStatus, r.Status, r.ErrorMessage)
	}
	metrics.DirectorySuccessTotal.Inc()
	return &r, nil
}

func (c *Client) fromRedis(ctx context.Context, key string) (property.Set, bool) {
	if c.rc == nil {
		return nil, false
	}
	s, err := c.rc.Get(ctx, redisPrefix+key).Result()
	if err != nil || s == "" {
		metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
		return nil, false
	}
	var v property.Set
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		metrics.CacheMissesTotal.WithLabelValues("redis").Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.WithLabelValues("redis").Inc()
	return v, true
}

func (c *Client) toRedis(ctx context.Context, key string, v property.Set) {
	if c.rc == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rc.Set(ctx, redisPrefix+key, string(b), c.redisTTL).Err(); err != nil {
		c.log.Debug("places_redis_set_error", "err", err)
	}
}

// cacheKey buckets queries by an ~19 m geohash cell and the radius.
func cacheKey(lat, lng, radiusMeters float64) string {
	return geo.Geohash(lat, lng, cellPrecision) + ":" + strconv.Itoa(int(radiusMeters+0.5))
}

// cellDiagonalMeters bounds the distance between two points of one cache cell near lat.
// The longitude span is measured on the cell edge nearest the equator, where it is widest.
func cellDiagonalMeters(lat float64) float64 {
	latSpan := 180 / math.Exp2(cellBits)
	lngSpan := 360 / math.Exp2(cellBits)
	edge := math.Max(math.Abs(lat)-latSpan, 0)
	return geo.DistanceMeters(edge, 0, edge+latSpan, lngSpan)
}

func fetchRadius(lat, radiusMeters float64) float64 {
	return radiusMeters + cellDiagonalMeters(lat)
}

func within(s property.Set, lat, lng, radiusMeters float64) property.Set {
	out := make(property.Set, 0, len(s))
	for _, e := range s {
		if geo.DistanceMeters(lat, lng, e.Lat, e.Lng) <= radiusMeters {
			out = append(out, e)
		}
	}
	return out
}

func capped(s property.Set, limit int) property.Set {
	if limit > 0 && len(s) > limit {
		return s[:limit].Clone()
	}
	return s.Clone()
}
