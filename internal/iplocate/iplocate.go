// Package iplocate picks a first map region from the caller's IP address
// when a session starts without a device location.
package iplocate

import (
	"errors"
	"net"
	"os"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"propmap/internal/logger"
	"propmap/internal/region"
)

// ErrNoLocation is returned when the address has no usable coordinates.
var ErrNoLocation = errors.New("iplocate: no location")

type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// Locator resolves IPs against a GeoLite2/GeoIP2 City database. A Locator
// without a database always reports the fallback region.
type Locator struct {
	mu       sync.RWMutex
	db       cityReader
	fallback region.Region
}

// New returns a Locator with no database.
func New(fallback region.Region) *Locator {
	return &Locator{fallback: fallback}
}

// Open loads the mmdb at path.
func Open(path string, fallback region.Region) (*Locator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	logger.L().Info("geoip_open", "path", path, "type", db.Metadata().DatabaseType)
	return &Locator{db: db, fallback: fallback}, nil
}

// OpenFromEnv opens GEOIP_DB_PATH when set. A missing or broken file degrades to New.
func OpenFromEnv(fallback region.Region) *Locator {
	p := os.Getenv("GEOIP_DB_PATH")
	if p == "" {
		return New(fallback)
	}
	l, err := Open(p, fallback)
	if err != nil {
		logger.L().Warn("geoip_open_error", "path", p, "err", err)
		return New(fallback)
	}
	return l
}

// Lookup returns the city coordinates of ip.
func (l *Locator) Lookup(ip string) (lat, lng float64, err error) {
	l.mu.RLock()
	db := l.db
	l.mu.RUnlock()
	if db == nil {
		return 0, 0, ErrNoLocation
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return 0, 0, ErrNoLocation
	}
	rec, err := db.City(addr)
	if err != nil {
		return 0, 0, err
	}
	if rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return 0, 0, ErrNoLocation
	}
	return rec.Location.Latitude, rec.Location.Longitude, nil
}

// Region centers the fallback span on ip's location, or returns the fallback
// region itself when the address cannot be placed.
func (l *Locator) Region(ip string) region.Region {
	lat, lng, err := l.Lookup(ip)
	if err != nil {
		logger.L().Debug("geoip_fallback", "ip", ip, "err", err)
		return l.fallback
	}
	logger.L().Debug("geoip_hit", "ip", ip, "lat", lat, "lng", lng)
	return l.fallback.CenteredOn(lat, lng)
}

// Close releases the database.
func (l *Locator) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
