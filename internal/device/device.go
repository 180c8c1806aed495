// Package device declares the platform sensors the engine consumes.
package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// ErrUnavailable means the sensor is absent or permission was denied.
var ErrUnavailable = errors.New("sensor unavailable")

// Subscription is a live sensor registration. Remove must be safe to call more than once.
type Subscription interface {
	Remove()
}

// LocationOptions tune the GPS watch.
type LocationOptions struct {
	HighAccuracy   bool
	Interval       time.Duration
	DistanceMeters float64
}

// Compass delivers heading in degrees clockwise from true north.
type Compass interface {
	WatchHeading(cb func(heading float64)) (Subscription, error)
	HeadingOnce(ctx context.Context) (float64, error)
}

// Locator delivers GPS fixes as lng/lat points.
type Locator interface {
	RequestPermission(ctx context.Context) (bool, error)
	CurrentLocation(ctx context.Context) (orb.Point, error)
	WatchLocation(opts LocationOptions, cb func(orb.Point)) (Subscription, error)
}

// Scope owns a set of subscriptions and releases them together.
// A zero Scope is ready to use.
type Scope struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add takes ownership of s. A nil s is ignored.
func (sc *Scope) Add(s Subscription) {
	if s == nil {
		return
	}
	sc.mu.Lock()
	sc.subs = append(sc.subs, s)
	sc.mu.Unlock()
}

// Release removes every owned subscription in reverse order of acquisition.
func (sc *Scope) Release() {
	sc.mu.Lock()
	subs := sc.subs
	sc.subs = nil
	sc.mu.Unlock()
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Remove()
	}
}

// Len reports the number of live subscriptions.
func (sc *Scope) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.subs)
}

// FuncSubscription adapts a release func; it runs at most once.
type FuncSubscription struct {
	once sync.Once
	fn   func()
}

// NewSubscription wraps fn.
func NewSubscription(fn func()) *FuncSubscription { return &FuncSubscription{fn: fn} }

// Remove runs the release func once.
func (s *FuncSubscription) Remove() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}
