package api

import (
	"context"
	"sync"

	"github.com/paulmach/orb"

	"propmap/internal/device"
)

// RemoteDevice is the sensor pair of a remote client. The client pushes compass and
// GPS readings over HTTP; the engine consumes them through device.Compass and
// device.Locator like any platform sensor.
type RemoteDevice struct {
	mu         sync.Mutex
	permitted  bool
	hasCompass bool
	location   *orb.Point
	heading    *float64
	onHeading  func(float64)
	onLocation func(orb.Point)
}

// NewRemoteDevice seeds the device with what the client reported at session start.
func NewRemoteDevice(permitted, hasCompass bool, location *orb.Point, heading *float64) *RemoteDevice {
	d := &RemoteDevice{permitted: permitted, hasCompass: hasCompass}
	if location != nil {
		p := *location
		d.location = &p
	}
	if heading != nil {
		h := *heading
		d.heading = &h
	}
	return d
}

func (d *RemoteDevice) RequestPermission(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.permitted, nil
}

func (d *RemoteDevice) CurrentLocation(context.Context) (orb.Point, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.location == nil {
		return orb.Point{}, device.ErrUnavailable
	}
	return *d.location, nil
}

func (d *RemoteDevice) WatchLocation(_ device.LocationOptions, cb func(orb.Point)) (device.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.permitted {
		return nil, device.ErrUnavailable
	}
	d.onLocation = cb
	return device.NewSubscription(func() {
		d.mu.Lock()
		d.onLocation = nil
		d.mu.Unlock()
	}), nil
}

func (d *RemoteDevice) WatchHeading(cb func(float64)) (device.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasCompass {
		return nil, device.ErrUnavailable
	}
	d.onHeading = cb
	return device.NewSubscription(func() {
		d.mu.Lock()
		d.onHeading = nil
		d.mu.Unlock()
	}), nil
}

// HeadingOnce returns the last heading the client pushed, 0 before the first push.
func (d *RemoteDevice) HeadingOnce(context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasCompass {
		return 0, device.ErrUnavailable
	}
	if d.heading == nil {
		return 0, nil
	}
	return *d.heading, nil
}

// PushHeading records a reading and forwards it to the watcher, if any.
func (d *RemoteDevice) PushHeading(h float64) {
	d.mu.Lock()
	d.heading = &h
	cb := d.onHeading
	d.mu.Unlock()
	if cb != nil {
		cb(h)
	}
}

// PushLocation records a fix and reports whether a watcher received it.
func (d *RemoteDevice) PushLocation(p orb.Point) bool {
	d.mu.Lock()
	d.location = &p
	cb := d.onLocation
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(p)
	return true
}
