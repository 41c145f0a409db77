// Package ocf routes crypto sessions and requests to registered drivers. It owns requests a
// driver turned away with xpsec.ErrRetry and resubmits them, in order, once the driver
// signals that it has room again.
package ocf

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec"
)

// ErrNoDriver is returned when no registered driver can serve a session.
var ErrNoDriver = fmt.Errorf("%w: no driver supports the algorithms", xpsec.ErrUnsupported)

// Driver is the part of an engine the framework needs. *xpsec.Device implements it.
//
// Submit is called with the framework's per-driver lock held, so it must return without
// waiting for any request to complete.
type Driver interface {
	NewSession(keys []xpsec.Key) (uint32, error)
	FreeSession(id uint32) error
	Submit(req *xpsec.Request) error
	Unblocked() <-chan struct{}
}

type driver struct {
	id         uint32
	drv        Driver
	algs       []xpsec.Algorithm
	maxPayload int

	// mu serializes submissions so parked requests keep their order.
	mu     sync.Mutex
	parked []*xpsec.Request
	closed bool
	wake   chan struct{}
}

// Framework is a set of registered drivers.
type Framework struct {
	l *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	drivers []*driver
	closed  bool

	retries  metrics.Counter
	parked   metrics.Counter
	resubmit metrics.Counter
}

// New creates an empty framework. A nil registry uses metrics.DefaultRegistry.
func New(l *logrus.Logger, r metrics.Registry) *Framework {
	if r == nil {
		r = metrics.DefaultRegistry
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Framework{
		l:        l,
		ctx:      ctx,
		cancel:   cancel,
		retries:  metrics.GetOrRegisterCounter("ocf.retry", r),
		parked:   metrics.GetOrRegisterCounter("ocf.parked", r),
		resubmit: metrics.GetOrRegisterCounter("ocf.resubmit", r),
	}
}

// Register adds a driver that supports algs for payloads of up to maxPayload bytes and
// returns its id.
func (f *Framework) Register(drv Driver, algs []xpsec.Algorithm, maxPayload int) (uint32, error) {
	if drv == nil || len(algs) == 0 || maxPayload <= 0 {
		return 0, fmt.Errorf("%w: a driver needs algorithms and a payload size", xpsec.ErrInvalidArgument)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, xpsec.ErrClosed
	}

	d := &driver{
		id:         uint32(len(f.drivers)),
		drv:        drv,
		algs:       slices.Clone(algs),
		maxPayload: maxPayload,
		wake:       make(chan struct{}, 1),
	}
	f.drivers = append(f.drivers, d)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.retryLoop(d)
	}()

	f.l.WithField("driverId", d.id).
		WithField("algorithms", d.algs).
		WithField("maxPayload", maxPayload).
		Info("Registered crypto driver")
	return d.id, nil
}

func (d *driver) supports(keys []xpsec.Key) bool {
	for _, k := range keys {
		if !slices.Contains(d.algs, k.Alg) {
			return false
		}
	}
	return true
}

func (f *Framework) lookup(sid uint64) (*driver, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, xpsec.ErrClosed
	}

	id := sid >> 32
	if id >= uint64(len(f.drivers)) {
		return nil, fmt.Errorf("%w: no driver %d", xpsec.ErrSessionInvalid, id)
	}
	return f.drivers[id], nil
}

// NewSession creates a session on the first driver that supports every key's algorithm
// and has room for it. The returned id carries the driver id in its upper 32 bits.
func (f *Framework) NewSession(keys []xpsec.Key) (uint64, error) {
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: no keys", xpsec.ErrInvalidArgument)
	}

	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return 0, xpsec.ErrClosed
	}
	drivers := slices.Clone(f.drivers)
	f.mu.RUnlock()

	err := ErrNoDriver
	for _, d := range drivers {
		if !d.supports(keys) {
			continue
		}

		var sid uint32
		sid, err = d.drv.NewSession(keys)
		if err == nil {
			return uint64(d.id)<<32 | uint64(sid), nil
		}
		if !errors.Is(err, xpsec.ErrResourceExhausted) {
			return 0, err
		}
	}
	return 0, err
}

// FreeSession releases a session created by NewSession.
func (f *Framework) FreeSession(sid uint64) error {
	d, err := f.lookup(sid)
	if err != nil {
		return err
	}
	return d.drv.FreeSession(uint32(sid))
}

// Dispatch hands req to the driver owning session sid. A nil return means req.Done will be
// called exactly once; requests the driver cannot take yet are held and resubmitted in
// order.
func (f *Framework) Dispatch(sid uint64, req *xpsec.Request) error {
	if req == nil || req.Buffer == nil || req.Done == nil {
		return fmt.Errorf("%w: request needs a buffer and a completion callback", xpsec.ErrInvalidArgument)
	}

	d, err := f.lookup(sid)
	if err != nil {
		return err
	}
	if req.Buffer.Len() > d.maxPayload {
		return fmt.Errorf("%w: %d byte request exceeds the driver's %d", xpsec.ErrInvalidArgument, req.Buffer.Len(), d.maxPayload)
	}
	req.Session = uint32(sid)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return xpsec.ErrClosed
	}
	if len(d.parked) == 0 {
		err = d.drv.Submit(req)
		if !errors.Is(err, xpsec.ErrRetry) {
			return err
		}
		f.retries.Inc(1)
	}

	// Keep order behind requests already waiting.
	d.park(req)
	f.parked.Inc(1)
	return nil
}

// park queues req and wakes the retry loop. The caller holds d.mu.
func (d *driver) park(req *xpsec.Request) {
	d.parked = append(d.parked, req)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (f *Framework) retryLoop(d *driver) {
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-d.wake:
		}

		for {
			// Taken before any resubmission so a completion in between still wakes us.
			unblocked := d.drv.Unblocked()
			if f.flush(d) {
				break
			}

			select {
			case <-f.ctx.Done():
				return
			case <-unblocked:
			}
		}
	}
}

// flush resubmits parked requests in order until the driver pushes back. It reports whether
// the queue was emptied.
func (f *Framework) flush(d *driver) bool {
	for {
		d.mu.Lock()
		if len(d.parked) == 0 {
			d.mu.Unlock()
			return true
		}
		req := d.parked[0]
		err := d.drv.Submit(req)
		if errors.Is(err, xpsec.ErrRetry) {
			d.mu.Unlock()
			f.retries.Inc(1)
			return false
		}
		d.parked[0] = nil
		d.parked = d.parked[1:]
		d.mu.Unlock()

		if err != nil {
			if f.l.Level >= logrus.DebugLevel {
				f.l.WithError(err).WithField("driverId", d.id).Debug("Parked request failed on resubmit")
			}
			req.Err = err
			req.Done(req)
			continue
		}
		f.resubmit.Inc(1)
	}
}

// Close stops retrying and fails every parked request with xpsec.ErrClosed. Drivers are
// not closed.
func (f *Framework) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	drivers := f.drivers
	f.mu.Unlock()

	f.cancel()
	f.wg.Wait()

	for _, d := range drivers {
		d.mu.Lock()
		parked := d.parked
		d.parked = nil
		d.closed = true
		d.mu.Unlock()

		for _, req := range parked {
			req.Err = xpsec.ErrClosed
			req.Done(req)
		}
	}
}
