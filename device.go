package xpsec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/tdma"
	"golang.org/x/sync/errgroup"
)

const sessionPoolHiwat = 8

// Device drives one engine instance. Sessions are created and freed with NewSession and
// FreeSession, work is queued with Submit and completes on the device's worker goroutine.
//
// Locks are always taken in the order sessMu, queueMu, ringMu.
type Device struct {
	l     *logrus.Logger
	bus   hw.Bus
	arena *hw.Arena
	unit  int

	waitQueue        int
	reuseSessionIV   bool
	watchdogInterval atomic.Int64
	closed           atomic.Bool

	sessMu      sync.Mutex
	maxSessions int
	sessions    []*Session
	sessHint    int
	nsessions   int
	sessPool    *sessionPool

	queueMu     sync.Mutex
	waitQ       []*packet
	runQ        []*packet
	freeList    []*packet
	running     bool
	lastSession *Session
	watchdog    *time.Timer
	batchDelay  time.Duration
	flush       *time.Timer
	flushArmed  bool

	ringMu sync.Mutex
	ring   *tdma.Ring

	events chan struct{}

	unblockMu sync.Mutex
	unblockCh chan struct{}

	metrics *deviceMetrics

	stopMu sync.Mutex
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New takes over the engine behind bus and resets it. Call Start before submitting work.
func New(l *logrus.Logger, bus hw.Bus, options ...Option) (*Device, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, err
	}

	arena := bus.Arena()
	ring, err := tdma.NewRing(arena, opts.ringSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	registry := opts.registry
	if registry == nil {
		registry = defaultRegistry(opts.unit)
	}

	d := &Device{
		l:              l,
		bus:            bus,
		arena:          arena,
		unit:           opts.unit,
		waitQueue:      opts.waitQueue,
		reuseSessionIV: opts.reuseSessionIV,
		maxSessions:    opts.maxSessions,
		sessions:       make([]*Session, opts.maxSessions),
		sessPool: &sessionPool{
			arena: arena,
			hiwat: min(sessionPoolHiwat, opts.maxSessions),
		},
		ring:      ring,
		events:    make(chan struct{}),
		unblockCh: make(chan struct{}),
		metrics:   newDeviceMetrics(registry),
	}
	d.watchdogInterval.Store(int64(opts.watchdog))
	d.watchdog = time.NewTimer(opts.watchdog)
	d.watchdog.Stop()
	d.batchDelay = opts.batchDelay
	d.flush = time.NewTimer(opts.batchDelay)
	d.flush.Stop()

	d.queueMu.Lock()
	d.initEngine()
	d.queueMu.Unlock()

	l.WithField("unit", d.unit).
		WithField("sessions", opts.maxSessions).
		WithField("ring", opts.ringSize).
		WithField("waitQueue", opts.waitQueue).
		Info("Crypto engine ready")
	return d, nil
}

// Start runs the interrupt and completion goroutines until ctx is done or Close is called.
func (d *Device) Start(ctx context.Context) {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.cancel != nil || d.closed.Load() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return d.interruptLoop(ctx) })
	eg.Go(func() error { return d.worker(ctx) })
	d.cancel = cancel
	d.eg = eg
}

// Close stops the engine and fails every request still queued with ErrClosed. The bus is
// left open.
func (d *Device) Close() error {
	d.sessMu.Lock()
	if d.closed.Swap(true) {
		d.sessMu.Unlock()
		return nil
	}
	sessions := d.sessions
	d.sessions = make([]*Session, len(sessions))
	d.nsessions = 0
	d.sessMu.Unlock()

	d.queueMu.Lock()
	d.watchdog.Stop()
	d.flush.Stop()
	d.flushArmed = false
	d.stopEngine()
	done := d.failAll(ErrClosed)
	for _, p := range d.freeList {
		p.region.Free()
	}
	d.freeList = nil
	d.lastSession = nil
	d.queueMu.Unlock()

	d.deliver(done)

	d.stopMu.Lock()
	cancel, eg := d.cancel, d.eg
	d.stopMu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		if werr := eg.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}

	for _, s := range sessions {
		if s != nil {
			s.dead.Store(true)
			s.unref()
		}
	}
	d.sessPool.drain()

	d.ringMu.Lock()
	d.ring.Close()
	d.ringMu.Unlock()

	d.l.WithField("unit", d.unit).Info("Crypto engine closed")
	return err
}

// Algorithms lists the algorithms sessions on this device may use.
func (d *Device) Algorithms() []Algorithm {
	return Algorithms
}

// MaxPayload is the largest request buffer the engine accepts.
func (d *Device) MaxPayload() int {
	return hw.PayloadSize
}

// SetWatchdog changes the watchdog interval for batches dispatched from now on.
func (d *Device) SetWatchdog(interval time.Duration) {
	if interval <= 0 {
		return
	}
	if old := time.Duration(d.watchdogInterval.Swap(int64(interval))); old != interval {
		d.l.WithField("watchdog", interval).Info("Watchdog interval changed")
	}
}

// Stats is a point in time view of the device's resources.
type Stats struct {
	Sessions    int
	Waiting     int
	Running     int
	Descriptors int
	DMAChunks   int
}

func (d *Device) Stats() Stats {
	var s Stats
	d.sessMu.Lock()
	s.Sessions = d.nsessions
	d.sessMu.Unlock()

	d.queueMu.Lock()
	s.Waiting = len(d.waitQ)
	s.Running = len(d.runQ)
	d.ringMu.Lock()
	s.Descriptors = d.ring.Outstanding()
	d.ringMu.Unlock()
	d.queueMu.Unlock()

	s.DMAChunks = d.arena.InUse()
	return s
}
