package xpsec

import (
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/xpsec/tdma"
)

type optionValues struct {
	unit           int
	maxSessions    int
	waitQueue      int
	ringSize       int
	watchdog       time.Duration
	batchDelay     time.Duration
	reuseSessionIV bool
	registry       metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.unit < 0 || o.unit > maxUnit {
		return fmt.Errorf("%w: unit %d is outside 0-%d", ErrInvalidArgument, o.unit, maxUnit)
	}
	if o.maxSessions < 1 || o.maxSessions > slotMask+1 {
		return fmt.Errorf("%w: max sessions %d", ErrInvalidArgument, o.maxSessions)
	}
	if o.waitQueue < 0 {
		return fmt.Errorf("%w: negative wait queue limit", ErrInvalidArgument)
	}
	if err := tdma.CheckRingSize(o.ringSize); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	if o.ringSize < maxPacketDescriptors {
		return fmt.Errorf("%w: ring of %d descriptors can not hold one packet, which needs up to %d",
			ErrInvalidArgument, o.ringSize, maxPacketDescriptors)
	}
	if o.watchdog <= 0 {
		return fmt.Errorf("%w: watchdog must be positive", ErrInvalidArgument)
	}
	if o.batchDelay <= 0 {
		return fmt.Errorf("%w: batch delay must be positive", ErrInvalidArgument)
	}
	return nil
}

var optionDefaults = optionValues{
	maxSessions: 32,
	waitQueue:   16,
	ringSize:    512,
	watchdog:    time.Second,
	batchDelay:  2 * time.Millisecond,
}

// Option can be passed to New to modify the default behavior.
type Option func(*optionValues)

// WithUnit sets the engine instance number, which is encoded in every session id.
func WithUnit(unit int) Option {
	return func(o *optionValues) { o.unit = unit }
}

// WithMaxSessions sets the size of the session table.
func WithMaxSessions(n int) Option {
	return func(o *optionValues) { o.maxSessions = n }
}

// WithWaitQueue sets how many requests may wait behind a running batch. Zero disables
// batching: a request is only accepted while nothing is waiting.
func WithWaitQueue(n int) Option {
	return func(o *optionValues) { o.waitQueue = n }
}

// WithRingSize sets the number of TDMA descriptors. It must be a power of 2 large enough
// for one packet.
func WithRingSize(n int) Option {
	return func(o *optionValues) { o.ringSize = n }
}

// WithWatchdog sets how long a dispatched batch may run before the engine is reset.
func WithWatchdog(d time.Duration) Option {
	return func(o *optionValues) { o.watchdog = d }
}

// WithBatchDelay bounds how long a request submitted with More set may wait for company
// before its batch is dispatched anyway.
func WithBatchDelay(d time.Duration) Option {
	return func(o *optionValues) { o.batchDelay = d }
}

// WithSessionIV makes encrypt requests without an IV use the session's IV instead of a
// fresh random one.
func WithSessionIV(reuse bool) Option {
	return func(o *optionValues) { o.reuseSessionIV = reuse }
}

// WithMetrics registers the device counters in r instead of the default registry.
func WithMetrics(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}
