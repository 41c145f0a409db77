package xpsec

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/hw"
)

const (
	idlePolls        = 100
	idlePollInterval = 10 * time.Microsecond
)

// Submit queues a request on the engine. A nil return means req.Done will be called exactly
// once with the outcome in req.Err. Any error return means Done will never be called for
// this submission. ErrRetry in particular means the queue is full: wait for Unblocked and
// submit again.
func (d *Device) Submit(req *Request) error {
	if req == nil || req.Buffer == nil || req.Done == nil {
		return fmt.Errorf("%w: request needs a buffer and a completion callback", ErrInvalidArgument)
	}
	if d.closed.Load() {
		return ErrClosed
	}

	s, err := d.lookupSession(req.Session)
	if err != nil {
		return err
	}

	d.queueMu.Lock()
	defer d.queueMu.Unlock()

	if d.closed.Load() {
		s.unref()
		return ErrClosed
	}

	if d.queueFull() {
		d.metrics.queueFull.Inc(1)
		if !d.running {
			d.dispatchQueue()
		}
		s.unref()
		return ErrRetry
	}

	p, err := d.allocPacket(s, req)
	if err != nil {
		s.unref()
		return err
	}

	if err := d.setupPacket(p); err != nil {
		return d.drop(p, err)
	}

	if !d.running {
		if !req.More || d.queueFull() {
			d.dispatchQueue()
		} else {
			d.armFlush()
		}
	}
	return nil
}

func (d *Device) queueFull() bool {
	if d.waitQueue > 0 {
		return len(d.waitQ) >= d.waitQueue
	}
	return len(d.waitQ) != 0
}

// setupPacket takes a packet from allocated to queued.
func (d *Device) setupPacket(p *packet) error {
	if err := d.bindBuffer(p); err != nil {
		return err
	}
	if err := d.parseRequest(p); err != nil {
		return err
	}
	p.finalizeHeader()

	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	if err := d.buildChain(p); err != nil {
		return err
	}
	d.enqueue(p)
	return nil
}

// enqueue links the packet behind the wait queue tail. The caller holds queueMu and ringMu.
func (d *Device) enqueue(p *packet) {
	if n := len(d.waitQ); n > 0 {
		d.ring.Join(&d.waitQ[n-1].chain, &p.chain)
	}
	d.waitQ = append(d.waitQ, p)
	p.state = packetQueued
}

// drop abandons a packet that never reached the wait queue.
func (d *Device) drop(p *packet, err error) error {
	if d.l.Level >= logrus.DebugLevel {
		d.l.WithError(err).
			WithField("session", fmt.Sprintf("%#x", p.req.Session)).
			WithField("state", p.state).
			Debug("Dropped request")
	}
	d.metrics.packetErr.Inc(1)
	d.deallocPacket(p)

	if !d.running {
		d.dispatchQueue()
	}
	// Whatever was refused may fit now.
	d.unblock()
	return err
}

// dispatchQueue moves the wait queue onto the engine. The caller holds queueMu.
func (d *Device) dispatchQueue() {
	if d.running || len(d.waitQ) == 0 {
		return
	}

	if d.flushArmed {
		d.flush.Stop()
		d.flushArmed = false
	}

	run := d.waitQ
	d.waitQ = nil
	d.runQ = run
	d.running = true
	// The batch after this one starts with whatever this one leaves in SRAM.
	d.lastSession = nil
	for _, p := range run {
		p.state = packetRunning
	}

	d.ringMu.Lock()
	d.ring.Finalize(run[len(run)-1].chain.Tail())
	head := d.ring.Addr(run[0].chain.Head())
	d.ringMu.Unlock()

	d.metrics.dispatchQueue.Inc(1)
	d.metrics.dispatchPackets.Inc(int64(len(run)))
	updateMax(d.metrics.maxDispatch, len(run))

	d.armWatchdog()

	if !d.waitIdle(hw.TDMAControl, hw.TDMAActive) {
		d.l.Error("TDMA engine stayed busy, leaving the batch to the watchdog")
		return
	}
	d.bus.Write32(hw.TDMANext, head)

	if !d.waitIdle(hw.ACCStatus, hw.ACCStatusActive) {
		d.l.Error("Accelerator stayed busy, leaving the batch to the watchdog")
		return
	}
	d.bus.Write32(hw.ACCCommand, hw.ACCCommandAct)
}

func (d *Device) waitIdle(reg, busy uint32) bool {
	for range idlePolls {
		if d.bus.Read32(reg)&busy == 0 {
			return true
		}
		time.Sleep(idlePollInterval)
	}
	return false
}

func (d *Device) armWatchdog() {
	d.watchdog.Reset(time.Duration(d.watchdogInterval.Load()))
}

// armFlush bounds how long a deferred batch waits. The caller holds queueMu.
func (d *Device) armFlush() {
	if !d.flushArmed {
		d.flush.Reset(d.batchDelay)
		d.flushArmed = true
	}
}
