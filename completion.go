package xpsec

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/slackhq/xpsec/hw"
)

// interruptLoop waits on the interrupt line and wakes the worker. It never touches device
// state; the worker acknowledges the cause under queueMu.
func (d *Device) interruptLoop(ctx context.Context) error {
	for {
		if err := d.bus.WaitInterrupt(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, hw.ErrBusClosed) {
				return nil
			}
			d.l.WithError(err).Error("Failed to wait for the interrupt line")
			return err
		}
		d.metrics.intrAll.Inc(1)

		select {
		case d.events <- struct{}{}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Device) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.events:
			d.handleInterrupt()
		case <-d.watchdog.C:
			d.handleTimeout()
		case <-d.flush.C:
			d.handleFlush()
		}
	}
}

func (d *Device) handleInterrupt() {
	d.queueMu.Lock()
	var done []*Request
	cause := d.ackInterrupt()
	if cause == 0 {
		d.metrics.intrSpurious.Inc(1)
	}
	if cause&hw.IntACCTDMA != 0 {
		done = d.complete()
	}
	d.queueMu.Unlock()

	d.deliver(done)
}

// handleFlush dispatches requests held back by More once nothing else joined them in time.
func (d *Device) handleFlush() {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if !d.flushArmed {
		// Dispatched or closed while the timer fired.
		return
	}
	d.flushArmed = false
	if !d.running && !d.closed.Load() {
		d.dispatchQueue()
	}
}

func (d *Device) handleTimeout() {
	d.queueMu.Lock()
	var done []*Request
	if cause := d.ackInterrupt(); cause&hw.IntACCTDMA != 0 {
		// The batch finished just as the timer fired.
		done = d.complete()
	} else {
		done = d.timeout()
	}
	d.queueMu.Unlock()

	d.deliver(done)
}

// ackInterrupt reads and clears the interrupt cause. The caller holds queueMu.
func (d *Device) ackInterrupt() uint32 {
	cause := d.bus.Read32(hw.IntCause) & hw.IntDefault
	if cause == 0 {
		return 0
	}
	d.bus.Write32(hw.IntCause, ^cause)

	if cause&hw.IntTDMAErr != 0 {
		d.tdmaError()
	}
	if cause&hw.IntACCTDMA != 0 {
		d.metrics.intrDone.Inc(1)
	}
	return cause
}

var tdmaErrNames = []struct {
	bit  uint32
	name string
}{
	{hw.TDMAErrMiss, "miss"},
	{hw.TDMAErrDoubleHit, "double-hit"},
	{hw.TDMAErrBothHit, "both-hit"},
	{hw.TDMAErrData, "data"},
}

func tdmaErrString(cause uint32) string {
	var names []string
	for _, e := range tdmaErrNames {
		if cause&e.bit != 0 {
			names = append(names, e.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("%#x", cause)
	}
	return strings.Join(names, ",")
}

// tdmaError logs and clears a TDMA error. The batch it hit is left to the watchdog.
func (d *Device) tdmaError() {
	cause := d.bus.Read32(hw.TDMAErrCause)
	d.bus.Write32(hw.TDMAErrCause, ^cause)
	d.metrics.intrError.Inc(1)
	d.l.WithField("cause", tdmaErrString(cause)).
		WithField("current", fmt.Sprintf("%#x", d.bus.Read32(hw.TDMACurrent))).
		Error("TDMA error")
}

// complete finishes the running batch and starts the next one. The caller holds queueMu.
func (d *Device) complete() []*Request {
	d.watchdog.Stop()
	if !d.running {
		d.l.Warn("Completion interrupt with nothing dispatched")
		return nil
	}

	run := d.runQ
	d.runQ = nil
	d.running = false
	d.dispatchQueue()

	done := make([]*Request, 0, len(run))
	for _, p := range run {
		done = append(done, d.finishPacket(p, nil))
		d.deallocPacket(p)
	}
	updateMax(d.metrics.maxDone, len(done))
	return done
}

// timeout fails the running batch and resets the engine. The caller holds queueMu.
func (d *Device) timeout() []*Request {
	if !d.running {
		return nil
	}

	d.metrics.watchdogTimeout.Inc(1)
	d.l.WithField("packets", len(d.runQ)).
		WithField("current", fmt.Sprintf("%#x", d.bus.Read32(hw.TDMACurrent))).
		Error("Engine timed out, resetting")

	d.stopEngine()
	run := d.runQ
	d.runQ = nil
	d.running = false

	done := make([]*Request, 0, len(run))
	for _, p := range run {
		done = append(done, d.finishPacket(p, ErrTimeout))
		d.deallocPacket(p)
	}

	d.initEngine()
	d.lastSession = nil
	d.dispatchQueue()
	return done
}

// finishPacket copies the results back to the caller and records the outcome on the
// request. Nothing is copied back for a failed packet.
func (d *Device) finishPacket(p *packet, err error) *Request {
	req := p.req

	if err == nil && p.flags&(pktExtIV|pktVerify) != 0 {
		p.hdr.Unmarshal(p.region.Buf)
		if p.flags&pktVerify != 0 && p.hdr.Status&hw.StatusMACErr != 0 {
			err = fmt.Errorf("%w: MAC verification failed", ErrDevice)
		}
	}

	if err == nil {
		p.data.SyncForCPU()
		if p.flags&pktExtIV != 0 {
			copy(p.ivOut, p.hdr.IVExt[:len(p.ivOut)])
		}
		d.metrics.packetOK.Inc(1)
	} else {
		d.metrics.packetErr.Inc(1)
	}

	req.Err = err
	p.state = packetDone
	return req
}

func (d *Device) deliver(done []*Request) {
	for _, req := range done {
		req.Done(req)
	}
	if len(done) > 0 {
		d.unblock()
	}
}

func (d *Device) stopEngine() {
	d.bus.Write32(hw.ACCCommand, hw.ACCCommandStop)
	d.bus.Write32(hw.TDMAControl, 0)
}

// initEngine puts the engine into its power-on state with the interrupts the driver uses.
func (d *Device) initEngine() {
	d.bus.Write32(hw.TDMAControl, 0)
	for _, reg := range []uint32{hw.TDMACount, hw.TDMASrc, hw.TDMADst, hw.TDMACurrent, hw.TDMANext} {
		d.bus.Write32(reg, 0)
	}
	d.bus.Write32(hw.TDMAControl, hw.TDMADefaultControl)
	d.bus.Write32(hw.TDMAErrCause, 0)
	d.bus.Write32(hw.TDMAErrMask, hw.TDMAErrAll)

	d.bus.Write32(hw.ACCConfig, hw.ACCConfigPowerOn)
	d.bus.Write32(hw.ACCDesc, hw.DescOffset)

	d.bus.Write32(hw.IntCause, 0)
	d.bus.Write32(hw.IntMask, hw.IntDefault)
}

// Unblocked returns a channel that is closed the next time requests complete, which is when
// a caller turned away with ErrRetry should submit again. Take it before calling Submit.
func (d *Device) Unblocked() <-chan struct{} {
	d.unblockMu.Lock()
	defer d.unblockMu.Unlock()
	return d.unblockCh
}

func (d *Device) unblock() {
	d.unblockMu.Lock()
	defer d.unblockMu.Unlock()
	close(d.unblockCh)
	d.unblockCh = make(chan struct{})
}

// failAll fails every queued and running packet with err. The caller holds queueMu.
func (d *Device) failAll(err error) []*Request {
	pending := slices.Concat(d.runQ, d.waitQ)
	d.runQ, d.waitQ = nil, nil
	d.running = false

	done := make([]*Request, 0, len(pending))
	for _, p := range pending {
		done = append(done, d.finishPacket(p, err))
		d.deallocPacket(p)
	}
	return done
}
