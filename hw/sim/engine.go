// Package sim is a software model of the crypto engine. It implements hw.Bus over an
// in-process DMA arena and SRAM: activations walk the TDMA chain, run the accelerator on each
// activation sentinel and raise the completion interrupt.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/tdma"
)

const (
	DRAMBase uint32 = 0x1000_0000
	SRAMBase uint32 = 0xF000_0000

	DefaultMemory = 1 << 20
)

var errFault = errors.New("injected fault")

// Engine is a simulated engine instance.
type Engine struct {
	l *logrus.Logger

	mu    sync.Mutex
	regs  map[uint32]uint32
	sram  [hw.SRAMSize]byte
	arena *hw.Arena

	irq       chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	paused  bool
	pending bool
	fault   bool

	activations int
	chains      []int
}

// New creates an engine with memory bytes of DMA memory.
func New(l *logrus.Logger, memory int) (*Engine, error) {
	if memory <= 0 {
		memory = DefaultMemory
	}

	arena, err := hw.NewArena(DRAMBase, make([]byte, memory), hw.DefaultChunkSize)
	if err != nil {
		return nil, err
	}

	return &Engine{
		l:      l,
		regs:   make(map[uint32]uint32),
		arena:  arena,
		irq:    make(chan struct{}, 1),
		closed: make(chan struct{}),
	}, nil
}

func (e *Engine) Read32(reg uint32) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regs[reg]
}

func (e *Engine) Write32(reg uint32, v uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch reg {
	case hw.IntCause, hw.TDMAErrCause:
		// Write zero to clear.
		e.regs[reg] &= v

	case hw.ACCCommand:
		if v&hw.ACCCommandStop != 0 {
			e.pending = false
			e.regs[hw.ACCStatus] &^= hw.ACCStatusActive
			return
		}
		if v&hw.ACCCommandAct != 0 {
			e.activate()
		}

	case hw.TDMAControl:
		e.regs[reg] = v
		if v&hw.TDMAEnable == 0 {
			e.pending = false
		}

	default:
		e.regs[reg] = v
	}
}

func (e *Engine) SRAM() uint32 {
	return SRAMBase
}

func (e *Engine) Arena() *hw.Arena {
	return e.arena
}

func (e *Engine) WaitInterrupt(ctx context.Context) error {
	select {
	case <-e.irq:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return hw.ErrBusClosed
	}
}

func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}

// Pause holds every activation until Resume, as if the engine were busy.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume runs a held activation, if the driver has not stopped it in the meantime.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	if e.pending {
		e.run()
	}
}

// InjectFault makes the next activation abort with a TDMA data error.
func (e *Engine) InjectFault() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fault = true
}

// Activations is the number of accelerator activation commands received.
func (e *Engine) Activations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activations
}

// Chains returns, for every chain run to completion, how many packets it carried.
func (e *Engine) Chains() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.chains...)
}

func (e *Engine) activate() {
	e.activations++
	e.regs[hw.ACCStatus] |= hw.ACCStatusActive
	if e.paused {
		e.pending = true
		return
	}
	e.run()
}

func (e *Engine) run() {
	e.pending = false
	defer func() { e.regs[hw.ACCStatus] &^= hw.ACCStatusActive }()

	if e.regs[hw.TDMAControl]&hw.TDMAEnable == 0 {
		e.l.Debug("sim: activation with TDMA disabled")
		return
	}

	if e.fault {
		e.fault = false
		e.raiseError(hw.TDMAErrData, errFault)
		return
	}

	packets := 0
	for addr := e.regs[hw.TDMANext]; addr != 0; {
		b, ok := e.resolve(addr, tdma.DescriptorSize)
		if !ok {
			e.raiseError(hw.TDMAErrMiss, fmt.Errorf("descriptor address %#x", addr))
			return
		}
		d := tdma.Decode(b)
		e.regs[hw.TDMACurrent] = addr

		if d.Activation() {
			if err := e.accelerate(); err != nil {
				e.raiseError(hw.TDMAErrData, err)
				return
			}
			packets++
		} else {
			src, ok := e.resolve(d.Src, d.Len())
			if !ok {
				e.raiseError(hw.TDMAErrMiss, fmt.Errorf("source address %#x+%d", d.Src, d.Len()))
				return
			}
			dst, ok := e.resolve(d.Dst, d.Len())
			if !ok {
				e.raiseError(hw.TDMAErrMiss, fmt.Errorf("destination address %#x+%d", d.Dst, d.Len()))
				return
			}
			copy(dst, src)
		}

		addr = d.Next
	}

	e.chains = append(e.chains, packets)
	if e.l.Level >= logrus.DebugLevel {
		e.l.WithField("packets", packets).Debug("sim: chain complete")
	}
	e.raise(hw.IntACCTDMA)
}

func (e *Engine) resolve(addr uint32, n int) ([]byte, bool) {
	if addr >= SRAMBase && uint64(addr-SRAMBase)+uint64(n) <= hw.SRAMSize {
		off := addr - SRAMBase
		return e.sram[off : off+uint32(n)], true
	}
	return e.arena.Resolve(addr, n)
}

func (e *Engine) raise(cause uint32) {
	e.regs[hw.IntCause] |= cause
	if e.regs[hw.IntMask]&cause == 0 {
		return
	}
	select {
	case e.irq <- struct{}{}:
	default:
	}
}

func (e *Engine) raiseError(cause uint32, err error) {
	e.l.WithError(err).WithField("cause", cause).Debug("sim: TDMA error")
	e.regs[hw.TDMAErrCause] |= cause
	if e.regs[hw.TDMAErrMask]&cause != 0 {
		e.raise(hw.IntTDMAErr)
	}
}
