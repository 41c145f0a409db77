// Package hw describes the crypto engine as software sees it: the register window, the SRAM
// scratchpad layout, the accelerator descriptor format and the DMA memory the engine can
// reach.
package hw

import (
	"context"
	"errors"
)

// ErrBusClosed is returned by WaitInterrupt once the bus has been closed.
var ErrBusClosed = errors.New("bus closed")

// Bus is one engine instance. Register accesses are 32 bits wide and may be issued from any
// goroutine.
type Bus interface {
	Read32(reg uint32) uint32
	Write32(reg uint32, v uint32)

	// SRAM returns the bus address of the SRAM window, as used by TDMA descriptors.
	SRAM() uint32

	// Arena returns the DMA memory descriptors and bounce buffers are carved from.
	Arena() *Arena

	// WaitInterrupt blocks until the interrupt line fires, ctx is done or the bus is
	// closed.
	WaitInterrupt(ctx context.Context) error

	Close() error
}
