// Package tdma manages the bounded ring of TDMA descriptors that the engine walks, and the
// chains built from it.
package tdma

import (
	"errors"
	"fmt"

	"github.com/slackhq/xpsec/hw"
)

// ErrRingFull is returned when every descriptor of the ring is outstanding.
var ErrRingFull = errors.New("no free descriptors, ring is full")

// Ring is a fixed array of descriptors in DMA memory. Slots are handed out in order from the
// producer cursor and returned in the same order through the consumer cursor, so the
// outstanding slots always form one contiguous (wrapping) run.
//
// A Ring does no locking of its own; callers serialize access.
type Ring struct {
	region *hw.Region
	size   int
	mask   int

	prod        int
	cons        int
	outstanding int
}

// NewRing allocates a ring of size descriptors from the arena.
func NewRing(a *hw.Arena, size int) (*Ring, error) {
	if err := CheckRingSize(size); err != nil {
		return nil, err
	}

	region, err := a.Alloc(size * DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("allocate descriptor ring: %w", err)
	}

	return &Ring{
		region: region,
		size:   size,
		mask:   size - 1,
	}, nil
}

// Close releases the ring memory. The ring must not be used afterwards.
func (r *Ring) Close() {
	if r.region != nil {
		r.region.Free()
		r.region = nil
	}
}

// Size is the capacity of the ring.
func (r *Ring) Size() int {
	return r.size
}

// Outstanding is the number of slots allocated and not yet freed.
func (r *Ring) Outstanding() int {
	return r.outstanding
}

// Addr returns the bus address of a slot.
func (r *Ring) Addr(slot int) uint32 {
	return r.region.Addr + uint32(slot*DescriptorSize)
}

func (r *Ring) bytes(slot int) []byte {
	off := slot * DescriptorSize
	return r.region.Buf[off : off+DescriptorSize]
}

// Alloc claims the next free slot.
func (r *Ring) Alloc() (int, error) {
	if r.outstanding == r.size {
		return 0, ErrRingFull
	}

	slot := r.prod
	r.prod = (r.prod + 1) & r.mask
	r.outstanding++
	return slot, nil
}

// Free returns the n oldest outstanding slots.
func (r *Ring) Free(n int) {
	if n < 0 || n > r.outstanding {
		panic(fmt.Sprintf("freeing %d descriptors with %d outstanding", n, r.outstanding))
	}
	r.cons = (r.cons + n) & r.mask
	r.outstanding -= n
}

// Unwind returns the n most recently allocated slots.
func (r *Ring) Unwind(n int) {
	if n < 0 || n > r.outstanding {
		panic(fmt.Sprintf("unwinding %d descriptors with %d outstanding", n, r.outstanding))
	}
	r.prod = (r.prod - n) & r.mask
	r.outstanding -= n
}

// Setup writes a descriptor copying n bytes from src to dst. An n of 0 writes the
// accelerator activation sentinel instead. The descriptor starts out terminal.
func (r *Ring) Setup(slot int, dst, src uint32, n int) {
	if n < 0 || n > MaxCopy {
		panic(fmt.Sprintf("descriptor length %d out of range", n))
	}

	d := Descriptor{Src: src, Dst: dst}
	if n > 0 {
		d.Count = uint32(n) | ownBit
	}
	d.marshal(r.bytes(slot))
}

// Concat links slot a to slot b.
func (r *Ring) Concat(a, b int) {
	r.setNext(a, r.Addr(b))
}

// Finalize terminates the chain at slot.
func (r *Ring) Finalize(slot int) {
	r.setNext(slot, 0)
}

func (r *Ring) setNext(slot int, next uint32) {
	d := Decode(r.bytes(slot))
	d.Next = next
	d.marshal(r.bytes(slot))
}

// Descriptor returns a copy of the descriptor in slot.
func (r *Ring) Descriptor(slot int) Descriptor {
	return Decode(r.bytes(slot))
}
