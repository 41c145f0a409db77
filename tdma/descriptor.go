package tdma

import "encoding/binary"

// DescriptorSize is the number of bytes a [Descriptor] occupies in DMA memory.
const DescriptorSize = 16

const (
	ownBit    uint32 = 1 << 31
	countMask uint32 = 0xffff

	// MaxCopy is the largest byte count one descriptor can move.
	MaxCopy = int(countMask)
)

// Descriptor is one TDMA step. A non-zero count copies that many bytes from Src to Dst and
// carries the ownership bit. A zero count moves nothing and instead hands control to the
// accelerator, which processes the descriptor currently loaded in SRAM.
//
// In memory the fields are laid out little endian in the order count, src, dst, next.
type Descriptor struct {
	Count uint32
	Src   uint32
	Dst   uint32
	// Next is the bus address of the following descriptor, or 0 at the end of a chain.
	Next uint32
}

// Len is the number of bytes the descriptor copies.
func (d Descriptor) Len() int {
	return int(d.Count & countMask)
}

// Activation reports whether d is the accelerator activation sentinel.
func (d Descriptor) Activation() bool {
	return d.Count&countMask == 0
}

// Owned reports whether the descriptor is handed to the DMA engine.
func (d Descriptor) Owned() bool {
	return d.Count&ownBit != 0
}

func (d Descriptor) marshal(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], d.Count)
	binary.LittleEndian.PutUint32(b[4:], d.Src)
	binary.LittleEndian.PutUint32(b[8:], d.Dst)
	binary.LittleEndian.PutUint32(b[12:], d.Next)
}

// Decode reads a descriptor from its in-memory form.
func Decode(b []byte) Descriptor {
	_ = b[DescriptorSize-1]
	return Descriptor{
		Count: binary.LittleEndian.Uint32(b[0:]),
		Src:   binary.LittleEndian.Uint32(b[4:]),
		Dst:   binary.LittleEndian.Uint32(b[8:]),
		Next:  binary.LittleEndian.Uint32(b[12:]),
	}
}
