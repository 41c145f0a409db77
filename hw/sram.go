package hw

import "encoding/binary"

// SRAM layout. All offsets are relative to the start of the SRAM window, which is also how
// the accelerator descriptor addresses them.
const (
	SRAMSize = 2048

	PacketHeaderOffset = 0x000
	DescOffset         = PacketHeaderOffset
	IVWorkOffset       = 0x020
	IVExtOffset        = 0x030
	StatusOffset       = 0x040
	PacketHeaderSize   = 0x050

	SessionHeaderOffset = 0x050
	KeyOffset           = SessionHeaderOffset
	KeyDOffset          = SessionHeaderOffset + 0x20
	MIVInOffset         = SessionHeaderOffset + 0x40
	MIVOutOffset        = SessionHeaderOffset + 0x60
	SessionHeaderSize   = 0x080

	PayloadOffset = 0x100
	PayloadSize   = SRAMSize - PayloadOffset

	KeySize   = 32
	IVSize    = 16
	MIVSize   = 32
	DescSize  = 32
	StatusLen = 4
)

// Status word bits written by the engine into the packet header after each activation.
const (
	StatusDone   uint32 = 1 << 0
	StatusMACErr uint32 = 1 << 1
)

// PayloadAddr converts a byte offset within a request buffer into its SRAM offset.
func PayloadAddr(off int) uint32 {
	return uint32(PayloadOffset + off)
}

// PacketHeader is the host copy of the per-packet part of SRAM.
type PacketHeader struct {
	Desc   AccDesc
	IVWork [IVSize]byte
	IVExt  [IVSize]byte
	Status uint32
}

// Marshal writes h into b using the SRAM layout. b must hold PacketHeaderSize bytes.
func (h *PacketHeader) Marshal(b []byte) {
	_ = b[PacketHeaderSize-1]
	h.Desc.Marshal(b[DescOffset:])
	copy(b[IVWorkOffset:], h.IVWork[:])
	copy(b[IVExtOffset:], h.IVExt[:])
	binary.LittleEndian.PutUint32(b[StatusOffset:], h.Status)
	clear(b[StatusOffset+StatusLen : PacketHeaderSize])
}

// Unmarshal reads h back from b.
func (h *PacketHeader) Unmarshal(b []byte) {
	_ = b[PacketHeaderSize-1]
	h.Desc.Unmarshal(b[DescOffset:])
	copy(h.IVWork[:], b[IVWorkOffset:])
	copy(h.IVExt[:], b[IVExtOffset:])
	h.Status = binary.LittleEndian.Uint32(b[StatusOffset:])
}

// SessionHeader is the host copy of the per-session part of SRAM: the forward key, the
// decrypt key and the precomputed HMAC inner and outer states.
type SessionHeader struct {
	Key    [KeySize]byte
	KeyD   [KeySize]byte
	MIVIn  [MIVSize]byte
	MIVOut [MIVSize]byte
}

func (h *SessionHeader) Marshal(b []byte) {
	_ = b[SessionHeaderSize-1]
	copy(b[KeyOffset-SessionHeaderOffset:], h.Key[:])
	copy(b[KeyDOffset-SessionHeaderOffset:], h.KeyD[:])
	copy(b[MIVInOffset-SessionHeaderOffset:], h.MIVIn[:])
	copy(b[MIVOutOffset-SessionHeaderOffset:], h.MIVOut[:])
}
