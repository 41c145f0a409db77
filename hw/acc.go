package hw

import "encoding/binary"

// Accelerator descriptor config bits.
const (
	ConfigOpMACOnly   uint32 = 0
	ConfigOpCryptOnly uint32 = 1
	ConfigOpMACCrypt  uint32 = 2
	ConfigOpCryptMAC  uint32 = 3
	ConfigOpMask      uint32 = 3

	ConfigMACMD5      uint32 = 4 << 4
	ConfigMACSHA1     uint32 = 5 << 4
	ConfigMACHMACMD5  uint32 = 6 << 4
	ConfigMACHMACSHA1 uint32 = 7 << 4
	ConfigMACMask     uint32 = 7 << 4
	ConfigMAC96       uint32 = 1 << 7

	ConfigCryptDES  uint32 = 1 << 8
	ConfigCrypt3DES uint32 = 2 << 8
	ConfigCryptAES  uint32 = 3 << 8
	ConfigCryptMask uint32 = 3 << 8

	ConfigDecrypt uint32 = 1 << 12
	ConfigCBC     uint32 = 1 << 16
	Config3DESEDE uint32 = 1 << 20

	ConfigAES128  uint32 = 0 << 24
	ConfigAES192  uint32 = 1 << 24
	ConfigAES256  uint32 = 2 << 24
	ConfigAESMask uint32 = 3 << 24

	ConfigMACVerify uint32 = 1 << 28
)

// AccDesc is the accelerator descriptor. Every offset it carries is SRAM-relative and
// 16 bits wide; pairs are packed low|high<<16.
type AccDesc struct {
	Config  uint32
	EncData uint32 // src | dst<<16
	EncLen  uint32
	EncKey  uint32
	EncIV   uint32 // working IV | IV buffer<<16
	MACSrc  uint32 // start | length<<16
	MACDst  uint32 // digest | digest length<<16
	MACIV   uint32 // inner state | outer state<<16
}

func Pack16(lo, hi uint32) uint32 {
	return lo&0xffff | hi<<16
}

func Unpack16(v uint32) (lo, hi uint32) {
	return v & 0xffff, v >> 16
}

func (d *AccDesc) words() [8]*uint32 {
	return [8]*uint32{&d.Config, &d.EncData, &d.EncLen, &d.EncKey, &d.EncIV, &d.MACSrc, &d.MACDst, &d.MACIV}
}

// Marshal writes the descriptor little endian into b.
func (d *AccDesc) Marshal(b []byte) {
	for i, w := range d.words() {
		binary.LittleEndian.PutUint32(b[i*4:], *w)
	}
}

func (d *AccDesc) Unmarshal(b []byte) {
	for i, w := range d.words() {
		*w = binary.LittleEndian.Uint32(b[i*4:])
	}
}
