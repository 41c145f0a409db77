// Package esp frames tunnel-mode ESP (RFC 4303) packets for the engine. It lays out the
// outer IPv4 header, the ESP header and trailer, and turns them into the cipher and MAC
// operations a xpsec.Request needs. The engine does the cryptography.
package esp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/xpsec"
)

const (
	ipv4HeaderLen = 20
	headerLen     = 8 // SPI and sequence number
	trailerLen    = 2 // pad length and next header
)

var (
	ErrMalformed    = errors.New("malformed ESP packet")
	ErrSPIMismatch  = errors.New("ESP packet is for another SA")
	ErrBadPadding   = errors.New("ESP padding check failed")
	ErrSeqExhausted = errors.New("ESP sequence number space exhausted")
)

// SA is one direction of a security association bound to an engine session.
type SA struct {
	SPI     uint32
	Src     net.IP
	Dst     net.IP
	Session uint64

	Cipher xpsec.Algorithm
	MAC    xpsec.Algorithm

	seq atomic.Uint32
}

// SetSeq sets the last sequence number used, so the next packet carries seq+1.
func (sa *SA) SetSeq(seq uint32) {
	sa.seq.Store(seq)
}

func (sa *SA) check() error {
	if !sa.Cipher.IsCipher() || !sa.MAC.IsMAC() {
		return fmt.Errorf("%w: SA needs a cipher and a MAC, have %s and %s", xpsec.ErrInvalidArgument, sa.Cipher, sa.MAC)
	}
	return nil
}

// Packet is an ESP packet with the operations that complete it.
type Packet struct {
	Buf xpsec.Contiguous
	Ops []xpsec.Op
	Seq uint32

	// Offset and length of the encrypted part, from the end of the IV to the ICV.
	ctOff int
	ctLen int
}

// Request wraps p for submission. The session is filled in when dispatching.
func (p *Packet) Request(done func(*xpsec.Request)) *xpsec.Request {
	return &xpsec.Request{
		Ops:    p.Ops,
		Buffer: p.Buf,
		Done:   done,
		Opaque: p,
	}
}

// Encapsulate builds the outbound packet carrying payload. The IV, ciphertext and ICV are
// written by the engine when the returned request runs.
func (sa *SA) Encapsulate(payload []byte, next layers.IPProtocol) (*Packet, error) {
	if err := sa.check(); err != nil {
		return nil, err
	}

	seq := sa.seq.Add(1)
	if seq == 0 {
		sa.seq.Store(^uint32(0))
		return nil, ErrSeqExhausted
	}

	bs := sa.Cipher.BlockSize()
	icv := sa.MAC.DigestLen()
	padLen := (bs - (len(payload)+trailerLen)%bs) % bs
	ctLen := len(payload) + padLen + trailerLen

	body := make([]byte, headerLen+bs+ctLen+icv)
	binary.BigEndian.PutUint32(body[0:], sa.SPI)
	binary.BigEndian.PutUint32(body[4:], seq)

	ct := body[headerLen+bs : headerLen+bs+ctLen]
	n := copy(ct, payload)
	for i := range padLen {
		ct[n+i] = byte(i + 1)
	}
	ct[ctLen-2] = byte(padLen)
	ct[ctLen-1] = byte(next)

	ip := layers.IPv4{
		Version:  4,
		IHL:      ipv4HeaderLen / 4,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolESP,
		SrcIP:    sa.Src,
		DstIP:    sa.Dst,
	}

	buffer := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buffer, opt, &ip, gopacket.Payload(body)); err != nil {
		return nil, fmt.Errorf("serialize ESP packet: %w", err)
	}

	espOff := ipv4HeaderLen
	ivOff := espOff + headerLen
	ctOff := ivOff + bs
	return &Packet{
		Buf: xpsec.Contiguous(buffer.Bytes()),
		Ops: []xpsec.Op{
			{Alg: sa.Cipher, Encrypt: true, Skip: ctOff, Len: ctLen, Inject: ivOff},
			{Alg: sa.MAC, Skip: espOff, Len: headerLen + bs + ctLen, Inject: ctOff + ctLen},
		},
		Seq:   seq,
		ctOff: ctOff,
		ctLen: ctLen,
	}, nil
}

// Decapsulate parses an inbound IPv4/ESP packet and returns it with the operations that
// verify its ICV and then decrypt it in place. The packet bytes are copied.
func (sa *SA) Decapsulate(b []byte) (*Packet, error) {
	if err := sa.check(); err != nil {
		return nil, err
	}

	buf := make(xpsec.Contiguous, len(b))
	copy(buf, b)

	pkt := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.DecodeOptions{NoCopy: true, Lazy: true})
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, fmt.Errorf("%w: no IPv4 header", ErrMalformed)
	}
	if ip.Protocol != layers.IPProtocolESP {
		return nil, fmt.Errorf("%w: IP protocol %s", ErrMalformed, ip.Protocol)
	}
	esp, ok := pkt.Layer(layers.LayerTypeIPSecESP).(*layers.IPSecESP)
	if !ok {
		if e := pkt.ErrorLayer(); e != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, e.Error())
		}
		return nil, fmt.Errorf("%w: no ESP header", ErrMalformed)
	}
	if esp.SPI != sa.SPI {
		return nil, fmt.Errorf("%w: SPI %#x", ErrSPIMismatch, esp.SPI)
	}

	bs := sa.Cipher.BlockSize()
	icv := sa.MAC.DigestLen()
	ctLen := len(esp.Encrypted) - bs - icv
	if ctLen < bs || ctLen%bs != 0 {
		return nil, fmt.Errorf("%w: %d encrypted bytes do not fit %d byte blocks", ErrMalformed, len(esp.Encrypted), bs)
	}

	espOff := int(ip.IHL) * 4
	if espOff+headerLen+len(esp.Encrypted) > len(buf) {
		return nil, fmt.Errorf("%w: truncated", ErrMalformed)
	}
	ivOff := espOff + headerLen
	ctOff := ivOff + bs
	return &Packet{
		Buf: buf[:espOff+headerLen+len(esp.Encrypted)],
		Ops: []xpsec.Op{
			{Alg: sa.MAC, Skip: espOff, Len: headerLen + bs + ctLen, Inject: ctOff + ctLen, Verify: true},
			{Alg: sa.Cipher, Skip: ctOff, Len: ctLen, Inject: ivOff},
		},
		Seq:   esp.Seq,
		ctOff: ctOff,
		ctLen: ctLen,
	}, nil
}

// Open returns the inner payload and its protocol once a decapsulated packet has been
// decrypted. The payload aliases p.Buf.
func (p *Packet) Open() ([]byte, layers.IPProtocol, error) {
	if p.ctLen < trailerLen {
		return nil, 0, fmt.Errorf("%w: no trailer", ErrMalformed)
	}
	ct := p.Buf[p.ctOff : p.ctOff+p.ctLen]
	next := layers.IPProtocol(ct[len(ct)-1])
	padLen := int(ct[len(ct)-2])
	if padLen+trailerLen > len(ct) {
		return nil, 0, fmt.Errorf("%w: pad length %d", ErrBadPadding, padLen)
	}

	end := len(ct) - trailerLen - padLen
	for i, b := range ct[end : len(ct)-trailerLen] {
		if b != byte(i+1) {
			return nil, 0, ErrBadPadding
		}
	}
	return ct[:end], next, nil
}
