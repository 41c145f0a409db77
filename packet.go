package xpsec

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/tdma"
)

type packetState uint8

const (
	packetAllocated packetState = iota
	packetBound
	packetBuilt
	packetQueued
	packetRunning
	packetDone
	packetRecycled
)

var packetStateNames = [...]string{
	packetAllocated: "allocated",
	packetBound:     "bound",
	packetBuilt:     "built",
	packetQueued:    "queued",
	packetRunning:   "running",
	packetDone:      "done",
	packetRecycled:  "recycled",
}

func (s packetState) String() string {
	if int(s) < len(packetStateNames) {
		return packetStateNames[s]
	}
	return "unknown"
}

type packetFlags uint8

const (
	pktCipher packetFlags = 1 << iota
	pktMAC
	pktDecrypt
	pktExtIV
	pktVerify
)

// packet is the driver side of one request: its SRAM header, its mapped buffer and the
// descriptor chain that moves both through the engine.
type packet struct {
	state packetState
	flags packetFlags
	sess  *Session
	req   *Request

	hdr    hw.PacketHeader
	region *hw.Region
	data   *hw.Map
	order  uint32
	chain  tdma.Chain

	encOff, encLen, encIVOff int
	macOff, macLen, macDst   int
	digestLen                int
	ivOut                    []byte
}

func (p *packet) reset() {
	region := p.region
	*p = packet{region: region}
	clear(region.Buf)
}

// allocPacket takes a packet from the free list. The caller holds queueMu and has already
// referenced s for it.
func (d *Device) allocPacket(s *Session, req *Request) (*packet, error) {
	var p *packet
	if n := len(d.freeList); n > 0 {
		p = d.freeList[n-1]
		d.freeList = d.freeList[:n-1]
	} else {
		r, err := d.arena.Alloc(hw.PacketHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("%w: packet header: %w", ErrResourceExhausted, err)
		}
		p = &packet{region: r}
	}

	p.state = packetAllocated
	p.sess = s
	p.req = req
	return p, nil
}

// deallocPacket is the only place a packet is torn down. It releases the descriptor chain,
// the buffer mapping and the session reference. The caller holds queueMu and not ringMu.
func (d *Device) deallocPacket(p *packet) {
	if p.chain.Len() > 0 {
		d.ringMu.Lock()
		d.ring.Release(&p.chain)
		d.ringMu.Unlock()
	}
	if p.data != nil {
		p.data.Unload()
	}

	s := p.sess
	p.reset()
	p.state = packetRecycled
	if len(d.freeList) <= d.waitQueue {
		d.freeList = append(d.freeList, p)
	} else {
		p.region.Free()
		p.region = nil
	}
	s.unref()
}

func (d *Device) bindBuffer(p *packet) error {
	buf := p.req.Buffer
	if n := buf.Len(); n > hw.PayloadSize {
		return fmt.Errorf("%w: %d byte buffer does not fit the %d byte payload window", ErrInvalidArgument, n, hw.PayloadSize)
	}

	m, err := d.arena.Load(buf.Segments())
	switch {
	case errors.Is(err, hw.ErrEmptyMapping):
		return fmt.Errorf("%w: empty buffer", ErrInvalidArgument)
	case err != nil:
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	m.SyncForDevice()

	p.data = m
	p.state = packetBound
	return nil
}

// parseRequest validates the ops against the session and the buffer and fills in the
// packet header.
func (d *Device) parseRequest(p *packet) error {
	ops := p.req.Ops
	if len(ops) == 0 {
		return fmt.Errorf("%w: no ops", ErrInvalidArgument)
	}
	if len(ops) > 2 {
		return fmt.Errorf("%w: %d ops", ErrUnsupported, len(ops))
	}

	for i := range ops {
		op := &ops[i]
		var err error
		switch {
		case op.Alg.IsMAC():
			err = d.parseMAC(p, op)
		case op.Alg.IsCipher():
			err = d.parseCipher(p, op)
		default:
			err = fmt.Errorf("%w: algorithm %d", ErrUnsupported, op.Alg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func inRange(off, n, size int) bool {
	return off >= 0 && n >= 0 && off+n <= size
}

func (d *Device) parseMAC(p *packet, op *Op) error {
	if p.flags&pktMAC != 0 {
		return fmt.Errorf("%w: more than one MAC op", ErrUnsupported)
	}
	if op.Alg != p.sess.mac {
		return fmt.Errorf("%w: session has no %s key", ErrInvalidArgument, op.Alg)
	}

	size := p.data.Len()
	n := op.Alg.DigestLen()
	if op.Len <= 0 || !inRange(op.Skip, op.Len, size) || !inRange(op.Inject, n, size) {
		return fmt.Errorf("%w: %s range skip=%d len=%d inject=%d outside %d byte buffer", ErrInvalidArgument, op.Alg, op.Skip, op.Len, op.Inject, size)
	}

	if p.flags&pktCipher != 0 {
		p.order = hw.ConfigOpCryptMAC
	} else {
		p.order = hw.ConfigOpMACOnly
	}
	p.flags |= pktMAC
	if op.Verify {
		p.flags |= pktVerify
	}
	p.macOff, p.macLen, p.macDst, p.digestLen = op.Skip, op.Len, op.Inject, n
	return nil
}

func (d *Device) parseCipher(p *packet, op *Op) error {
	if p.flags&pktCipher != 0 {
		return fmt.Errorf("%w: more than one cipher op", ErrUnsupported)
	}
	if op.Alg != p.sess.cipher {
		return fmt.Errorf("%w: session has no %s key", ErrInvalidArgument, op.Alg)
	}

	size := p.data.Len()
	bs := op.Alg.BlockSize()
	if op.Len <= 0 || op.Len%bs != 0 || !inRange(op.Skip, op.Len, size) {
		return fmt.Errorf("%w: %s range skip=%d len=%d in %d byte buffer", ErrInvalidArgument, op.Alg, op.Skip, op.Len, size)
	}

	switch {
	case op.IV != nil:
		if len(op.IV) != bs {
			return fmt.Errorf("%w: %d byte IV for %s", ErrInvalidArgument, len(op.IV), op.Alg)
		}
		copy(p.hdr.IVWork[:], op.IV)
		copy(p.hdr.IVExt[:], op.IV)
		p.ivOut = op.IV
		p.flags |= pktExtIV

	case !inRange(op.Inject, bs, size):
		return fmt.Errorf("%w: IV at %d outside %d byte buffer", ErrInvalidArgument, op.Inject, size)

	case op.Encrypt && !op.IVPresent:
		if d.reuseSessionIV {
			copy(p.hdr.IVWork[:bs], p.sess.iv[:bs])
		} else if _, err := rand.Read(p.hdr.IVWork[:bs]); err != nil {
			return err
		}
		p.encIVOff = op.Inject

	default:
		if _, err := p.req.Buffer.ReadAt(p.hdr.IVWork[:bs], int64(op.Inject)); err != nil {
			return fmt.Errorf("%w: reading IV: %w", ErrInvalidArgument, err)
		}
		p.encIVOff = op.Inject
	}

	if p.flags&pktMAC != 0 {
		p.order = hw.ConfigOpMACCrypt
	} else {
		p.order = hw.ConfigOpCryptOnly
	}
	p.flags |= pktCipher
	if !op.Encrypt {
		p.flags |= pktDecrypt
	}
	p.encOff, p.encLen = op.Skip, op.Len
	return nil
}

// finalizeHeader writes the accelerator descriptor and marshals the header into its DMA
// region.
func (p *packet) finalizeHeader() {
	desc := &p.hdr.Desc
	*desc = hw.AccDesc{Config: p.order}

	if p.flags&pktCipher != 0 {
		desc.Config |= p.sess.cipherConfig() | hw.ConfigCBC
		desc.EncKey = hw.KeyOffset
		if p.flags&pktDecrypt != 0 {
			desc.Config |= hw.ConfigDecrypt
			desc.EncKey = hw.KeyDOffset
		}
		desc.EncData = hw.Pack16(hw.PayloadAddr(p.encOff), hw.PayloadAddr(p.encOff))
		desc.EncLen = uint32(p.encLen)

		ivBuf := uint32(hw.IVExtOffset)
		if p.flags&pktExtIV == 0 {
			ivBuf = hw.PayloadAddr(p.encIVOff)
		}
		desc.EncIV = hw.Pack16(hw.IVWorkOffset, ivBuf)
	}

	if p.flags&pktMAC != 0 {
		desc.Config |= p.sess.mac.macConfig()
		if p.flags&pktVerify != 0 {
			desc.Config |= hw.ConfigMACVerify
		}
		desc.MACSrc = hw.Pack16(hw.PayloadAddr(p.macOff), uint32(p.macLen))
		desc.MACDst = hw.Pack16(hw.PayloadAddr(p.macDst), uint32(p.digestLen))
		desc.MACIV = hw.Pack16(hw.MIVInOffset, hw.MIVOutOffset)
	}

	p.hdr.Status = 0
	p.hdr.Marshal(p.region.Buf)
}

// payloadStart is the lowest buffer offset the engine touches. Only the buffer from there on
// is copied through SRAM.
func (p *packet) payloadStart() int {
	start := p.data.Len()
	if p.flags&pktCipher != 0 {
		start = min(start, p.encOff)
		if p.flags&pktExtIV == 0 {
			start = min(start, p.encIVOff)
		}
	}
	if p.flags&pktMAC != 0 {
		start = min(start, p.macOff, p.macDst)
	}
	return start
}

// maxPacketDescriptors is the longest chain buildChain emits for one packet: header and
// session in, payload in, activation, payload out, header out.
const maxPacketDescriptors = 6

// buildChain appends the packet's descriptors to the ring: header in, session in when it is
// not already loaded, payload in, activation, payload out and header out when the host
// needs it back. The caller holds queueMu and ringMu.
func (d *Device) buildChain(p *packet) error {
	sram := d.bus.SRAM()
	c := &p.chain

	err := d.ring.Copy(c, sram+hw.PacketHeaderOffset, p.region.Addr, hw.PacketHeaderSize)
	if err == nil && d.lastSession != p.sess {
		err = d.ring.Copy(c, sram+hw.SessionHeaderOffset, p.sess.region.Addr, hw.SessionHeaderSize)
	}
	start := p.payloadStart()
	if err == nil {
		err = d.copyPayload(p, start, true)
	}
	if err == nil {
		err = d.ring.Activate(c)
	}
	if err == nil {
		err = d.copyPayload(p, start, false)
	}
	if err == nil && p.flags&(pktExtIV|pktVerify) != 0 {
		err = d.ring.Copy(c, p.region.Addr, sram+hw.PacketHeaderOffset, hw.PacketHeaderSize)
	}

	if err != nil {
		d.ring.Unbuild(c)
		d.metrics.ringExhausted.Inc(1)
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	d.lastSession = p.sess
	p.state = packetBuilt
	return nil
}

func (d *Device) copyPayload(p *packet, start int, toDevice bool) error {
	base := d.bus.SRAM() + hw.PayloadOffset
	pos := 0
	for _, seg := range p.data.Segments() {
		end := pos + seg.Len
		if end <= start {
			pos = end
			continue
		}
		skip := max(start-pos, 0)
		host := seg.Addr + uint32(skip)
		dev := base + uint32(pos+skip)
		n := seg.Len - skip

		var err error
		if toDevice {
			err = d.ring.Copy(&p.chain, dev, host, n)
		} else {
			err = d.ring.Copy(&p.chain, host, dev, n)
		}
		if err != nil {
			return err
		}
		pos = end
	}
	return nil
}
