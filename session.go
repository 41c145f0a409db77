package xpsec

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/precomp"
)

const (
	unitShift = 28
	slotMask  = 1<<unitShift - 1
	maxUnit   = 15
)

func sessionID(unit, slot int) uint32 {
	return uint32(unit)<<unitShift | uint32(slot)&slotMask
}

func splitSessionID(id uint32) (unit, slot int) {
	return int(id >> unitShift), int(id & slotMask)
}

// Session is the keyed state of one security association. Packets hold a reference to it,
// so it outlives FreeSession until the last of them completes.
type Session struct {
	id   uint32
	refs atomic.Int32
	dead atomic.Bool

	cipher Algorithm
	mac    Algorithm
	keyLen int
	iv     [hw.IVSize]byte

	header  hw.SessionHeader
	region  *hw.Region
	release func(*Session)
}

func (s *Session) ID() uint32 {
	return s.id
}

// ref takes a reference for a new packet. It fails once the session has been freed or its
// last reference is already gone.
func (s *Session) ref() error {
	for {
		if s.dead.Load() {
			return fmt.Errorf("%w: session %#x was freed", ErrSessionInvalid, s.id)
		}
		n := s.refs.Load()
		if n <= 0 {
			return fmt.Errorf("%w: session %#x is being released", ErrSessionInvalid, s.id)
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

func (s *Session) unref() {
	n := s.refs.Add(-1)
	switch {
	case n < 0:
		panic(fmt.Sprintf("session %#x released too many times", s.id))
	case n == 0:
		s.release(s)
	}
}

func (s *Session) setKey(k Key) error {
	switch {
	case k.Alg.IsCipher():
		if s.cipher != AlgNone {
			return fmt.Errorf("%w: second cipher %s for session with %s", ErrUnsupported, k.Alg, s.cipher)
		}
		return s.setCipher(k.Alg, k.Key)
	case k.Alg.IsMAC():
		if s.mac != AlgNone {
			return fmt.Errorf("%w: second MAC %s for session with %s", ErrUnsupported, k.Alg, s.mac)
		}
		return s.setMAC(k.Alg, k.Key)
	}
	return fmt.Errorf("%w: algorithm %d", ErrUnsupported, k.Alg)
}

func (s *Session) setCipher(alg Algorithm, key []byte) error {
	switch alg {
	case AlgDESCBC, Alg3DESCBC:
		want := 8
		if alg == Alg3DESCBC {
			want = 24
		}
		if len(key) != want {
			return fmt.Errorf("%w: %s key must be %d bytes, got %d", ErrInvalidArgument, alg, want, len(key))
		}
		copy(s.header.Key[:], key)
		copy(s.header.KeyD[:], key)

	case AlgAESCBC:
		dk, err := precomp.DecryptKey(key)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		copy(s.header.Key[:], key)
		copy(s.header.KeyD[:], dk)
	}

	if _, err := rand.Read(s.iv[:alg.BlockSize()]); err != nil {
		return err
	}
	s.cipher = alg
	s.keyLen = len(key)
	return nil
}

func (s *Session) setMAC(alg Algorithm, key []byte) error {
	inner, outer, err := precomp.HMACState(alg.newHash(), key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	copy(s.header.MIVIn[:], inner)
	copy(s.header.MIVOut[:], outer)
	s.mac = alg
	return nil
}

func (s *Session) cipherConfig() uint32 {
	switch s.cipher {
	case AlgDESCBC:
		return hw.ConfigCryptDES
	case Alg3DESCBC:
		return hw.ConfigCrypt3DES | hw.Config3DESEDE
	case AlgAESCBC:
		switch s.keyLen {
		case 24:
			return hw.ConfigCryptAES | hw.ConfigAES192
		case 32:
			return hw.ConfigCryptAES | hw.ConfigAES256
		}
		return hw.ConfigCryptAES | hw.ConfigAES128
	}
	return 0
}

// sessionPool recycles session objects together with their DMA header region.
type sessionPool struct {
	mu    sync.Mutex
	arena *hw.Arena
	free  []*Session
	hiwat int
}

func (p *sessionPool) get() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s *Session
	if n := len(p.free); n > 0 {
		s = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		r, err := p.arena.Alloc(hw.SessionHeaderSize)
		if err != nil {
			return nil, fmt.Errorf("%w: session header: %w", ErrResourceExhausted, err)
		}
		s = &Session{region: r}
	}

	s.refs.Store(1)
	s.dead.Store(false)
	return s, nil
}

func (p *sessionPool) put(s *Session) {
	s.cipher, s.mac, s.keyLen, s.id = AlgNone, AlgNone, 0, 0
	s.header = hw.SessionHeader{}
	clear(s.iv[:])
	clear(s.region.Buf)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) < p.hiwat {
		p.free = append(p.free, s)
		return
	}
	s.region.Free()
	s.region = nil
}

func (p *sessionPool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.free {
		s.region.Free()
		s.region = nil
	}
	p.free = nil
}

// NewSession creates a session holding at most one cipher and one MAC key and returns its
// id.
func (d *Device) NewSession(keys []Key) (uint32, error) {
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: no keys", ErrInvalidArgument)
	}
	if d.closed.Load() {
		return 0, ErrClosed
	}

	s, err := d.sessPool.get()
	if err != nil {
		return 0, err
	}
	s.release = d.releaseSession

	for _, k := range keys {
		if err := s.setKey(k); err != nil {
			d.sessPool.put(s)
			return 0, err
		}
	}
	s.header.Marshal(s.region.Buf)

	d.sessMu.Lock()
	defer d.sessMu.Unlock()

	if d.closed.Load() {
		d.sessPool.put(s)
		return 0, ErrClosed
	}
	if d.nsessions >= len(d.sessions) {
		d.sessPool.put(s)
		return 0, fmt.Errorf("%w: all %d sessions in use", ErrResourceExhausted, len(d.sessions))
	}

	slot := d.sessHint
	for d.sessions[slot] != nil {
		slot = (slot + 1) % len(d.sessions)
	}
	d.sessions[slot] = s
	d.sessHint = (slot + 1) % len(d.sessions)
	d.nsessions++
	s.id = sessionID(d.unit, slot)

	d.metrics.sessionNew.Inc(1)
	if d.l.Level >= logrus.DebugLevel {
		d.l.WithField("session", fmt.Sprintf("%#x", s.id)).
			WithField("cipher", s.cipher).
			WithField("mac", s.mac).
			Debug("Session created")
	}
	return s.id, nil
}

// FreeSession removes a session. Requests already accepted against it still complete.
func (d *Device) FreeSession(id uint32) error {
	unit, slot := splitSessionID(id)
	if unit != d.unit || slot >= d.maxSessions {
		return fmt.Errorf("%w: session id %#x does not belong to unit %d", ErrInvalidArgument, id, d.unit)
	}

	d.sessMu.Lock()
	s := d.sessions[slot]
	if s == nil {
		d.sessMu.Unlock()
		return fmt.Errorf("%w: %#x", ErrNotFound, id)
	}
	d.sessions[slot] = nil
	d.nsessions--
	s.dead.Store(true)

	// A recycled session object must not be mistaken for the one loaded in SRAM.
	d.queueMu.Lock()
	if d.lastSession == s {
		d.lastSession = nil
	}
	d.queueMu.Unlock()
	d.sessMu.Unlock()

	d.metrics.sessionFree.Inc(1)
	d.l.WithField("session", fmt.Sprintf("%#x", id)).Debug("Session freed")
	s.unref()
	return nil
}

// lookupSession finds a live session and takes a reference on it.
func (d *Device) lookupSession(id uint32) (*Session, error) {
	unit, slot := splitSessionID(id)
	if unit != d.unit || slot >= d.maxSessions {
		return nil, fmt.Errorf("%w: session id %#x", ErrSessionInvalid, id)
	}

	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	s := d.sessions[slot]
	if s == nil {
		return nil, fmt.Errorf("%w: session id %#x", ErrSessionInvalid, id)
	}
	if err := s.ref(); err != nil {
		return nil, err
	}
	return s, nil
}

func (d *Device) releaseSession(s *Session) {
	d.metrics.sessionRelease.Inc(1)
	d.sessPool.put(s)
}
