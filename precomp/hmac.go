package precomp

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"
)

const (
	ipadByte = 0x36
	opadByte = 0x5c

	// Marshaled hash states from the standard library start with a 4 byte magic, followed
	// by the big endian state words. They end with the big endian message length.
	stateMagicLen = 4
)

// HMACState returns the inner and outer HMAC states for key: the hash state after
// compressing exactly one block of key^ipad and key^opad respectively. Each state is the
// big endian encoding of the hash's state words, which is what the engine loads.
//
// Keys longer than the block size are hashed first.
func HMACState(newHash func() hash.Hash, key []byte) (inner, outer []byte, err error) {
	h := newHash()
	bs := h.BlockSize()

	if len(key) > bs {
		h.Write(key)
		key = h.Sum(nil)
		h.Reset()
	}

	ipad := make([]byte, bs)
	opad := make([]byte, bs)
	copy(ipad, key)
	copy(opad, key)
	for i := range ipad {
		ipad[i] ^= ipadByte
		opad[i] ^= opadByte
	}

	if inner, err = compress(h, ipad); err != nil {
		return nil, nil, err
	}
	h.Reset()
	if outer, err = compress(h, opad); err != nil {
		return nil, nil, err
	}
	return inner, outer, nil
}

func compress(h hash.Hash, block []byte) ([]byte, error) {
	h.Write(block)

	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("hash %T does not export its state", h)
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}

	state := make([]byte, h.Size())
	copy(state, b[stateMagicLen:])
	return state, nil
}

// Resume returns a hash that continues from a state produced by HMACState, as if the one
// block that produced it had just been written.
func Resume(newHash func() hash.Hash, state []byte) (hash.Hash, error) {
	h := newHash()
	if len(state) < h.Size() {
		return nil, fmt.Errorf("state of %d bytes is too short for %T", len(state), h)
	}

	m, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("hash %T does not export its state", h)
	}
	u, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("hash %T does not import its state", h)
	}

	b, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	copy(b[stateMagicLen:], state[:h.Size()])
	binary.BigEndian.PutUint64(b[len(b)-8:], uint64(h.BlockSize()))

	if err := u.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return h, nil
}
