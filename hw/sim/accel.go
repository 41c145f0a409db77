package sim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/md5"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/precomp"
)

const mac96Len = 12

func (e *Engine) window(off uint32, n int) ([]byte, error) {
	if n < 0 || uint64(off)+uint64(n) > hw.SRAMSize {
		return nil, fmt.Errorf("SRAM access %#x+%d out of range", off, n)
	}
	return e.sram[off : off+uint32(n)], nil
}

// accelerate runs the descriptor loaded in SRAM and records the outcome in the status word.
func (e *Engine) accelerate() error {
	descOff := e.regs[hw.ACCDesc]
	b, err := e.window(descOff, hw.DescSize)
	if err != nil {
		return err
	}

	var d hw.AccDesc
	d.Unmarshal(b)

	status := hw.StatusDone
	switch d.Config & hw.ConfigOpMask {
	case hw.ConfigOpMACOnly:
		err = e.mac(&d, &status)
	case hw.ConfigOpCryptOnly:
		err = e.crypt(&d)
	case hw.ConfigOpMACCrypt:
		if err = e.mac(&d, &status); err == nil {
			err = e.crypt(&d)
		}
	case hw.ConfigOpCryptMAC:
		if err = e.crypt(&d); err == nil {
			err = e.mac(&d, &status)
		}
	}
	if err != nil {
		return err
	}

	if status&hw.StatusMACErr != 0 {
		e.regs[hw.ACCStatus] |= hw.ACCStatusMACErr
	}
	binary.LittleEndian.PutUint32(e.sram[descOff+hw.StatusOffset:], status)
	return nil
}

func (e *Engine) blockCipher(d *hw.AccDesc) (cipher.Block, error) {
	decrypt := d.Config&hw.ConfigDecrypt != 0

	switch d.Config & hw.ConfigCryptMask {
	case hw.ConfigCryptDES:
		key, err := e.window(d.EncKey, 8)
		if err != nil {
			return nil, err
		}
		return des.NewCipher(key)

	case hw.ConfigCrypt3DES:
		if d.Config&hw.Config3DESEDE == 0 {
			return nil, fmt.Errorf("3DES without EDE is not supported")
		}
		key, err := e.window(d.EncKey, 24)
		if err != nil {
			return nil, err
		}
		return des.NewTripleDESCipher(key)

	case hw.ConfigCryptAES:
		var n int
		switch d.Config & hw.ConfigAESMask {
		case hw.ConfigAES128:
			n = 16
		case hw.ConfigAES192:
			n = 24
		case hw.ConfigAES256:
			n = 32
		default:
			return nil, fmt.Errorf("bad AES key length selector %#x", d.Config&hw.ConfigAESMask)
		}
		key, err := e.window(d.EncKey, n)
		if err != nil {
			return nil, err
		}
		if decrypt {
			// The decrypt slot holds the end of the key schedule.
			if key, err = precomp.RecoverKey(key); err != nil {
				return nil, err
			}
		}
		return aes.NewCipher(key)
	}

	return nil, fmt.Errorf("bad cipher selector %#x", d.Config&hw.ConfigCryptMask)
}

func (e *Engine) crypt(d *hw.AccDesc) error {
	if d.Config&hw.ConfigCBC == 0 {
		return fmt.Errorf("only CBC mode is modelled")
	}

	c, err := e.blockCipher(d)
	if err != nil {
		return err
	}
	bs := c.BlockSize()

	src, dst := hw.Unpack16(d.EncData)
	n := int(d.EncLen)
	if n%bs != 0 {
		return fmt.Errorf("cipher length %d is not a multiple of %d", n, bs)
	}

	ivWork, ivBuf := hw.Unpack16(d.EncIV)
	work, err := e.window(ivWork, bs)
	if err != nil {
		return err
	}
	iv := append([]byte(nil), work...)

	// The IV the operation started from is left in the IV buffer.
	out, err := e.window(ivBuf, bs)
	if err != nil {
		return err
	}
	copy(out, iv)

	in, err := e.window(src, n)
	if err != nil {
		return err
	}
	res, err := e.window(dst, n)
	if err != nil {
		return err
	}

	if d.Config&hw.ConfigDecrypt != 0 {
		cipher.NewCBCDecrypter(c, iv).CryptBlocks(res, in)
	} else {
		cipher.NewCBCEncrypter(c, iv).CryptBlocks(res, in)
	}
	return nil
}

func (e *Engine) mac(d *hw.AccDesc, status *uint32) error {
	var newHash func() hash.Hash
	switch d.Config & hw.ConfigMACMask {
	case hw.ConfigMACHMACSHA1:
		newHash = sha1.New
	case hw.ConfigMACHMACMD5:
		newHash = md5.New
	default:
		return fmt.Errorf("bad MAC selector %#x", d.Config&hw.ConfigMACMask)
	}
	size := newHash().Size()

	start, total := hw.Unpack16(d.MACSrc)
	digestOff, _ := hw.Unpack16(d.MACDst)
	innerOff, outerOff := hw.Unpack16(d.MACIV)

	msg, err := e.window(start, int(total))
	if err != nil {
		return err
	}
	innerState, err := e.window(innerOff, size)
	if err != nil {
		return err
	}
	outerState, err := e.window(outerOff, size)
	if err != nil {
		return err
	}

	h, err := precomp.Resume(newHash, innerState)
	if err != nil {
		return err
	}
	h.Write(msg)
	sum := h.Sum(nil)

	if h, err = precomp.Resume(newHash, outerState); err != nil {
		return err
	}
	h.Write(sum)
	digest := h.Sum(nil)

	if d.Config&hw.ConfigMAC96 != 0 {
		digest = digest[:mac96Len]
	}

	out, err := e.window(digestOff, len(digest))
	if err != nil {
		return err
	}
	if d.Config&hw.ConfigMACVerify != 0 {
		if subtle.ConstantTimeCompare(out, digest) != 1 {
			*status |= hw.StatusMACErr
		}
		return nil
	}
	copy(out, digest)
	return nil
}
