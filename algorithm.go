package xpsec

import (
	"crypto/md5"
	"crypto/sha1"
	"hash"

	"github.com/slackhq/xpsec/hw"
)

// Algorithm identifies a cipher or MAC the engine implements.
type Algorithm uint8

const (
	AlgNone Algorithm = iota
	AlgDESCBC
	Alg3DESCBC
	AlgAESCBC
	AlgMD5HMAC
	AlgSHA1HMAC
	AlgMD5HMAC96
	AlgSHA1HMAC96
)

// Algorithms lists everything the engine can do.
var Algorithms = []Algorithm{
	AlgDESCBC, Alg3DESCBC, AlgAESCBC,
	AlgMD5HMAC, AlgSHA1HMAC, AlgMD5HMAC96, AlgSHA1HMAC96,
}

var algorithmNames = map[Algorithm]string{
	AlgNone:       "none",
	AlgDESCBC:     "des-cbc",
	Alg3DESCBC:    "3des-cbc",
	AlgAESCBC:     "aes-cbc",
	AlgMD5HMAC:    "hmac-md5",
	AlgSHA1HMAC:   "hmac-sha1",
	AlgMD5HMAC96:  "hmac-md5-96",
	AlgSHA1HMAC96: "hmac-sha1-96",
}

func (a Algorithm) String() string {
	if n, ok := algorithmNames[a]; ok {
		return n
	}
	return "unknown"
}

func (a Algorithm) IsCipher() bool {
	return a == AlgDESCBC || a == Alg3DESCBC || a == AlgAESCBC
}

func (a Algorithm) IsMAC() bool {
	return a >= AlgMD5HMAC && a <= AlgSHA1HMAC96
}

// BlockSize is the cipher block size, which is also its IV length.
func (a Algorithm) BlockSize() int {
	switch a {
	case AlgDESCBC, Alg3DESCBC:
		return 8
	case AlgAESCBC:
		return 16
	}
	return 0
}

// DigestLen is the number of MAC bytes written or verified.
func (a Algorithm) DigestLen() int {
	switch a {
	case AlgMD5HMAC:
		return md5.Size
	case AlgSHA1HMAC:
		return sha1.Size
	case AlgMD5HMAC96, AlgSHA1HMAC96:
		return 12
	}
	return 0
}

func (a Algorithm) newHash() func() hash.Hash {
	switch a {
	case AlgMD5HMAC, AlgMD5HMAC96:
		return md5.New
	case AlgSHA1HMAC, AlgSHA1HMAC96:
		return sha1.New
	}
	return nil
}

func (a Algorithm) macConfig() uint32 {
	switch a {
	case AlgMD5HMAC:
		return hw.ConfigMACHMACMD5
	case AlgMD5HMAC96:
		return hw.ConfigMACHMACMD5 | hw.ConfigMAC96
	case AlgSHA1HMAC:
		return hw.ConfigMACHMACSHA1
	case AlgSHA1HMAC96:
		return hw.ConfigMACHMACSHA1 | hw.ConfigMAC96
	}
	return 0
}
