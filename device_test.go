package xpsec

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"hash"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/slackhq/xpsec/hw"
	"github.com/slackhq/xpsec/hw/sim"
	"github.com/slackhq/xpsec/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testMACKey = []byte("authentication key 20")
	testPlain  = bytes.Repeat([]byte("sixteen byte blk"), 4)
)

type testDevice struct {
	*Device
	engine   *sim.Engine
	registry metrics.Registry
	logs     *logtest.Hook
}

func newTestDevice(t *testing.T, options ...Option) *testDevice {
	t.Helper()
	l, logs := test.NewLoggerWithHook()

	e, err := sim.New(l, 0)
	require.NoError(t, err)

	r := metrics.NewRegistry()
	d, err := New(l, e, append([]Option{WithMetrics(r)}, options...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, d.Close())
		assert.NoError(t, e.Close())
	})

	return &testDevice{Device: d, engine: e, registry: r, logs: logs}
}

func (d *testDevice) count(name string) int64 {
	return d.registry.Get(name).(metrics.Counter).Count()
}

// start submits req and returns a channel closed once it completes.
func (d *testDevice) start(t *testing.T, req *Request) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	req.Done = func(*Request) { close(done) }
	require.NoError(t, d.Submit(req))
	return done
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
}

func (d *testDevice) run(t *testing.T, req *Request) error {
	t.Helper()
	wait(t, d.start(t, req))
	return req.Err
}

func cbcEncrypt(t *testing.T, b cipher.Block, iv, plain []byte) []byte {
	t.Helper()
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(out, plain)
	return out
}

func hmacSum(newHash func() hash.Hash, key, msg []byte, n int) []byte {
	m := hmac.New(newHash, key)
	m.Write(msg)
	return m.Sum(nil)[:n]
}

// espLayout is IV | payload | digest with the cipher covering the payload and the MAC
// covering IV and ciphertext.
func espOps(cipherAlg, macAlg Algorithm, encrypt bool) []Op {
	bs := cipherAlg.BlockSize()
	c := Op{Alg: cipherAlg, Encrypt: encrypt, Skip: bs, Len: len(testPlain), Inject: 0}
	m := Op{Alg: macAlg, Skip: 0, Len: bs + len(testPlain), Inject: bs + len(testPlain), Verify: !encrypt}
	if encrypt {
		return []Op{c, m}
	}
	return []Op{m, c}
}

func espBuffer(cipherAlg, macAlg Algorithm) Contiguous {
	bs := cipherAlg.BlockSize()
	b := make(Contiguous, bs+len(testPlain)+macAlg.DigestLen())
	copy(b[bs:], testPlain)
	return b
}

func TestDevice_EncryptThenMAC(t *testing.T) {
	tests := []struct {
		name      string
		cipher    Algorithm
		key       []byte
		newCipher func([]byte) (cipher.Block, error)
		mac       Algorithm
		newHash   func() hash.Hash
	}{
		{"aes128-sha1-96", AlgAESCBC, bytes.Repeat([]byte{1}, 16), aes.NewCipher, AlgSHA1HMAC96, sha1.New},
		{"aes192-sha1", AlgAESCBC, bytes.Repeat([]byte{2}, 24), aes.NewCipher, AlgSHA1HMAC, sha1.New},
		{"aes256-md5-96", AlgAESCBC, bytes.Repeat([]byte{3}, 32), aes.NewCipher, AlgMD5HMAC96, md5.New},
		{"des-md5", AlgDESCBC, []byte("8bytekey"), des.NewCipher, AlgMD5HMAC, md5.New},
		{"3des-sha1-96", Alg3DESCBC, []byte("0123456789abcdefghijklmn"), des.NewTripleDESCipher, AlgSHA1HMAC96, sha1.New},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t)
			sid, err := d.NewSession([]Key{{Alg: tt.cipher, Key: tt.key}, {Alg: tt.mac, Key: testMACKey}})
			require.NoError(t, err)

			buf := espBuffer(tt.cipher, tt.mac)
			require.NoError(t, d.run(t, &Request{Session: sid, Ops: espOps(tt.cipher, tt.mac, true), Buffer: buf}))

			bs := tt.cipher.BlockSize()
			block, err := tt.newCipher(tt.key)
			require.NoError(t, err)
			iv := buf[:bs]
			assert.NotEqual(t, make([]byte, bs), []byte(iv), "IV was not written")
			assert.Equal(t, cbcEncrypt(t, block, iv, testPlain), []byte(buf[bs:bs+len(testPlain)]))

			digest := hmacSum(tt.newHash, testMACKey, buf[:bs+len(testPlain)], tt.mac.DigestLen())
			assert.Equal(t, digest, []byte(buf[bs+len(testPlain):]))

			// And back again.
			require.NoError(t, d.run(t, &Request{Session: sid, Ops: espOps(tt.cipher, tt.mac, false), Buffer: buf}))
			assert.Equal(t, testPlain, []byte(buf[bs:bs+len(testPlain)]))

			assert.EqualValues(t, 2, d.count("packet.ok"))
			assert.Zero(t, d.Stats().Descriptors)
		})
	}
}

func TestDevice_VerifyFailure(t *testing.T) {
	d := newTestDevice(t)
	sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: make([]byte, 16)}, {Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)

	buf := espBuffer(AlgAESCBC, AlgSHA1HMAC96)
	require.NoError(t, d.run(t, &Request{Session: sid, Ops: espOps(AlgAESCBC, AlgSHA1HMAC96, true), Buffer: buf}))

	buf[20] ^= 0xff
	tampered := append([]byte(nil), buf...)

	err = d.run(t, &Request{Session: sid, Ops: espOps(AlgAESCBC, AlgSHA1HMAC96, false), Buffer: buf})
	require.ErrorIs(t, err, ErrDevice)
	assert.Equal(t, tampered, []byte(buf), "a failed request must not write back")
	assert.EqualValues(t, 1, d.count("packet.err"))
}

func TestDevice_ExplicitIV(t *testing.T) {
	d := newTestDevice(t)
	key := bytes.Repeat([]byte{9}, 16)
	sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: key}})
	require.NoError(t, err)

	iv := bytes.Repeat([]byte{0xa5}, 16)
	ivCopy := append([]byte(nil), iv...)
	buf := append(Contiguous(nil), testPlain...)

	op := Op{Alg: AlgAESCBC, Encrypt: true, Len: len(buf), IV: iv}
	require.NoError(t, d.run(t, &Request{Session: sid, Ops: []Op{op}, Buffer: buf}))

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	assert.Equal(t, cbcEncrypt(t, block, ivCopy, testPlain), []byte(buf))
	assert.Equal(t, ivCopy, iv)

	op.Encrypt = false
	require.NoError(t, d.run(t, &Request{Session: sid, Ops: []Op{op}, Buffer: buf}))
	assert.Equal(t, testPlain, []byte(buf))
}

func TestDevice_SegmentedBuffer(t *testing.T) {
	d := newTestDevice(t)
	key := bytes.Repeat([]byte{7}, 32)
	sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: key}, {Alg: AlgSHA1HMAC, Key: testMACKey}})
	require.NoError(t, err)

	iv := bytes.Repeat([]byte{1}, 16)
	ops := []Op{
		{Alg: AlgAESCBC, Encrypt: true, Skip: 16, Len: len(testPlain), Inject: 0, IVPresent: true},
		{Alg: AlgSHA1HMAC, Skip: 0, Len: 16 + len(testPlain), Inject: 16 + len(testPlain)},
	}

	flat := make(Contiguous, 16+len(testPlain)+sha1.Size)
	copy(flat, iv)
	copy(flat[16:], testPlain)
	seg := Segmented{make([]byte, 5), make([]byte, 40), make([]byte, len(flat)-45)}
	_, err = seg.WriteAt(flat, 0)
	require.NoError(t, err)

	require.NoError(t, d.run(t, &Request{Session: sid, Ops: ops, Buffer: flat}))
	require.NoError(t, d.run(t, &Request{Session: sid, Ops: ops, Buffer: seg}))

	got := make([]byte, seg.Len())
	_, err = seg.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte(flat), got)
	assert.Equal(t, iv, []byte(flat[:16]))
}

func TestDevice_SessionIV(t *testing.T) {
	for _, reuse := range []bool{false, true} {
		d := newTestDevice(t, WithSessionIV(reuse))
		sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: make([]byte, 16)}})
		require.NoError(t, err)

		var ivs [][]byte
		for range 2 {
			buf := make(Contiguous, 32)
			op := Op{Alg: AlgAESCBC, Encrypt: true, Skip: 16, Len: 16, Inject: 0}
			require.NoError(t, d.run(t, &Request{Session: sid, Ops: []Op{op}, Buffer: buf}))
			ivs = append(ivs, buf[:16])
		}

		if reuse {
			assert.Equal(t, ivs[0], ivs[1])
		} else {
			assert.NotEqual(t, ivs[0], ivs[1])
		}
	}
}

func TestDevice_SubmitErrors(t *testing.T) {
	d := newTestDevice(t)
	sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: make([]byte, 16)}, {Alg: AlgMD5HMAC, Key: testMACKey}})
	require.NoError(t, err)
	baseline := d.Stats().DMAChunks

	aesOp := Op{Alg: AlgAESCBC, Encrypt: true, Len: 32, IV: make([]byte, 16)}
	tests := []struct {
		name string
		req  *Request
		err  error
	}{
		{"unknown session", &Request{Session: sid + 1, Ops: []Op{aesOp}, Buffer: make(Contiguous, 32)}, ErrSessionInvalid},
		{"foreign unit", &Request{Session: sessionID(3, 0), Ops: []Op{aesOp}, Buffer: make(Contiguous, 32)}, ErrSessionInvalid},
		{"oversized", &Request{Session: sid, Ops: []Op{aesOp}, Buffer: make(Contiguous, hw.PayloadSize+1)}, ErrInvalidArgument},
		{"empty buffer", &Request{Session: sid, Ops: []Op{aesOp}, Buffer: Contiguous{}}, ErrInvalidArgument},
		{"no ops", &Request{Session: sid, Buffer: make(Contiguous, 32)}, ErrInvalidArgument},
		{"partial block", &Request{Session: sid, Ops: []Op{{Alg: AlgAESCBC, Encrypt: true, Len: 20, IV: make([]byte, 16)}}, Buffer: make(Contiguous, 32)}, ErrInvalidArgument},
		{"short IV", &Request{Session: sid, Ops: []Op{{Alg: AlgAESCBC, Encrypt: true, Len: 32, IV: make([]byte, 8)}}, Buffer: make(Contiguous, 32)}, ErrInvalidArgument},
		{"past the end", &Request{Session: sid, Ops: []Op{{Alg: AlgAESCBC, Encrypt: true, Skip: 16, Len: 32, IV: make([]byte, 16)}}, Buffer: make(Contiguous, 32)}, ErrInvalidArgument},
		{"key not in session", &Request{Session: sid, Ops: []Op{{Alg: AlgSHA1HMAC, Len: 16}}, Buffer: make(Contiguous, 64)}, ErrInvalidArgument},
		{"two ciphers", &Request{Session: sid, Ops: []Op{aesOp, aesOp}, Buffer: make(Contiguous, 32)}, ErrUnsupported},
		{"three ops", &Request{Session: sid, Ops: []Op{aesOp, aesOp, aesOp}, Buffer: make(Contiguous, 32)}, ErrUnsupported},
		{"digest past the end", &Request{Session: sid, Ops: []Op{{Alg: AlgMD5HMAC, Len: 32, Inject: 20}}, Buffer: make(Contiguous, 32)}, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Done = func(*Request) { t.Error("callback for a rejected request") }
			assert.ErrorIs(t, d.Submit(tt.req), tt.err)
		})
	}

	assert.ErrorIs(t, d.Submit(&Request{Session: sid, Ops: []Op{aesOp}, Buffer: make(Contiguous, 32)}), ErrInvalidArgument, "no callback")

	s := d.Stats()
	assert.Zero(t, s.Descriptors)
	assert.Zero(t, s.Waiting)
	assert.Zero(t, s.Running)
	// Rejected packets keep their header region on the free list.
	assert.LessOrEqual(t, s.DMAChunks, baseline+1)
}

func TestDevice_NewSession(t *testing.T) {
	d := newTestDevice(t, WithMaxSessions(2))

	tests := []struct {
		name string
		keys []Key
		err  error
	}{
		{"no keys", nil, ErrInvalidArgument},
		{"short AES key", []Key{{Alg: AlgAESCBC, Key: make([]byte, 15)}}, ErrInvalidArgument},
		{"long DES key", []Key{{Alg: AlgDESCBC, Key: make([]byte, 9)}}, ErrInvalidArgument},
		{"short 3DES key", []Key{{Alg: Alg3DESCBC, Key: make([]byte, 16)}}, ErrInvalidArgument},
		{"two ciphers", []Key{{Alg: AlgAESCBC, Key: make([]byte, 16)}, {Alg: AlgDESCBC, Key: make([]byte, 8)}}, ErrUnsupported},
		{"two MACs", []Key{{Alg: AlgMD5HMAC, Key: testMACKey}, {Alg: AlgSHA1HMAC, Key: testMACKey}}, ErrUnsupported},
		{"unknown algorithm", []Key{{Alg: Algorithm(99)}}, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.NewSession(tt.keys)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	a, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC, Key: bytes.Repeat([]byte{1}, 200)}})
	require.NoError(t, err)
	b, err := d.NewSession([]Key{{Alg: AlgDESCBC, Key: make([]byte, 8)}})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = d.NewSession([]Key{{Alg: AlgDESCBC, Key: make([]byte, 8)}})
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 2, d.Stats().Sessions)
	assert.EqualValues(t, 2, d.count("session.new"))
}

func TestDevice_FreeSession(t *testing.T) {
	d := newTestDevice(t, WithUnit(2))
	sid, err := d.NewSession([]Key{{Alg: AlgMD5HMAC96, Key: testMACKey}})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), sid>>28)

	assert.ErrorIs(t, d.FreeSession(sessionID(1, 0)), ErrInvalidArgument)
	assert.ErrorIs(t, d.FreeSession(sessionID(2, 1<<20)), ErrInvalidArgument)
	require.NoError(t, d.FreeSession(sid))
	assert.ErrorIs(t, d.FreeSession(sid), ErrNotFound)
	assert.EqualValues(t, 1, d.count("session.release"))

	req := &Request{Session: sid, Ops: []Op{{Alg: AlgMD5HMAC96, Len: 16, Inject: 16}}, Buffer: make(Contiguous, 32), Done: func(*Request) {}}
	assert.ErrorIs(t, d.Submit(req), ErrSessionInvalid)

	next, err := d.NewSession([]Key{{Alg: AlgMD5HMAC96, Key: testMACKey}})
	require.NoError(t, err)
	assert.NotEqual(t, sid, next, "slots are handed out round robin")
}

func TestDevice_FreeSessionWhileQueued(t *testing.T) {
	d := newTestDevice(t)
	key := bytes.Repeat([]byte{4}, 16)
	sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: key}})
	require.NoError(t, err)

	d.engine.Pause()
	iv := make([]byte, 16)
	buf := append(Contiguous(nil), testPlain...)
	done := d.start(t, &Request{Session: sid, Ops: []Op{{Alg: AlgAESCBC, Encrypt: true, Len: len(buf), IV: iv}}, Buffer: buf})

	require.NoError(t, d.FreeSession(sid))
	assert.Zero(t, d.count("session.release"), "the queued request still holds the session")

	d.engine.Resume()
	wait(t, done)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	assert.Equal(t, cbcEncrypt(t, block, iv, testPlain), []byte(buf))
	assert.EqualValues(t, 1, d.count("session.release"))
}

func macRequest(sid uint32) *Request {
	return &Request{
		Session: sid,
		Ops:     []Op{{Alg: AlgSHA1HMAC96, Len: 52, Inject: 52}},
		Buffer:  make(Contiguous, 64),
	}
}

func TestDevice_MoreBatchesRequests(t *testing.T) {
	d := newTestDevice(t, WithBatchDelay(time.Minute))
	sid, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)

	var dones []<-chan struct{}
	for i := range 4 {
		req := macRequest(sid)
		req.More = i < 3
		dones = append(dones, d.start(t, req))
	}
	for _, done := range dones {
		wait(t, done)
	}

	assert.Equal(t, []int{4}, d.engine.Chains())
	assert.Equal(t, 1, d.engine.Activations())
	assert.EqualValues(t, 4, d.count("dispatch.packets"))
}

func TestDevice_LoneMoreRequestCompletes(t *testing.T) {
	d := newTestDevice(t, WithBatchDelay(10*time.Millisecond))
	sid, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)

	req := macRequest(sid)
	req.More = true
	assert.NoError(t, d.run(t, req))
	assert.Equal(t, []int{1}, d.engine.Chains())

	// A later request dispatched directly leaves no flush behind to fire on an empty queue.
	assert.NoError(t, d.run(t, macRequest(sid)))
	assert.Equal(t, []int{1, 1}, d.engine.Chains())
}

func TestDevice_QueuesBehindRunningBatch(t *testing.T) {
	d := newTestDevice(t)
	sid, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)

	d.engine.Pause()
	var reqs []*Request
	var dones []<-chan struct{}
	for range 3 {
		req := macRequest(sid)
		reqs = append(reqs, req)
		dones = append(dones, d.start(t, req))
	}
	s := d.Stats()
	assert.Equal(t, 1, s.Running)
	assert.Equal(t, 2, s.Waiting)

	d.engine.Resume()
	for _, done := range dones {
		wait(t, done)
	}

	assert.Equal(t, []int{1, 2}, d.engine.Chains())
	want := hmacSum(sha1.New, testMACKey, make([]byte, 52), 12)
	for _, req := range reqs {
		assert.NoError(t, req.Err)
		assert.Equal(t, want, []byte(req.Buffer.(Contiguous)[52:]))
	}
	assert.Equal(t, int64(2), d.registry.Get("dispatch.max").(metrics.Gauge).Value())
}

func TestDevice_RetryWhenFull(t *testing.T) {
	d := newTestDevice(t, WithWaitQueue(0))
	sid, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)

	d.engine.Pause()
	first := d.start(t, macRequest(sid))
	second := d.start(t, macRequest(sid))

	unblocked := d.Unblocked()
	req := macRequest(sid)
	req.Done = func(*Request) { t.Error("callback for a rejected request") }
	assert.ErrorIs(t, d.Submit(req), ErrRetry)
	assert.EqualValues(t, 1, d.count("queue.full"))

	d.engine.Resume()
	wait(t, first)
	wait(t, unblocked)
	wait(t, second)

	assert.NoError(t, d.run(t, macRequest(sid)))
}

func TestDevice_DropUnblocks(t *testing.T) {
	d := newTestDevice(t, WithRingSize(maxPacketDescriptors+2))
	sid, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)

	d.engine.Pause()
	first := d.start(t, macRequest(sid))

	// The running packet holds most of the ring, so the next one can not be built.
	unblocked := d.Unblocked()
	req := macRequest(sid)
	req.Done = func(*Request) { t.Error("callback for a dropped request") }
	assert.ErrorIs(t, d.Submit(req), ErrResourceExhausted)
	assert.EqualValues(t, 1, d.count("ring.exhausted"))
	wait(t, unblocked)

	d.engine.Resume()
	wait(t, first)
	assert.NoError(t, d.run(t, macRequest(sid)))
}

func TestDevice_WatchdogRecovers(t *testing.T) {
	d := newTestDevice(t, WithWatchdog(50*time.Millisecond))
	key := bytes.Repeat([]byte{5}, 16)
	sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: key}, {Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)
	baseline := d.Stats().DMAChunks

	d.engine.Pause()
	buf := espBuffer(AlgAESCBC, AlgSHA1HMAC96)
	orig := append([]byte(nil), buf...)
	err = d.run(t, &Request{Session: sid, Ops: espOps(AlgAESCBC, AlgSHA1HMAC96, true), Buffer: buf})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, orig, []byte(buf))
	assert.EqualValues(t, 1, d.count("watchdog.timeout"))

	s := d.Stats()
	assert.Zero(t, s.Descriptors)
	assert.Zero(t, s.Running)
	assert.LessOrEqual(t, s.DMAChunks, baseline+1)

	d.engine.Resume()
	require.NoError(t, d.run(t, &Request{Session: sid, Ops: espOps(AlgAESCBC, AlgSHA1HMAC96, true), Buffer: buf}))
	require.NoError(t, d.run(t, &Request{Session: sid, Ops: espOps(AlgAESCBC, AlgSHA1HMAC96, false), Buffer: buf}))
	assert.Equal(t, testPlain, []byte(buf[16:16+len(testPlain)]))
}

func TestDevice_DMAErrorIsLogged(t *testing.T) {
	d := newTestDevice(t, WithWatchdog(50*time.Millisecond))
	sid, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)

	d.engine.InjectFault()
	assert.ErrorIs(t, d.run(t, macRequest(sid)), ErrTimeout)
	assert.EqualValues(t, 1, d.count("intr.error"))

	var logged bool
	for _, e := range d.logs.AllEntries() {
		if e.Message == "TDMA error" {
			logged = true
			assert.Equal(t, logrus.ErrorLevel, e.Level)
			assert.Equal(t, "data", e.Data["cause"])
		}
	}
	assert.True(t, logged)

	assert.NoError(t, d.run(t, macRequest(sid)))
}

func TestDevice_SessionsShareSRAM(t *testing.T) {
	d := newTestDevice(t)
	keys := [][]byte{bytes.Repeat([]byte{1}, 16), bytes.Repeat([]byte{2}, 16)}
	var sids []uint32
	for _, k := range keys {
		sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: k}})
		require.NoError(t, err)
		sids = append(sids, sid)
	}

	// Alternate sessions inside one batch so every packet has to reload its keys.
	d.engine.Pause()
	blocker := d.start(t, macRequestFor(t, d))
	iv := make([]byte, 16)
	var bufs []Contiguous
	var dones []<-chan struct{}
	for i := range 4 {
		buf := append(Contiguous(nil), testPlain...)
		bufs = append(bufs, buf)
		dones = append(dones, d.start(t, &Request{
			Session: sids[i%2],
			Ops:     []Op{{Alg: AlgAESCBC, Encrypt: true, Len: len(buf), IV: iv}},
			Buffer:  buf,
		}))
	}
	d.engine.Resume()
	wait(t, blocker)
	for _, done := range dones {
		wait(t, done)
	}

	for i, buf := range bufs {
		block, err := aes.NewCipher(keys[i%2])
		require.NoError(t, err)
		assert.Equal(t, cbcEncrypt(t, block, iv, testPlain), []byte(buf), "packet %d", i)
	}
}

func macRequestFor(t *testing.T, d *testDevice) *Request {
	t.Helper()
	sid, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)
	return macRequest(sid)
}

func TestDevice_Close(t *testing.T) {
	d := newTestDevice(t)
	sid, err := d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	require.NoError(t, err)

	d.engine.Pause()
	var reqs []*Request
	var dones []<-chan struct{}
	for range 3 {
		req := macRequest(sid)
		reqs = append(reqs, req)
		dones = append(dones, d.start(t, req))
	}

	require.NoError(t, d.Close())
	// Close completes what it failed before returning.
	for i, done := range dones {
		select {
		case <-done:
		default:
			t.Fatalf("request %d not completed by Close", i)
		}
		assert.ErrorIs(t, reqs[i].Err, ErrClosed)
	}

	late := macRequest(sid)
	late.Done = func(*Request) { t.Error("callback for a request submitted after close") }
	assert.ErrorIs(t, d.Submit(late), ErrClosed)
	_, err = d.NewSession([]Key{{Alg: AlgSHA1HMAC96, Key: testMACKey}})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, d.engine.Arena().InUse())
	assert.NoError(t, d.Close())
}

func TestDevice_Concurrent(t *testing.T) {
	d := newTestDevice(t, WithWaitQueue(4), WithRingSize(64))
	sid, err := d.NewSession([]Key{{Alg: AlgAESCBC, Key: make([]byte, 16)}, {Alg: AlgMD5HMAC96, Key: testMACKey}})
	require.NoError(t, err)
	want := hmacSum(md5.New, testMACKey, make([]byte, 52), 12)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				done := make(chan struct{})
				req := macRequest(sid)
				req.Ops[0].Alg = AlgMD5HMAC96
				req.Done = func(*Request) { close(done) }

				for {
					unblocked := d.Unblocked()
					err := d.Submit(req)
					if errors.Is(err, ErrRetry) || errors.Is(err, ErrResourceExhausted) {
						select {
						case <-unblocked:
						case <-time.After(5 * time.Second):
							t.Error("never unblocked")
							return
						}
						continue
					}
					if !assert.NoError(t, err) {
						return
					}
					break
				}

				select {
				case <-done:
				case <-time.After(5 * time.Second):
					t.Error("request never completed")
					return
				}
				assert.NoError(t, req.Err)
				assert.Equal(t, want, []byte(req.Buffer.(Contiguous)[52:]))
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 400, d.count("packet.ok"))
	assert.Zero(t, d.Stats().Descriptors)
}
