package xpsec

import (
	"errors"
	"io"
)

var errBufferOffset = errors.New("buffer offset out of range")

// Buffer is the data a request operates on. The device copies IVs in and out of it with
// ReadAt and WriteAt, and maps Segments for the engine.
type Buffer interface {
	io.ReaderAt
	io.WriterAt
	Len() int
	// Segments returns the memory backing the buffer, in order.
	Segments() [][]byte
}

// Contiguous is a Buffer over a single byte slice.
type Contiguous []byte

func (b Contiguous) Len() int {
	return len(b)
}

func (b Contiguous) Segments() [][]byte {
	return [][]byte{b}
}

func (b Contiguous) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, errBufferOffset
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b Contiguous) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, errBufferOffset
	}
	n := copy(b[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Segmented is a Buffer spread over several slices, such as a scatter/gather list or an
// I/O vector.
type Segmented [][]byte

func (b Segmented) Len() int {
	n := 0
	for _, s := range b {
		n += len(s)
	}
	return n
}

func (b Segmented) Segments() [][]byte {
	return b
}

func (b Segmented) ReadAt(p []byte, off int64) (int, error) {
	return b.walk(p, off, false)
}

func (b Segmented) WriteAt(p []byte, off int64) (int, error) {
	return b.walk(p, off, true)
}

func (b Segmented) walk(p []byte, off int64, write bool) (int, error) {
	if off < 0 || off > int64(b.Len()) {
		return 0, errBufferOffset
	}

	done := 0
	for _, s := range b {
		if done == len(p) {
			break
		}
		if off >= int64(len(s)) {
			off -= int64(len(s))
			continue
		}
		if write {
			done += copy(s[off:], p[done:])
		} else {
			done += copy(p[done:], s[off:])
		}
		off = 0
	}

	switch {
	case done == len(p):
		return done, nil
	case write:
		return done, io.ErrShortWrite
	default:
		return done, io.EOF
	}
}
