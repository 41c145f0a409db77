package hw

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutOfMemory is returned when the arena has no contiguous run of free chunks large
	// enough for a request.
	ErrOutOfMemory = errors.New("out of DMA memory")

	// ErrEmptyMapping is returned when loading a buffer with no bytes.
	ErrEmptyMapping = errors.New("empty DMA mapping")
)

// DefaultChunkSize is the allocation granule of an Arena.
const DefaultChunkSize = 256

// Arena hands out DMA-reachable memory from a fixed window that starts at a known bus
// address. Allocations are whole chunks, first fit, searched from a rotating hint.
type Arena struct {
	mu    sync.Mutex
	base  uint32
	mem   []byte
	chunk int
	used  []bool
	hint  int
	free  int
}

// NewArena wraps mem, which the engine sees at bus address base.
func NewArena(base uint32, mem []byte, chunk int) (*Arena, error) {
	if chunk <= 0 || chunk&(chunk-1) != 0 {
		return nil, fmt.Errorf("chunk size %d is not a power of 2", chunk)
	}
	if len(mem) < chunk {
		return nil, fmt.Errorf("DMA window of %d bytes is smaller than one chunk", len(mem))
	}
	if uint64(base)+uint64(len(mem)) > 1<<32 {
		return nil, fmt.Errorf("DMA window %#x+%#x does not fit a 32 bit bus", base, len(mem))
	}

	n := len(mem) / chunk
	return &Arena{
		base:  base,
		mem:   mem[:n*chunk],
		chunk: chunk,
		used:  make([]bool, n),
		free:  n,
	}, nil
}

// Region is a contiguous allocation from an Arena.
type Region struct {
	Addr uint32
	Buf  []byte

	a     *Arena
	first int
	n     int
}

// Alloc returns a zeroed region of at least size bytes.
func (a *Arena) Alloc(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	need := (size + a.chunk - 1) / a.chunk

	a.mu.Lock()
	defer a.mu.Unlock()

	if need > a.free {
		return nil, fmt.Errorf("%w: need %d chunks, %d free", ErrOutOfMemory, need, a.free)
	}

	first := a.find(need)
	if first < 0 {
		return nil, fmt.Errorf("%w: no run of %d contiguous chunks", ErrOutOfMemory, need)
	}

	for i := first; i < first+need; i++ {
		a.used[i] = true
	}
	a.free -= need
	a.hint = (first + need) % len(a.used)

	off := first * a.chunk
	buf := a.mem[off : off+size : off+size]
	clear(buf)

	return &Region{
		Addr:  a.base + uint32(off),
		Buf:   buf,
		a:     a,
		first: first,
		n:     need,
	}, nil
}

func (a *Arena) find(need int) int {
	n := len(a.used)
	ranges := [2][2]int{{a.hint, n}, {0, min(a.hint+need-1, n)}}
	for _, rg := range ranges {
		run := 0
		for i := rg[0]; i < rg[1]; i++ {
			if a.used[i] {
				run = 0
				continue
			}
			run++
			if run == need {
				return i - need + 1
			}
		}
	}
	return -1
}

// Free returns the region to its arena. Freeing twice panics.
func (r *Region) Free() {
	a := r.a
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := r.first; i < r.first+r.n; i++ {
		if !a.used[i] {
			panic(fmt.Sprintf("DMA chunk %d freed twice", i))
		}
		a.used[i] = false
	}
	a.free += r.n
	r.Buf = nil
}

// InUse returns the number of allocated chunks.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used) - a.free
}

// Resolve returns the bytes behind a bus address range, if the range lies inside the arena.
func (a *Arena) Resolve(addr uint32, n int) ([]byte, bool) {
	if addr < a.base || n < 0 {
		return nil, false
	}
	off := uint64(addr - a.base)
	if off+uint64(n) > uint64(len(a.mem)) {
		return nil, false
	}
	return a.mem[off : off+uint64(n)], true
}

// Segment is one device-visible piece of a mapping.
type Segment struct {
	Addr uint32
	Len  int
}

// Map is a host buffer loaded for the device. The host segments are bounced through one
// contiguous region, so the device always sees a single segment.
type Map struct {
	r    *Region
	segs [][]byte
	len  int
}

// Load maps the host segments for the device. Nothing is copied until SyncForDevice.
func (a *Arena) Load(segs [][]byte) (*Map, error) {
	total := 0
	for _, s := range segs {
		total += len(s)
	}
	if total == 0 {
		return nil, ErrEmptyMapping
	}

	r, err := a.Alloc(total)
	if err != nil {
		return nil, err
	}

	return &Map{r: r, segs: segs, len: total}, nil
}

func (m *Map) Len() int {
	return m.len
}

func (m *Map) Segments() []Segment {
	return []Segment{{Addr: m.r.Addr, Len: m.len}}
}

// SyncForDevice copies the host segments into the bounce region.
func (m *Map) SyncForDevice() {
	off := 0
	for _, s := range m.segs {
		off += copy(m.r.Buf[off:], s)
	}
}

// SyncForCPU copies the bounce region back into the host segments.
func (m *Map) SyncForCPU() {
	off := 0
	for _, s := range m.segs {
		off += copy(s, m.r.Buf[off:])
	}
}

// Unload releases the bounce region. The map must not be used afterwards.
func (m *Map) Unload() {
	if m.r != nil {
		m.r.Free()
		m.r = nil
	}
}
