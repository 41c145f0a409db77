package tdma

import "fmt"

// Chain is a run of linked descriptors owned by one packet. The zero value is an empty chain.
type Chain struct {
	head int
	tail int
	n    int
}

func (c *Chain) Len() int {
	return c.n
}

func (c *Chain) Head() int {
	return c.head
}

func (c *Chain) Tail() int {
	return c.tail
}

// Copy appends a descriptor moving n bytes from src to dst.
func (r *Ring) Copy(c *Chain, dst, src uint32, n int) error {
	if n == 0 {
		// A zero length would turn into an activation.
		return nil
	}
	return r.appendSlot(c, dst, src, n)
}

// Activate appends the accelerator activation sentinel.
func (r *Ring) Activate(c *Chain) error {
	return r.appendSlot(c, 0, 0, 0)
}

func (r *Ring) appendSlot(c *Chain, dst, src uint32, n int) error {
	slot, err := r.Alloc()
	if err != nil {
		return err
	}

	r.Setup(slot, dst, src, n)
	if c.n == 0 {
		c.head = slot
	} else {
		r.Concat(c.tail, slot)
	}
	c.tail = slot
	c.n++
	return nil
}

// Join links the end of a to the start of b so the engine runs them back to back.
func (r *Ring) Join(a, b *Chain) {
	if a.n == 0 || b.n == 0 {
		panic("joining an empty chain")
	}
	r.Concat(a.tail, b.head)
}

// Unbuild gives back every slot of a chain that is still the newest allocation on the ring,
// as when a partially built chain has to be abandoned.
func (r *Ring) Unbuild(c *Chain) {
	if c.n == 0 {
		return
	}
	if (c.tail+1)&r.mask != r.prod {
		panic(fmt.Sprintf("chain ending at %d is not the newest allocation (producer %d)", c.tail, r.prod))
	}
	r.Unwind(c.n)
	*c = Chain{}
}

// Release gives back every slot of a chain that is the oldest outstanding allocation.
func (r *Ring) Release(c *Chain) {
	if c.n == 0 {
		return
	}
	if c.head != r.cons {
		panic(fmt.Sprintf("chain starting at %d released out of order (consumer %d)", c.head, r.cons))
	}
	r.Free(c.n)
	*c = Chain{}
}
