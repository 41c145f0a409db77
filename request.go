package xpsec

// Key is one algorithm and its key material, as given to NewSession.
type Key struct {
	Alg Algorithm
	Key []byte
}

// Op is one cipher or MAC step of a request. Offsets are bytes into the request buffer.
//
// For a cipher, Skip and Len select the data to transform and Inject is where the IV lives
// in the buffer. For a MAC, Skip and Len select the authenticated data and Inject is where
// the digest is written (or compared, with Verify).
type Op struct {
	Alg     Algorithm
	Encrypt bool

	Skip   int
	Len    int
	Inject int

	// IV, when set, is used instead of any IV in the buffer. It is left unchanged when the
	// request completes.
	IV []byte

	// IVPresent marks the buffer as already holding the IV at Inject when encrypting.
	// Without it an encrypt writes the IV it used to Inject. A decrypt always reads it from
	// there unless IV is set.
	IVPresent bool

	// Verify compares the computed digest with the one at Inject instead of writing it.
	Verify bool
}

// Request is a unit of work submitted to a Device. The order of Ops is the order the engine
// applies them in.
type Request struct {
	Session uint32
	Ops     []Op
	Buffer  Buffer

	// More hints that further requests follow right away, so dispatch may wait for them.
	More bool

	// Done is called exactly once for every accepted request, normally from the device's
	// worker. Requests failed by Close are completed on the goroutine calling Close.
	Done func(*Request)

	// Err is the outcome, set before Done is called.
	Err error

	// Opaque is carried untouched for the caller.
	Opaque any
}
