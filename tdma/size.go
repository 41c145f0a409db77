package tdma

import (
	"errors"
	"fmt"
)

// ErrRingSizeInvalid is returned when a ring size is invalid.
var ErrRingSizeInvalid = errors.New("ring size is invalid")

// MaxRingSize is the largest number of descriptors a ring may hold.
const MaxRingSize = 32768

// CheckRingSize checks if the given value would be a valid number of descriptors for a
// [Ring] and returns an [ErrRingSizeInvalid], if not.
func CheckRingSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrRingSizeInvalid, size)
	}

	// Cursors wrap with a mask.
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrRingSizeInvalid, size)
	}

	if size > MaxRingSize {
		return fmt.Errorf("%w: %d is larger than the maximum ring size %d",
			ErrRingSizeInvalid, size, MaxRingSize)
	}

	return nil
}
