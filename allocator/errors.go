package allocator

import "errors"

var (
	// ErrExhausted indicates the current range is consumed and no reserved
	// range is available. Fatal to the in-flight issuance request.
	ErrExhausted = errors.New("serial numbers exhausted")
	// ErrBackwardRange indicates an administrative range change that would
	// move the serial cursor backward. Rejected with no state change.
	ErrBackwardRange = errors.New("range would move the serial cursor backward")
	// ErrNotAvailable indicates no serial number can currently be reported.
	ErrNotAvailable = errors.New("no serial number available")
	// ErrNotInitialized indicates the repository has not been initialized.
	ErrNotInitialized = errors.New("repository not initialized")
)

// errRangeSpent is the internal signal that the active range has no more
// numbers to give. Next translates it into a range switch or ErrExhausted.
var errRangeSpent = errors.New("active range spent")
