package conditioning

import "github.com/pkg/errors"

// Configuration errors. They are detected when an Assembler is built.
var (
	ErrUnknownFilter     = errors.New("unknown filter mode")
	ErrUnknownSNR        = errors.New("signal-to-noise ratio not in table")
	ErrInvalidClassCount = errors.New("number of classes must be positive")
)

// Precondition violations. They abort the batch being assembled.
var (
	ErrLabelOutOfRange = errors.New("label value out of range")
	ErrDegenerateRange = errors.New("cannot min-max normalize a constant tensor")
	ErrShapeMismatch   = errors.New("label and instance maps have different shapes")
)
