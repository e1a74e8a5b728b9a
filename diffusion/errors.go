package diffusion

import "github.com/pkg/errors"

var (
	// ErrBadCheckpoint is returned for checkpoints that cannot be decoded or
	// do not match the network they are loaded into.
	ErrBadCheckpoint = errors.New("malformed checkpoint")

	// ErrShapeMismatch is returned when the sample, the conditioning and the
	// network disagree on batch, channel or spatial dimensions.
	ErrShapeMismatch = errors.New("tensor shape mismatch")

	// ErrUnknownSchedule is returned for an unknown noise schedule name.
	ErrUnknownSchedule = errors.New("unknown noise schedule")

	// ErrUnknownSampler is returned for an unknown sampler name.
	ErrUnknownSampler = errors.New("unknown sampler")
)
