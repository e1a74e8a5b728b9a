package diffusion

import (
	"context"
	"math/rand"
	"strings"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// Sampler runs the reverse diffusion process one step at a time.
type Sampler interface {
	// Name identifies the sampler in logs and configuration.
	Name() string

	// NumSteps is the number of denoising steps a trajectory yields.
	NumSteps() int

	// Progressive starts a trajectory from Gaussian noise of the given
	// (B,C,H,W) shape, conditioned on cond.
	Progressive(ctx context.Context, model Denoiser, shape []int, cond Conditioning, rng *rand.Rand) (*Trajectory, error)
}

// SamplerOptions configures NewSampler.
type SamplerOptions struct {
	// Kind is "ddpm" (full-step) or "ddim" (reduced-step).
	Kind string

	// Schedule is "linear" or "cosine".
	Schedule string

	// DiffusionSteps is the number of training timesteps T.
	DiffusionSteps int

	// RespacedSteps is the DDIM step count. Zero means DiffusionSteps.
	RespacedSteps int

	// Eta scales the stochastic part of DDIM. Zero is deterministic.
	Eta float64

	// ClipDenoised clips the predicted clean sample to [-1, 1].
	ClipDenoised bool
}

// NewSampler builds the sampler described by opts.
func NewSampler(opts SamplerOptions) (Sampler, error) {
	sched, err := NewSchedule(opts.Schedule, opts.DiffusionSteps)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(opts.Kind) {
	case "ddpm", "full":
		return &DDPM{Schedule: sched, ClipDenoised: opts.ClipDenoised}, nil
	case "ddim", "fast":
		return NewDDIM(sched, opts.RespacedSteps, opts.Eta, opts.ClipDenoised)
	}
	return nil, errors.Wrapf(ErrUnknownSampler, "%q", opts.Kind)
}

// stepFunc advances x by denoising step i and returns the new sample and
// the training timestep the model was evaluated at.
type stepFunc func(ctx context.Context, i int, x *tensor.Tensor) (*tensor.Tensor, int, error)

// Trajectory iterates the intermediate samples of one sampling run, from
// the noisiest to the final one. Use it like a bufio.Scanner:
//
//	for tr.Next() {
//		use(tr.Step(), tr.Sample())
//	}
//	if err := tr.Err(); err != nil { ... }
type Trajectory struct {
	ctx      context.Context
	step     stepFunc
	steps    int
	next     int
	x        *tensor.Tensor
	timestep int
	err      error
}

func newTrajectory(ctx context.Context, x *tensor.Tensor, steps int, step stepFunc) *Trajectory {
	return &Trajectory{ctx: ctx, step: step, steps: steps, x: x, timestep: -1}
}

// Next runs one denoising step. It returns false once every step ran or
// an error occurred.
func (tr *Trajectory) Next() bool {
	if tr.err != nil || tr.next >= tr.steps {
		return false
	}
	if err := tr.ctx.Err(); err != nil {
		tr.err = err
		return false
	}
	x, ts, err := tr.step(tr.ctx, tr.next, tr.x)
	if err != nil {
		tr.err = errors.Wrapf(err, "denoising step %d", tr.next)
		return false
	}
	tr.x, tr.timestep = x, ts
	tr.next++
	return true
}

// Step returns the index of the step that produced Sample, starting at 0.
func (tr *Trajectory) Step() int { return tr.next - 1 }

// Timestep returns the training timestep of the last step.
func (tr *Trajectory) Timestep() int { return tr.timestep }

// Sample returns the current sample. Callers must not modify it.
func (tr *Trajectory) Sample() *tensor.Tensor { return tr.x }

// Len returns the total number of steps.
func (tr *Trajectory) Len() int { return tr.steps }

// Err returns the error that stopped the trajectory, if any.
func (tr *Trajectory) Err() error { return tr.err }

// Final drains tr and returns its last sample.
func Final(tr *Trajectory) (*tensor.Tensor, error) {
	for tr.Next() {
	}
	if err := tr.Err(); err != nil {
		return nil, err
	}
	return tr.Sample(), nil
}

// checkShapes validates a requested sample shape against the conditioning.
func checkShapes(shape []int, cond Conditioning) error {
	if len(shape) != 4 {
		return errors.Wrapf(ErrShapeMismatch, "sample shape must be (B,C,H,W), got %v", shape)
	}
	if cond.Y == nil || cond.Y.Rank() != 4 {
		return errors.Wrap(ErrShapeMismatch, "conditioning must be a (B,C,H,W) tensor")
	}
	if cond.Y.Shape[0] != shape[0] || cond.Y.Shape[2] != shape[2] || cond.Y.Shape[3] != shape[3] {
		return errors.Wrapf(ErrShapeMismatch, "conditioning %v does not match sample %v", cond.Y.Shape, shape)
	}
	return nil
}

func clip(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
