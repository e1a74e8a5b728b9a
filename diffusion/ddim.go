package diffusion

import (
	"context"
	"math"
	"math/rand"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// DDIM samples over an evenly respaced subset of the training timesteps.
type DDIM struct {
	Schedule     *Schedule
	Eta          float64
	ClipDenoised bool

	// timesteps are the visited training timesteps, ascending.
	timesteps []int
}

// NewDDIM returns a DDIM sampler visiting steps timesteps of sched. Zero
// steps visits all of them.
func NewDDIM(sched *Schedule, steps int, eta float64, clipDenoised bool) (*DDIM, error) {
	T := sched.Steps()
	if steps == 0 {
		steps = T
	}
	if steps < 1 || steps > T {
		return nil, errors.Errorf("ddim steps must be in [1, %d], got %d", T, steps)
	}
	if eta < 0 {
		return nil, errors.Errorf("ddim eta must be >= 0, got %g", eta)
	}
	stride := T / steps
	ts := make([]int, steps)
	for i := range ts {
		ts[i] = i * stride
	}
	return &DDIM{Schedule: sched, Eta: eta, ClipDenoised: clipDenoised, timesteps: ts}, nil
}

// Name implements Sampler.
func (d *DDIM) Name() string { return "ddim" }

// NumSteps implements Sampler.
func (d *DDIM) NumSteps() int { return len(d.timesteps) }

// Timesteps returns the visited training timesteps in ascending order.
func (d *DDIM) Timesteps() []int { return append([]int(nil), d.timesteps...) }

// Progressive implements Sampler.
func (d *DDIM) Progressive(ctx context.Context, model Denoiser, shape []int, cond Conditioning, rng *rand.Rand) (*Trajectory, error) {
	if err := checkShapes(shape, cond); err != nil {
		return nil, err
	}
	n := d.NumSteps()
	x := tensor.Normal(rng, shape...)
	return newTrajectory(ctx, x, n, func(ctx context.Context, i int, x *tensor.Tensor) (*tensor.Tensor, int, error) {
		k := n - 1 - i
		t := d.timesteps[k]
		eps, err := predictGuided(ctx, model, x, t, cond)
		if err != nil {
			return nil, t, err
		}
		abarPrev := 1.0
		if k > 0 {
			abarPrev = d.Schedule.AlphasCumprod[d.timesteps[k-1]]
		}
		return d.step(x, eps, d.Schedule.AlphasCumprod[t], abarPrev, k > 0, rng), t, nil
	}), nil
}

func (d *DDIM) step(x, eps *tensor.Tensor, abar, abarPrev float64, addNoise bool, rng *rand.Rand) *tensor.Tensor {
	recip := math.Sqrt(1 / abar)
	recipm1 := math.Sqrt(1/abar - 1)
	sigma := d.Eta * math.Sqrt((1-abarPrev)/(1-abar)) * math.Sqrt(1-abar/abarPrev)
	dirCoef := math.Sqrt(max(0, 1-abarPrev-sigma*sigma))

	out := tensor.ZerosLike(x)
	for i, xt := range x.Data {
		x0 := recip*xt - recipm1*eps.Data[i]
		e := eps.Data[i]
		if d.ClipDenoised {
			x0 = clip(x0, -1, 1)
			// Re-derive eps so it agrees with the clipped x0.
			e = (recip*xt - x0) / recipm1
		}
		v := x0*math.Sqrt(abarPrev) + dirCoef*e
		if addNoise && sigma > 0 {
			v += sigma * rng.NormFloat64()
		}
		out.Data[i] = v
	}
	return out
}
