package diffusion

import (
	"context"
	"math"
	"math/rand"

	"github.com/Noofbiz/diffcalib/tensor"
)

// DDPM is the full-step ancestral sampler: it visits every training
// timestep from T-1 down to 0.
type DDPM struct {
	Schedule     *Schedule
	ClipDenoised bool
}

// Name implements Sampler.
func (d *DDPM) Name() string { return "ddpm" }

// NumSteps implements Sampler.
func (d *DDPM) NumSteps() int { return d.Schedule.Steps() }

// Progressive implements Sampler.
func (d *DDPM) Progressive(ctx context.Context, model Denoiser, shape []int, cond Conditioning, rng *rand.Rand) (*Trajectory, error) {
	if err := checkShapes(shape, cond); err != nil {
		return nil, err
	}
	T := d.NumSteps()
	x := tensor.Normal(rng, shape...)
	return newTrajectory(ctx, x, T, func(ctx context.Context, i int, x *tensor.Tensor) (*tensor.Tensor, int, error) {
		t := T - 1 - i
		eps, err := predictGuided(ctx, model, x, t, cond)
		if err != nil {
			return nil, t, err
		}
		return d.step(x, eps, t, rng), t, nil
	}), nil
}

// step computes x_{t-1} from x_t through the posterior q(x_{t-1} | x_t, x_0).
func (d *DDPM) step(x, eps *tensor.Tensor, t int, rng *rand.Rand) *tensor.Tensor {
	s := d.Schedule
	beta := s.Betas[t]
	abar := s.AlphasCumprod[t]
	abarPrev := s.AlphasCumprodPrev[t]

	recip := math.Sqrt(1 / abar)
	recipm1 := math.Sqrt(1/abar - 1)
	coef1 := beta * math.Sqrt(abarPrev) / (1 - abar)
	coef2 := (1 - abarPrev) * math.Sqrt(1-beta) / (1 - abar)
	sigma := math.Sqrt(beta * (1 - abarPrev) / (1 - abar))

	out := tensor.ZerosLike(x)
	for i, xt := range x.Data {
		x0 := recip*xt - recipm1*eps.Data[i]
		if d.ClipDenoised {
			x0 = clip(x0, -1, 1)
		}
		mean := coef1*x0 + coef2*xt
		if t > 0 {
			mean += sigma * rng.NormFloat64()
		}
		out.Data[i] = mean
	}
	return out
}
