package diffusion

import (
	"math"

	"github.com/pkg/errors"
)

// Schedule holds the per-timestep constants of a discrete diffusion
// process with T training steps.
type Schedule struct {
	Betas             []float64
	AlphasCumprod     []float64
	AlphasCumprodPrev []float64
}

// NewSchedule builds a "linear" or "cosine" beta schedule over steps
// timesteps.
//
// The linear schedule scales its endpoints by 1000/steps so that any step
// count covers the same noise range as the 1000-step reference.
func NewSchedule(name string, steps int) (*Schedule, error) {
	if steps < 1 {
		return nil, errors.Errorf("diffusion steps must be >= 1, got %d", steps)
	}
	var betas []float64
	switch name {
	case "linear":
		scale := 1000.0 / float64(steps)
		betas = linspace(scale*0.0001, scale*0.02, steps)
		for i := range betas {
			betas[i] = min(betas[i], 0.999)
		}
	case "cosine":
		betas = make([]float64, steps)
		alphaBar := func(t float64) float64 {
			return math.Pow(math.Cos((t+0.008)/1.008*math.Pi/2), 2)
		}
		for i := range steps {
			t1 := float64(i) / float64(steps)
			t2 := float64(i+1) / float64(steps)
			betas[i] = min(1-alphaBar(t2)/alphaBar(t1), 0.999)
		}
	default:
		return nil, errors.Wrapf(ErrUnknownSchedule, "%q", name)
	}
	return scheduleFromBetas(betas), nil
}

func scheduleFromBetas(betas []float64) *Schedule {
	s := &Schedule{
		Betas:             betas,
		AlphasCumprod:     make([]float64, len(betas)),
		AlphasCumprodPrev: make([]float64, len(betas)),
	}
	prod := 1.0
	for i, b := range betas {
		s.AlphasCumprodPrev[i] = prod
		prod *= 1 - b
		s.AlphasCumprod[i] = prod
	}
	return s
}

// Steps returns the number of training timesteps T.
func (s *Schedule) Steps() int { return len(s.Betas) }

func linspace(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	for i := range n {
		out[i] = start + float64(i)/float64(n-1)*(end-start)
	}
	return out
}
