package diffusion

import (
	"context"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// Denoiser predicts the noise contained in a batch of noisy samples.
type Denoiser interface {
	// PredictNoise returns eps(x, t, y) shaped like x. t holds one training
	// timestep per example, y is the (B,C,H,W) conditioning.
	PredictNoise(ctx context.Context, x *tensor.Tensor, t []int, y *tensor.Tensor) (*tensor.Tensor, error)
}

// Model is a Denoiser whose weights come from a checkpoint.
type Model interface {
	Denoiser

	// LoadStateDict replaces the weights. Missing, unexpected or misshapen
	// entries are reported as ErrBadCheckpoint.
	LoadStateDict(sd StateDict) error

	// ConvertToFP16 rounds every weight to half precision.
	ConvertToFP16()
}

// Conditioning is the parameter bundle passed to every denoising step.
type Conditioning struct {
	// Y is the semantic conditioning tensor.
	Y *tensor.Tensor

	// Scale is the classifier-free guidance scale s. Zero is treated as 1,
	// which disables the unconditional pass.
	Scale float64
}

// predictGuided evaluates the model at timestep ts for every example and
// applies classifier-free guidance against an all-zero conditioning.
func predictGuided(ctx context.Context, model Denoiser, x *tensor.Tensor, ts int, cond Conditioning) (*tensor.Tensor, error) {
	t := make([]int, x.Shape[0])
	for i := range t {
		t[i] = ts
	}
	eps, err := model.PredictNoise(ctx, x, t, cond.Y)
	if err != nil {
		return nil, err
	}
	if !eps.SameShape(x) {
		return nil, errors.Wrapf(ErrShapeMismatch, "model returned %v for sample %v", eps.Shape, x.Shape)
	}
	s := cond.Scale
	if s == 0 || s == 1 {
		return eps, nil
	}

	uncond, err := model.PredictNoise(ctx, x, t, tensor.ZerosLike(cond.Y))
	if err != nil {
		return nil, errors.Wrap(err, "unconditional pass")
	}
	if !uncond.SameShape(x) {
		return nil, errors.Wrapf(ErrShapeMismatch, "unconditional pass returned %v for sample %v", uncond.Shape, x.Shape)
	}
	for i := range eps.Data {
		eps.Data[i] = uncond.Data[i] + s*(eps.Data[i]-uncond.Data[i])
	}
	return eps, nil
}
