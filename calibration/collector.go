package calibration

import (
	"context"
	"io"
	"math/rand"

	"github.com/Noofbiz/diffcalib/conditioning"
	"github.com/Noofbiz/diffcalib/datasets"
	"github.com/Noofbiz/diffcalib/diffusion"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReferenceTimesteps is the range captured timesteps are rescaled to, so
// records from samplers with different step counts are comparable.
const ReferenceTimesteps = 1000

// Source yields batches of label maps. It returns io.EOF after the last
// batch. datasets.SegmentationDataset implements it.
type Source interface {
	Yield() (*datasets.Batch, error)
}

// Collector drives the sampler over batches from a Source and captures the
// trajectory at a fixed stride.
type Collector struct {
	Sampler   diffusion.Sampler
	Model     diffusion.Denoiser
	Assembler *conditioning.Assembler

	// SampleChannels is the channel count of the generated image.
	SampleChannels int

	// BatchSize is the nominal batch size used by the stop rule.
	BatchSize int

	// NumSamples is the example budget N. Batches stop being consumed once
	// batches*BatchSize >= NumSamples, so the result can overshoot by up to
	// one batch worth of captures.
	NumSamples int

	// CaptureSteps is the number S of captures per trajectory; the stride is
	// floor(T/S) with T the sampler step count.
	CaptureSteps int

	// GuidanceScale is the classifier-free guidance scale.
	GuidanceScale float64

	Rng *rand.Rand

	// OnCapture, if set, is called for every record after it is appended.
	OnCapture func(batch int, r Record)
}

// Interval returns the capture stride floor(T/S).
func (c *Collector) Interval() (int, error) {
	T := c.Sampler.NumSteps()
	if c.CaptureSteps <= 0 || c.CaptureSteps > T {
		return 0, errors.Wrapf(ErrInvalidConfig, "capture steps must be in [1, %d], got %d", T, c.CaptureSteps)
	}
	return T / c.CaptureSteps, nil
}

// Collect consumes src until it is exhausted or the example budget is met
// and appends every capture to b. It returns the number of batches
// consumed.
func (c *Collector) Collect(ctx context.Context, src Source, b *Builder) (int, error) {
	if c.Sampler == nil || c.Model == nil || c.Assembler == nil || c.Rng == nil {
		return 0, errors.Wrap(ErrInvalidConfig, "collector needs a sampler, a model, an assembler and a random source")
	}
	interval, err := c.Interval()
	if err != nil {
		return 0, err
	}
	if c.BatchSize <= 0 || c.NumSamples <= 0 {
		return 0, errors.Wrapf(ErrInvalidConfig, "batch size %d and sample budget %d must be positive", c.BatchSize, c.NumSamples)
	}
	T := c.Sampler.NumSteps()
	klog.Infof("collecting with %s sampler: %d steps, capturing every %d, budget %d examples", c.Sampler.Name(), T, interval, c.NumSamples)

	batch := 0
	for ; batch*c.BatchSize < c.NumSamples; batch++ {
		if err := ctx.Err(); err != nil {
			return batch, errors.Wrapf(err, "batch %d", batch)
		}
		in, err := src.Yield()
		if err == io.EOF {
			klog.Infof("data source exhausted after %d batches", batch)
			break
		}
		if err != nil {
			return batch, errors.Wrapf(err, "batch %d: load", batch)
		}
		if err := c.collectBatch(ctx, batch, in, interval, b); err != nil {
			return batch, err
		}
	}
	klog.Infof("collected %d examples in %d records from %d batches", b.Len(), b.Records(), batch)
	return batch, nil
}

func (c *Collector) collectBatch(ctx context.Context, batch int, in *datasets.Batch, interval int, b *Builder) error {
	klog.Infof("batch %d: %d examples", batch, in.Size())
	cond, err := c.Assembler.Assemble(in.Labels, in.Instances)
	if err != nil {
		return errors.Wrapf(err, "batch %d: assemble conditioning", batch)
	}
	B, _, H, W := cond.Dims4()
	shape := []int{B, c.SampleChannels, H, W}
	tr, err := c.Sampler.Progressive(ctx, c.Model, shape, diffusion.Conditioning{Y: cond, Scale: c.GuidanceScale}, c.Rng)
	if err != nil {
		return errors.Wrapf(err, "batch %d", batch)
	}

	T := tr.Len()
	for tr.Next() {
		t := tr.Step()
		if (t+1)%interval != 0 {
			continue
		}
		ts := float64(t) * ReferenceTimesteps / float64(T)
		r := Record{Sample: tr.Sample(), Timesteps: make([]float64, B), Cond: cond}
		for i := range r.Timesteps {
			r.Timesteps[i] = ts
		}
		if err := b.Append(r); err != nil {
			return errors.Wrapf(err, "batch %d step %d", batch, t)
		}
		klog.V(1).Infof("batch %d: captured step %d (t=%g)", batch, t, ts)
		if c.OnCapture != nil {
			c.OnCapture(batch, r)
		}
	}
	if err := tr.Err(); err != nil {
		return errors.Wrapf(err, "batch %d", batch)
	}
	return nil
}
