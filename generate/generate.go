// Package generate samples images from label maps and writes them next to
// their source photograph and label map.
package generate

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/Noofbiz/diffcalib/calibration"
	"github.com/Noofbiz/diffcalib/conditioning"
	"github.com/Noofbiz/diffcalib/datasets"
	"github.com/Noofbiz/diffcalib/diffusion"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source yields batches of label maps and io.EOF after the last one.
type Source interface {
	Yield() (*datasets.Batch, error)
}

// Generator runs the sampler to completion for every batch.
type Generator struct {
	Sampler   diffusion.Sampler
	Model     diffusion.Denoiser
	Assembler *conditioning.Assembler
	Rng       *rand.Rand

	// OutDir receives "images/", "labels/" and "samples_SNR<snr>/".
	OutDir string

	// BatchSize is the nominal batch size used by the stop rule.
	BatchSize int

	// NumSamples stops the run once more than this many images were
	// generated.
	NumSamples int

	GuidanceScale float64
}

// Stem returns the example name used in output file names: the base name
// of the label map without its Cityscapes suffix or extension.
func Stem(labelPath string) string {
	base := filepath.Base(labelPath)
	if s, ok := strings.CutSuffix(base, datasets.LabelSuffix); ok {
		return s
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SamplePath is where the generated image of stem is written.
func (g *Generator) SamplePath(stem string) string {
	opts := g.Assembler.Options()
	dir := fmt.Sprintf("samples_SNR%d", opts.SNR)
	return filepath.Join(g.OutDir, dir, fmt.Sprintf("%s_SNR%d_pool%s.png", stem, opts.SNR, opts.Filter))
}

// Run generates images until src is exhausted or the sample budget is
// exceeded. It returns the number of images written.
func (g *Generator) Run(ctx context.Context, src Source) (int, error) {
	if g.Sampler == nil || g.Model == nil || g.Assembler == nil || g.Rng == nil {
		return 0, errors.Wrap(calibration.ErrInvalidConfig, "generator needs a sampler, a model, an assembler and a random source")
	}
	if g.BatchSize <= 0 || g.NumSamples <= 0 {
		return 0, errors.Wrapf(calibration.ErrInvalidConfig, "batch size %d and sample budget %d must be positive", g.BatchSize, g.NumSamples)
	}
	written := 0
	for batch := 0; ; batch++ {
		if err := ctx.Err(); err != nil {
			return written, errors.Wrapf(err, "batch %d", batch)
		}
		in, err := src.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, errors.Wrapf(err, "batch %d: load", batch)
		}
		n, err := g.runBatch(ctx, batch, in)
		written += n
		if err != nil {
			return written, err
		}
		generated := (batch + 1) * g.BatchSize
		klog.Infof("created %d samples", generated)
		if generated > g.NumSamples {
			break
		}
	}
	return written, nil
}

func (g *Generator) runBatch(ctx context.Context, batch int, in *datasets.Batch) (int, error) {
	cond, err := g.Assembler.Assemble(in.Labels, in.Instances)
	if err != nil {
		return 0, errors.Wrapf(err, "batch %d: assemble conditioning", batch)
	}
	B, _, H, W := cond.Dims4()
	tr, err := g.Sampler.Progressive(ctx, g.Model, []int{B, 3, H, W}, diffusion.Conditioning{Y: cond, Scale: g.GuidanceScale}, g.Rng)
	if err != nil {
		return 0, errors.Wrapf(err, "batch %d", batch)
	}
	sample, err := diffusion.Final(tr)
	if err != nil {
		return 0, errors.Wrapf(err, "batch %d", batch)
	}
	klog.Infof("batch %d: sample mean %.4f max %.4f", batch, (sample.Mean()+1)/2, (sample.Max()+1)/2)

	plane := H * W
	for j := range B {
		stem := Stem(in.Paths[j])
		if in.Images != nil {
			if err := datasets.SaveImage(filepath.Join(g.OutDir, "images", stem+".png"), in.Images, j); err != nil {
				return j, errors.Wrapf(err, "batch %d example %d", batch, j)
			}
		}
		if err := datasets.SaveImage(g.SamplePath(stem), sample, j); err != nil {
			return j, errors.Wrapf(err, "batch %d example %d", batch, j)
		}
		ids := in.Labels.Data[j*plane : (j+1)*plane]
		if err := datasets.SaveIDs(filepath.Join(g.OutDir, "labels", stem+".png"), ids, H, W); err != nil {
			return j, errors.Wrapf(err, "batch %d example %d", batch, j)
		}
	}
	return B, nil
}
