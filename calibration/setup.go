package calibration

import (
	"math/rand"

	"github.com/Noofbiz/diffcalib/datasets"
	"github.com/Noofbiz/diffcalib/diffusion"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OpenDataset opens the label maps described by c. images also loads the
// photographs next to them.
func (c Config) OpenDataset(images bool) (datasets.Dataset, error) {
	ds, err := datasets.NewSegmentationDataset(datasets.SegmentationConfig{
		Pattern:   c.LabelPattern,
		BatchSize: c.BatchSize,
		Height:    c.Height,
		Width:     c.Width,
		Instances: c.Instances,
		Images:    images,
	})
	if err != nil {
		return nil, err
	}
	if c.Shuffle {
		ds.Shuffle(c.Seed)
	}
	klog.Infof("using label pattern %s (%d maps, %dx%d)", ds.Config.Pattern, ds.Len(), ds.Config.Height, ds.Config.Width)
	return ds, nil
}

// LoadModel builds the reference denoiser for conditioning tensors with
// condChannels channels and loads c.ModelPath into it. Without a model path
// the randomly initialised weights are kept. Checkpoint errors are returned
// before any sampling can start.
func (c Config) LoadModel(condChannels int, rng *rand.Rand) (*diffusion.PixelMLP, error) {
	model, err := diffusion.NewPixelMLP(c.ModelConfig(condChannels), rng)
	if err != nil {
		return nil, err
	}
	if c.ModelPath == "" {
		klog.Warningf("no model path given, sampling with randomly initialised weights")
	} else {
		sd, err := diffusion.LoadCheckpoint(c.ModelPath)
		if err != nil {
			return nil, err
		}
		sd, err = sd.StripPrefix("model.")
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", c.ModelPath)
		}
		if err := model.LoadStateDict(sd); err != nil {
			return nil, errors.Wrapf(err, "load %s", c.ModelPath)
		}
	}
	if c.FP16 {
		model.ConvertToFP16()
	}
	klog.Infof("denoiser ready: %s parameters, fp16=%t", humanize.Comma(int64(model.StateDict().NumParams())), c.FP16)
	return model, nil
}
