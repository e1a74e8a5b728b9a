package conditioning

import (
	"math/rand"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configures an Assembler.
type Options struct {
	// NumClasses is the number of semantic classes of the label maps.
	NumClasses int

	// OneHot expands labels into indicator channels. When false the label
	// values are passed through as a single channel.
	OneHot bool

	// Prune restricts noise and filtering to the channels that are present
	// in each example and restores the absent ones as exact zeros. This is
	// the path used to build calibration data. When false the whole tensor
	// is noised, min-max normalized to [0,1] and filtered.
	Prune bool

	// SNR selects the noise level from Table.
	SNR int

	// Filter is the smoothing applied after the noise.
	Filter FilterMode

	// Table maps SNR to noise level. The zero value means DefaultSNRTable.
	Table SNRTable
}

// Assembler turns label (and optional instance) maps into the conditioning
// tensor handed to the sampler.
type Assembler struct {
	opts  Options
	level float64
	rng   *rand.Rand
}

// NewAssembler validates opts and returns an Assembler drawing noise from
// rng.
func NewAssembler(opts Options, rng *rand.Rand) (*Assembler, error) {
	if opts.NumClasses <= 0 {
		return nil, errors.Wrapf(ErrInvalidClassCount, "got %d", opts.NumClasses)
	}
	if opts.Table.IsZero() {
		opts.Table = DefaultSNRTable()
	}
	level, err := opts.Table.Variance(opts.SNR)
	if err != nil {
		return nil, err
	}
	if _, ok := filterNames[opts.Filter]; !ok {
		return nil, errors.Wrapf(ErrUnknownFilter, "%d", int(opts.Filter))
	}
	if rng == nil {
		return nil, errors.New("assembler needs a random source")
	}
	return &Assembler{opts: opts, level: level, rng: rng}, nil
}

// Options returns the validated options.
func (a *Assembler) Options() Options { return a.opts }

// Channels returns the channel count of the assembled tensor.
func (a *Assembler) Channels(withInstances bool) int {
	c := 1
	if a.opts.OneHot {
		c = a.opts.NumClasses
	}
	if withInstances {
		c++
	}
	return c
}

// Assemble encodes, noises and filters one batch. instances may be nil.
func (a *Assembler) Assemble(labels, instances *tensor.IntTensor) (*tensor.Tensor, error) {
	semantics, err := Encode(labels, instances, a.opts.NumClasses, a.opts.OneHot)
	if err != nil {
		return nil, err
	}
	if a.opts.Prune {
		return a.assembleSparse(semantics, instances != nil)
	}
	return a.assembleDense(semantics)
}

func (a *Assembler) assembleDense(semantics *tensor.Tensor) (*tensor.Tensor, error) {
	addGaussian(semantics, a.level, a.rng)
	if err := NormalizeMinMax(semantics); err != nil {
		return nil, err
	}
	return ApplyFilter(semantics, a.opts.Filter)
}

func (a *Assembler) assembleSparse(semantics *tensor.Tensor, hasEdges bool) (*tensor.Tensor, error) {
	n, c, _, _ := semantics.Dims4()
	examples := make([]*tensor.Tensor, n)
	for b := range n {
		p := PartitionChannels(semantics, b)
		if hasEdges {
			// The edge channel goes through noise and filtering even when
			// the example has no instance boundary.
			p = p.Keep(c - 1)
		}
		klog.V(2).Infof("example %d: %d of %d channels preserved", b, len(p.Preserved), c)

		reduced := SelectChannels(semantics, b, p.Preserved)
		addGaussian(reduced, a.level, a.rng)
		filtered, err := ApplyFilter(reduced, a.opts.Filter)
		if err != nil {
			return nil, err
		}
		if examples[b], err = Restore(filtered, p); err != nil {
			return nil, errors.Wrapf(err, "example %d", b)
		}
	}
	return tensor.Concat(0, examples...)
}

// NormalizeMinMax rescales x in place so its global minimum maps to 0 and
// its maximum to 1. A constant tensor is an error.
func NormalizeMinMax(x *tensor.Tensor) error {
	lo, hi := x.Min(), x.Max()
	if hi <= lo {
		return errors.Wrapf(ErrDegenerateRange, "min=max=%g over %v", lo, x.Shape)
	}
	x.AddConst(-lo)
	x.Scale(1 / (hi - lo))
	return nil
}
