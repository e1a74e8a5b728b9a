package conditioning

import (
	"maps"
	"math/rand"
	"slices"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// NoNoiseSNR is the ratio at which no noise is injected at all.
const NoNoiseSNR = 100

// SNRTable maps a signal-to-noise ratio to the noise level injected into
// the conditioning. Higher ratios map to lower levels. The table is
// immutable once built; pass it by value.
type SNRTable struct {
	variances map[int]float64
}

// DefaultSNRTable returns the ratios the calibration corpus is built with.
func DefaultSNRTable() SNRTable {
	return NewSNRTable(map[int]float64{
		100: 0.0,
		30:  0.05,
		25:  0.08,
		20:  0.13,
		15:  0.22,
		10:  0.36,
		5:   0.6,
		1:   0.9,
	})
}

// NewSNRTable copies m into a table.
func NewSNRTable(m map[int]float64) SNRTable {
	return SNRTable{variances: maps.Clone(m)}
}

// IsZero reports whether the table has no entries.
func (t SNRTable) IsZero() bool { return len(t.variances) == 0 }

// Variance returns the noise level for snr.
func (t SNRTable) Variance(snr int) (float64, error) {
	v, ok := t.variances[snr]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownSNR, "snr %d (known: %v)", snr, t.Ratios())
	}
	return v, nil
}

// Ratios lists the known ratios in ascending order.
func (t SNRTable) Ratios() []int {
	return slices.Sorted(maps.Keys(t.variances))
}

// InjectNoise adds zero-mean Gaussian noise at the level the table assigns
// to snr, in place. The table value scales a unit normal directly. A zero
// level leaves x untouched.
func InjectNoise(x *tensor.Tensor, snr int, table SNRTable, rng *rand.Rand) error {
	level, err := table.Variance(snr)
	if err != nil {
		return err
	}
	addGaussian(x, level, rng)
	return nil
}

func addGaussian(x *tensor.Tensor, level float64, rng *rand.Rand) {
	if level == 0 {
		return
	}
	for i := range x.Data {
		x.Data[i] += rng.NormFloat64() * level
	}
}
