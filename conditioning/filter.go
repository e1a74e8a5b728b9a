package conditioning

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// FilterMode selects the spatial smoothing applied to the noised
// conditioning.
type FilterMode int

const (
	// FilterNone passes the tensor through.
	FilterNone FilterMode = iota
	// FilterMedian is a 3x3 median with reflect padding; the output keeps the
	// input size.
	FilterMedian
	// FilterMean is a 3x3 average, stride 1, zero padding 1.
	FilterMean
	// FilterMax is FilterMean followed by a 3x3 max. Averaging alone shrinks
	// thin class regions; the max brings their presence back.
	FilterMax
)

const window = 3

var filterNames = map[FilterMode]string{
	FilterNone:   "none",
	FilterMedian: "med",
	FilterMean:   "mean",
	FilterMax:    "max",
}

func (m FilterMode) String() string {
	if s, ok := filterNames[m]; ok {
		return s
	}
	return fmt.Sprintf("FilterMode(%d)", int(m))
}

// ParseFilterMode accepts "none", "med" (or "median"), "mean" and "max".
func ParseFilterMode(s string) (FilterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return FilterNone, nil
	case "med", "median":
		return FilterMedian, nil
	case "mean", "avg":
		return FilterMean, nil
	case "max":
		return FilterMax, nil
	}
	return FilterNone, errors.Wrapf(ErrUnknownFilter, "%q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m FilterMode) MarshalText() ([]byte, error) {
	if _, ok := filterNames[m]; !ok {
		return nil, errors.Wrapf(ErrUnknownFilter, "%d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *FilterMode) UnmarshalText(b []byte) error {
	parsed, err := ParseFilterMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ApplyFilter returns a filtered copy of the (B,C,H,W) tensor x. Every
// channel plane is filtered independently.
func ApplyFilter(x *tensor.Tensor, m FilterMode) (*tensor.Tensor, error) {
	switch m {
	case FilterNone:
		return x.Clone(), nil
	case FilterMedian:
		return perPlane(x, medianPlane), nil
	case FilterMean:
		return perPlane(x, meanPlane), nil
	case FilterMax:
		return perPlane(perPlane(x, meanPlane), maxPlane), nil
	}
	return nil, errors.Wrapf(ErrUnknownFilter, "%d", int(m))
}

type planeFunc func(dst, src []float64, h, w int)

func perPlane(x *tensor.Tensor, f planeFunc) *tensor.Tensor {
	n, c, h, w := x.Dims4()
	out := tensor.ZerosLike(x)
	for b := range n {
		for ch := range c {
			f(out.Plane(b, ch), x.Plane(b, ch), h, w)
		}
	}
	return out
}

// reflect mirrors i into [0, n) without repeating the edge sample.
func reflect(i, n int) int {
	if n == 1 {
		return 0
	}
	if i < 0 {
		return -i
	}
	if i >= n {
		return 2*n - 2 - i
	}
	return i
}

func medianPlane(dst, src []float64, h, w int) {
	var win [window * window]float64
	for y := range h {
		for x := range w {
			k := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					win[k] = src[reflect(y+dy, h)*w+reflect(x+dx, w)]
					k++
				}
			}
			slices.Sort(win[:])
			dst[y*w+x] = win[len(win)/2]
		}
	}
}

func meanPlane(dst, src []float64, h, w int) {
	for y := range h {
		for x := range w {
			sum := 0.0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					yy, xx := y+dy, x+dx
					if yy < 0 || yy >= h || xx < 0 || xx >= w {
						continue
					}
					sum += src[yy*w+xx]
				}
			}
			// Padded cells count as zeros.
			dst[y*w+x] = sum / (window * window)
		}
	}
}

func maxPlane(dst, src []float64, h, w int) {
	for y := range h {
		for x := range w {
			best := math.Inf(-1)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					yy, xx := y+dy, x+dx
					if yy < 0 || yy >= h || xx < 0 || xx >= w {
						continue
					}
					best = max(best, src[yy*w+xx])
				}
			}
			dst[y*w+x] = best
		}
	}
}
