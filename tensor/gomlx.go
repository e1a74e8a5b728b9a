package tensor

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ToGomlx converts t into a float32 gomlx tensor with the same dimensions.
func (t *Tensor) ToGomlx() *tensors.Tensor {
	flat := make([]float32, len(t.Data))
	for i, v := range t.Data {
		flat[i] = float32(v)
	}
	return tensors.FromFlatDataAndDimensions(flat, t.Shape...)
}

// FromGomlx converts a float32 gomlx tensor of rank 1 to 4 back into a Tensor.
func FromGomlx(gt *tensors.Tensor) (*Tensor, error) {
	if gt == nil {
		return nil, errors.New("nil gomlx tensor")
	}
	dims := append([]int(nil), gt.Shape().Dimensions...)
	out := New(dims...)
	flat := out.Data[:0]
	switch v := gt.Value().(type) {
	case []float32:
		flat = appendFloat32(flat, v)
	case [][]float32:
		for _, a := range v {
			flat = appendFloat32(flat, a)
		}
	case [][][]float32:
		for _, a := range v {
			for _, b := range a {
				flat = appendFloat32(flat, b)
			}
		}
	case [][][][]float32:
		for _, a := range v {
			for _, b := range a {
				for _, c := range b {
					flat = appendFloat32(flat, c)
				}
			}
		}
	default:
		return nil, errors.Errorf("unsupported gomlx tensor %s: want float32 of rank 1 to 4", gt.Shape())
	}
	if len(flat) != len(out.Data) {
		return nil, errors.Wrapf(ErrShape, "gomlx tensor %s decoded to %d elements", gt.Shape(), len(flat))
	}
	return out, nil
}

func appendFloat32(dst []float64, src []float32) []float64 {
	for _, v := range src {
		dst = append(dst, float64(v))
	}
	return dst
}
