package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// IntTensor holds integer maps such as segmentation labels and instance
// ids. 4D maps use (batch, 1, H, W).
type IntTensor struct {
	Shape []int
	Data  []int32
}

// NewInt allocates a zero integer tensor.
func NewInt(shape ...int) *IntTensor {
	return &IntTensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]int32, numElements(shape)),
	}
}

// IntFromData wraps data with the given shape. The slice is not copied.
func IntFromData(data []int32, shape ...int) (*IntTensor, error) {
	if n := numElements(shape); n != len(data) {
		return nil, errors.Wrapf(ErrShape, "shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &IntTensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Dims4 returns the NCHW dimensions of a rank-4 map.
func (t *IntTensor) Dims4() (n, c, h, w int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: Dims4 on rank-%d int tensor %v", len(t.Shape), t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// Index returns the flat offset of element (n, c, h, w).
func (t *IntTensor) Index(n, c, h, w int) int {
	return ((n*t.Shape[1]+c)*t.Shape[2]+h)*t.Shape[3] + w
}

// At returns element (n, c, h, w).
func (t *IntTensor) At(n, c, h, w int) int32 {
	return t.Data[t.Index(n, c, h, w)]
}

// Float converts the map to a float tensor of the same shape.
func (t *IntTensor) Float() *Tensor {
	f := New(t.Shape...)
	for i, v := range t.Data {
		f.Data[i] = float64(v)
	}
	return f
}

// ConcatInt joins integer maps along the leading axis.
func ConcatInt(ts ...*IntTensor) (*IntTensor, error) {
	if len(ts) == 0 {
		return nil, errors.Wrap(ErrShape, "concat of zero tensors")
	}
	shape := append([]int(nil), ts[0].Shape...)
	shape[0] = 0
	for i, x := range ts {
		if !ShapeEqual(x.Shape[1:], ts[0].Shape[1:]) {
			return nil, errors.Wrapf(ErrShape, "concat: map %d shape %v incompatible with %v", i, x.Shape, ts[0].Shape)
		}
		shape[0] += x.Shape[0]
	}
	out := &IntTensor{Shape: shape, Data: make([]int32, 0, numElements(shape))}
	for _, x := range ts {
		out.Data = append(out.Data, x.Data...)
	}
	return out, nil
}
