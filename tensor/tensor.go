// Package tensor holds the small dense tensor types the conditioning
// pipeline, the samplers and the calibration collector share.
//
// Tensors are plain row-major buffers. Everything that needs an
// accelerator lives behind the diffusion.Denoiser interface, so the
// preprocessing logic runs (and is tested) on in-memory slices only.
// Conversion to gomlx tensors happens at the persistence boundary.
package tensor

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrShape is returned when tensor shapes are incompatible for an operation.
var ErrShape = errors.New("incompatible tensor shape")

// Tensor is a dense float64 tensor. 4D tensors use NCHW layout.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, numElements(shape)),
	}
}

// FromData wraps data with the given shape. The slice is not copied.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	if n := numElements(shape); n != len(data) {
		return nil, errors.Wrapf(ErrShape, "shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Normal returns a tensor of independent standard normal draws from rng.
func Normal(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// ZerosLike allocates a zero tensor with t's shape.
func ZerosLike(t *Tensor) *Tensor {
	return New(t.Shape...)
}

// Dims4 returns the NCHW dimensions of a rank-4 tensor.
func (t *Tensor) Dims4() (n, c, h, w int) {
	if len(t.Shape) != 4 {
		panic(fmt.Sprintf("tensor: Dims4 on rank-%d tensor %v", len(t.Shape), t.Shape))
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}

// Index returns the flat offset of element (n, c, h, w).
func (t *Tensor) Index(n, c, h, w int) int {
	return ((n*t.Shape[1]+c)*t.Shape[2]+h)*t.Shape[3] + w
}

// At returns element (n, c, h, w).
func (t *Tensor) At(n, c, h, w int) float64 {
	return t.Data[t.Index(n, c, h, w)]
}

// Set assigns element (n, c, h, w).
func (t *Tensor) Set(n, c, h, w int, v float64) {
	t.Data[t.Index(n, c, h, w)] = v
}

// Plane returns the HxW plane of example n, channel c. It aliases t.Data.
func (t *Tensor) Plane(n, c int) []float64 {
	_, _, h, w := t.Dims4()
	start := t.Index(n, c, 0, 0)
	return t.Data[start : start+h*w]
}

// Example copies example n of the leading axis into a tensor whose
// leading dimension is 1.
func (t *Tensor) Example(n int) *Tensor {
	if len(t.Shape) == 0 || n < 0 || n >= t.Shape[0] {
		panic(fmt.Sprintf("tensor: example %d out of range for shape %v", n, t.Shape))
	}
	shape := append([]int{1}, t.Shape[1:]...)
	size := numElements(t.Shape[1:])
	e := New(shape...)
	copy(e.Data, t.Data[n*size:(n+1)*size])
	return e
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return ShapeEqual(t.Shape, o.Shape)
}

// ShapeEqual compares two shapes.
func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.Wrap(ErrShape, "concat of zero tensors")
	}
	rank := ts[0].Rank()
	if axis < 0 || axis >= rank {
		return nil, errors.Wrapf(ErrShape, "concat axis %d out of range for rank %d", axis, rank)
	}
	shape := append([]int(nil), ts[0].Shape...)
	shape[axis] = 0
	for i, x := range ts {
		if x.Rank() != rank {
			return nil, errors.Wrapf(ErrShape, "concat: tensor %d has rank %d, want %d", i, x.Rank(), rank)
		}
		for d := range rank {
			if d != axis && x.Shape[d] != ts[0].Shape[d] {
				return nil, errors.Wrapf(ErrShape, "concat: tensor %d shape %v incompatible with %v on axis %d",
					i, x.Shape, ts[0].Shape, axis)
			}
		}
		shape[axis] += x.Shape[axis]
	}

	out := New(shape...)
	outer := numElements(shape[:axis])
	inner := numElements(shape[axis+1:])
	pos := 0
	for o := range outer {
		for _, x := range ts {
			chunk := x.Shape[axis] * inner
			copy(out.Data[pos:pos+chunk], x.Data[o*chunk:(o+1)*chunk])
			pos += chunk
		}
	}
	return out, nil
}

// Min returns the smallest element.
func (t *Tensor) Min() float64 { return floats.Min(t.Data) }

// Max returns the largest element.
func (t *Tensor) Max() float64 { return floats.Max(t.Data) }

// Mean returns the arithmetic mean.
func (t *Tensor) Mean() float64 { return stat.Mean(t.Data, nil) }

// StdDev returns the sample standard deviation.
func (t *Tensor) StdDev() float64 { return stat.StdDev(t.Data, nil) }

// Scale multiplies every element by f in place.
func (t *Tensor) Scale(f float64) { floats.Scale(f, t.Data) }

// AddConst adds c to every element in place.
func (t *Tensor) AddConst(c float64) { floats.AddConst(c, t.Data) }

// CountNonZero returns how many elements differ from zero.
func (t *Tensor) CountNonZero() int {
	n := 0
	for _, v := range t.Data {
		if v != 0 {
			n++
		}
	}
	return n
}
