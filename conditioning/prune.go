package conditioning

import (
	"slices"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// Partition splits the channels of one example into those carrying signal
// and those that are entirely zero. Both lists are in ascending channel
// order and together cover [0, C) exactly once.
type Partition struct {
	Preserved []int
	Discarded []int
}

// Channels returns the full channel count C the partition covers.
func (p Partition) Channels() int {
	return len(p.Preserved) + len(p.Discarded)
}

// Keep returns a copy of p with channel c moved to the preserved set.
func (p Partition) Keep(c int) Partition {
	out := Partition{
		Preserved: slices.Clone(p.Preserved),
		Discarded: make([]int, 0, len(p.Discarded)),
	}
	for _, d := range p.Discarded {
		if d != c {
			out.Discarded = append(out.Discarded, d)
		}
	}
	if !slices.Contains(out.Preserved, c) {
		out.Preserved = append(out.Preserved, c)
		slices.Sort(out.Preserved)
	}
	return out
}

// PartitionChannels inspects example n of x and sorts its channels by
// whether any entry is nonzero.
func PartitionChannels(x *tensor.Tensor, n int) Partition {
	_, c, _, _ := x.Dims4()
	var p Partition
	for ch := range c {
		if slices.ContainsFunc(x.Plane(n, ch), func(v float64) bool { return v != 0 }) {
			p.Preserved = append(p.Preserved, ch)
		} else {
			p.Discarded = append(p.Discarded, ch)
		}
	}
	return p
}

// SelectChannels copies channels idx of example n into a (1,len(idx),H,W)
// tensor.
func SelectChannels(x *tensor.Tensor, n int, idx []int) *tensor.Tensor {
	_, _, h, w := x.Dims4()
	out := tensor.New(1, len(idx), h, w)
	for i, ch := range idx {
		copy(out.Plane(0, i), x.Plane(n, ch))
	}
	return out
}

// Restore scatters a reduced (1,P,H,W) tensor back to the full channel
// layout described by p. Discarded channels are written as exact zeros.
func Restore(reduced *tensor.Tensor, p Partition) (*tensor.Tensor, error) {
	n, c, h, w := reduced.Dims4()
	if n != 1 || c != len(p.Preserved) {
		return nil, errors.Wrapf(tensor.ErrShape,
			"restore expects (1,%d,H,W), got %v", len(p.Preserved), reduced.Shape)
	}
	out := tensor.New(1, p.Channels(), h, w)
	for i, ch := range p.Preserved {
		copy(out.Plane(0, ch), reduced.Plane(0, i))
	}
	for _, ch := range p.Discarded {
		clear(out.Plane(0, ch))
	}
	return out, nil
}
