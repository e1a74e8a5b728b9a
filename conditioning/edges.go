package conditioning

import "github.com/Noofbiz/diffcalib/tensor"

// EdgeMask marks instance boundaries. A pixel is 1 when its right/left or
// lower/upper neighbour carries a different instance id; pixels on the
// border only compare against the neighbours that exist.
func EdgeMask(inst *tensor.IntTensor) *tensor.Tensor {
	n, c, h, w := inst.Dims4()
	edge := tensor.New(n, c, h, w)
	for b := range n {
		for ch := range c {
			for y := range h {
				for x := range w {
					v := inst.At(b, ch, y, x)
					if x+1 < w && inst.At(b, ch, y, x+1) != v {
						edge.Set(b, ch, y, x, 1)
						edge.Set(b, ch, y, x+1, 1)
					}
					if y+1 < h && inst.At(b, ch, y+1, x) != v {
						edge.Set(b, ch, y, x, 1)
						edge.Set(b, ch, y+1, x, 1)
					}
				}
			}
		}
	}
	return edge
}
