package conditioning

import (
	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// Encode turns a (B,1,H,W) label map into the semantic input of the
// denoiser.
//
// With oneHot set the result is a (B,numClasses,H,W) indicator stack with a
// single 1 per pixel in the channel of its label. Otherwise the label values
// pass through unchanged as a single float channel. When instances is not
// nil its EdgeMask is appended as one extra channel.
func Encode(labels, instances *tensor.IntTensor, numClasses int, oneHot bool) (*tensor.Tensor, error) {
	if numClasses <= 0 {
		return nil, errors.Wrapf(ErrInvalidClassCount, "got %d", numClasses)
	}
	if len(labels.Shape) != 4 || labels.Shape[1] != 1 {
		return nil, errors.Wrapf(tensor.ErrShape, "label map must be (B,1,H,W), got %v", labels.Shape)
	}
	if instances != nil && !tensor.ShapeEqual(labels.Shape, instances.Shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "labels %v, instances %v", labels.Shape, instances.Shape)
	}

	var semantics *tensor.Tensor
	if oneHot {
		var err error
		if semantics, err = oneHotEncode(labels, numClasses); err != nil {
			return nil, err
		}
	} else {
		semantics = labels.Float()
	}

	if instances == nil {
		return semantics, nil
	}
	return tensor.Concat(1, semantics, EdgeMask(instances))
}

func oneHotEncode(labels *tensor.IntTensor, numClasses int) (*tensor.Tensor, error) {
	n, _, h, w := labels.Dims4()
	out := tensor.New(n, numClasses, h, w)
	for b := range n {
		for y := range h {
			for x := range w {
				cls := labels.At(b, 0, y, x)
				if cls < 0 || int(cls) >= numClasses {
					return nil, errors.Wrapf(ErrLabelOutOfRange,
						"example %d pixel (%d,%d) has label %d, want [0,%d)", b, y, x, cls, numClasses)
				}
				out.Set(b, int(cls), y, x, 1)
			}
		}
	}
	return out, nil
}
