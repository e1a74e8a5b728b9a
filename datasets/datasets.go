package datasets

import (
	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// This file describes the datasets that feed the conditioning pipeline.
//
// SegmentationDataset
//   - Stores paths to label-map PNGs matching a glob pattern
//   - Decodes PNGs on demand, only when a batch is requested
//   - Label maps follow the Cityscapes layout: "<stem>_gtFine_labelIds.png"
//     with an optional "<stem>_gtFine_instanceIds.png" sibling and an
//     optional "leftImg8bit" photograph
//   - Everything is resized to a fixed height and width; ids use nearest
//     neighbour so no new labels are invented at region boundaries
//
// Datasets implement this interface so the calibration collector and the
// image generation run can iterate them the same way.
type Dataset interface {
	Len() int
	Example(i int) (*Batch, error)
	Batch(indices []int) (*Batch, error)
	Shuffle(seed int64)

	// Yield returns the next batch in iteration order and io.EOF after the
	// last one.
	Yield() (*Batch, error)
	Restart() error
}

// Batch is a group of examples sharing one spatial size.
type Batch struct {
	// Labels is (B,1,H,W) with class ids.
	Labels *tensor.IntTensor

	// Instances is (B,1,H,W) with instance ids, or nil.
	Instances *tensor.IntTensor

	// Images is (B,3,H,W) scaled to [-1,1], or nil.
	Images *tensor.Tensor

	// Paths holds the label-map path of every example.
	Paths []string
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	if b == nil || b.Labels == nil {
		return 0
	}
	return b.Labels.Shape[0]
}

// ToGomlxTensors converts the label and instance maps into int32 gomlx
// tensors. The instance tensor is nil when the batch has none.
func (b *Batch) ToGomlxTensors() (labels, instances *tensors.Tensor) {
	labels = tensors.FromFlatDataAndDimensions(b.Labels.Data, b.Labels.Shape...)
	if b.Instances != nil {
		instances = tensors.FromFlatDataAndDimensions(b.Instances.Data, b.Instances.Shape...)
	}
	return labels, instances
}
