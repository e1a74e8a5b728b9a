package calibration

import (
	"encoding/gob"
	"io"
	"os"
	"time"

	"github.com/Noofbiz/diffcalib/atomicfile"
	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// archiveVersion is bumped whenever the archive layout changes.
const archiveVersion = 1

// Record is one capture of the sampling trajectory. All three parts share
// the leading batch dimension.
type Record struct {
	// Sample is the intermediate sample, (B,C,H,W).
	Sample *tensor.Tensor

	// Timesteps holds the normalized timestep of each example, len B.
	Timesteps []float64

	// Cond is the conditioning the sample was generated with, (B,K,H,W).
	Cond *tensor.Tensor
}

// Size returns the batch dimension of r.
func (r Record) Size() int { return len(r.Timesteps) }

func (r Record) validate() error {
	if r.Sample == nil || r.Cond == nil {
		return errors.Wrap(ErrRaggedRecord, "record is missing its sample or conditioning")
	}
	if r.Sample.Rank() != 4 || r.Cond.Rank() != 4 {
		return errors.Wrapf(ErrRaggedRecord, "sample %v and conditioning %v must be (B,C,H,W)", r.Sample.Shape, r.Cond.Shape)
	}
	b := len(r.Timesteps)
	if b == 0 || r.Sample.Shape[0] != b || r.Cond.Shape[0] != b {
		return errors.Wrapf(ErrRaggedRecord, "batch sizes differ: sample %d, timesteps %d, conditioning %d",
			r.Sample.Shape[0], b, r.Cond.Shape[0])
	}
	return nil
}

// Builder accumulates records until Build concatenates them.
type Builder struct {
	samples   []*tensor.Tensor
	conds     []*tensor.Tensor
	timesteps []float64
}

// Append adds r. Records whose parts disagree on the batch size, or whose
// per-example shapes differ from earlier records, are rejected and leave
// the builder unchanged.
func (b *Builder) Append(r Record) error {
	if err := r.validate(); err != nil {
		return err
	}
	if len(b.samples) > 0 {
		if !tensor.ShapeEqual(b.samples[0].Shape[1:], r.Sample.Shape[1:]) {
			return errors.Wrapf(ErrRaggedRecord, "sample %v does not match %v", r.Sample.Shape, b.samples[0].Shape)
		}
		if !tensor.ShapeEqual(b.conds[0].Shape[1:], r.Cond.Shape[1:]) {
			return errors.Wrapf(ErrRaggedRecord, "conditioning %v does not match %v", r.Cond.Shape, b.conds[0].Shape)
		}
	}
	b.samples = append(b.samples, r.Sample)
	b.conds = append(b.conds, r.Cond)
	b.timesteps = append(b.timesteps, r.Timesteps...)
	return nil
}

// Len returns the number of examples appended so far.
func (b *Builder) Len() int { return len(b.timesteps) }

// Records returns the number of records appended so far.
func (b *Builder) Records() int { return len(b.samples) }

// Build concatenates every record along the example dimension and clears
// the builder.
func (b *Builder) Build() (*Dataset, error) {
	if len(b.samples) == 0 {
		return nil, errors.New("no calibration records were captured")
	}
	samples, err := tensor.Concat(0, b.samples...)
	if err != nil {
		return nil, errors.Wrap(err, "concatenate samples")
	}
	conds, err := tensor.Concat(0, b.conds...)
	if err != nil {
		return nil, errors.Wrap(err, "concatenate conditionings")
	}
	ds := &Dataset{Samples: samples, Timesteps: b.timesteps, Conds: conds}
	*b = Builder{}
	return ds, nil
}

// Dataset is the calibration corpus: three aligned tensors with the same
// leading example dimension.
type Dataset struct {
	Samples   *tensor.Tensor
	Timesteps []float64
	Conds     *tensor.Tensor
}

// Len returns the number of examples.
func (d *Dataset) Len() int { return len(d.Timesteps) }

type archiveHeader struct {
	Version   int
	CreatedAt int64
	Examples  int
}

// Save writes d to path as a gob archive: a header followed by the
// samples, timesteps and conditionings as gomlx tensors. The file is
// written to a temporary sibling first and renamed into place.
func (d *Dataset) Save(path string) error {
	if path == "" {
		return errors.New("empty archive path")
	}
	if d.Samples.Shape[0] != d.Len() || d.Conds.Shape[0] != d.Len() {
		return errors.Wrapf(ErrRaggedRecord, "samples %v, %d timesteps, conditionings %v", d.Samples.Shape, d.Len(), d.Conds.Shape)
	}

	ts := make([]float32, d.Len())
	for i, v := range d.Timesteps {
		ts[i] = float32(v)
	}
	parts := []*tensors.Tensor{
		d.Samples.ToGomlx(),
		tensors.FromFlatDataAndDimensions(ts, d.Len()),
		d.Conds.ToGomlx(),
	}
	err := atomicfile.Write(path, func(w io.Writer) error {
		enc := gob.NewEncoder(w)
		if err := enc.Encode(&archiveHeader{Version: archiveVersion, CreatedAt: time.Now().Unix(), Examples: d.Len()}); err != nil {
			return errors.Wrap(err, "encode archive header")
		}
		for _, part := range parts {
			if err := part.GobSerialize(enc); err != nil {
				return errors.Wrapf(err, "encode tensor %s", part.Shape())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if fi, err := os.Stat(path); err == nil {
		klog.Infof("wrote %s: %d examples, %s", path, d.Len(), humanize.Bytes(uint64(fi.Size())))
	}
	return nil
}

// Load reads an archive written by Save.
func Load(path string) (*Dataset, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %s", path)
	}
	defer fh.Close()

	dec := gob.NewDecoder(fh)
	var hdr archiveHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, errors.Wrapf(ErrBadArchive, "decode header of %s: %v", path, err)
	}
	if hdr.Version != archiveVersion {
		return nil, errors.Wrapf(ErrBadArchive, "version mismatch: archive=%d expected=%d", hdr.Version, archiveVersion)
	}
	parts := make([]*tensor.Tensor, 3)
	for i := range parts {
		gt, err := tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.Wrapf(ErrBadArchive, "decode tensor %d of %s: %v", i, path, err)
		}
		parts[i], err = tensor.FromGomlx(gt)
		if err != nil {
			return nil, errors.Wrapf(ErrBadArchive, "tensor %d: %v", i, err)
		}
	}
	ds := &Dataset{Samples: parts[0], Timesteps: parts[1].Data, Conds: parts[2]}
	if ds.Len() != hdr.Examples || ds.Samples.Shape[0] != hdr.Examples || ds.Conds.Shape[0] != hdr.Examples {
		return nil, errors.Wrapf(ErrBadArchive, "header says %d examples, got samples %v, %d timesteps, conditionings %v",
			hdr.Examples, ds.Samples.Shape, ds.Len(), ds.Conds.Shape)
	}
	return ds, nil
}
