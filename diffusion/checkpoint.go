package diffusion

import (
	"encoding/gob"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Noofbiz/diffcalib/atomicfile"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// checkpointVersion is bumped whenever the on-disk layout changes.
const checkpointVersion = 1

// Param is one named weight tensor.
type Param struct {
	Shape []int
	Data  []float32
}

// Size returns the element count implied by Shape.
func (p Param) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// StateDict maps parameter names to weights.
type StateDict map[string]Param

// Keys returns the parameter names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NumParams returns the total number of weights.
func (sd StateDict) NumParams() int {
	n := 0
	for _, p := range sd {
		n += len(p.Data)
	}
	return n
}

// StripPrefix returns a copy of sd where prefix is removed from every key
// that carries it. Checkpoints saved from a training wrapper store the
// network under "model.". Two keys that become equal, such as
// "model.layers.0.weight" and "layers.0.weight", return ErrBadCheckpoint.
func (sd StateDict) StripPrefix(prefix string) (StateDict, error) {
	out := make(StateDict, len(sd))
	for _, k := range sd.Keys() {
		stripped := strings.TrimPrefix(k, prefix)
		if _, ok := out[stripped]; ok {
			return nil, errors.Wrapf(ErrBadCheckpoint, "key %q collides with %q after stripping %q", k, stripped, prefix)
		}
		out[stripped] = sd[k]
	}
	return out, nil
}

func roundFP16(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

type checkpointFormat struct {
	Version   int
	CreatedAt int64
	Params    StateDict
}

// SaveCheckpoint writes sd to path. The file is written to a temporary
// sibling first and renamed into place.
func SaveCheckpoint(path string, sd StateDict) error {
	if path == "" {
		return errors.New("empty checkpoint path")
	}
	cf := checkpointFormat{Version: checkpointVersion, CreatedAt: time.Now().Unix(), Params: sd}
	return atomicfile.Write(path, func(w io.Writer) error {
		return errors.Wrap(gob.NewEncoder(w).Encode(&cf), "encode checkpoint")
	})
}

// LoadCheckpoint reads a state dict written by SaveCheckpoint. A missing
// file returns the underlying os error; unreadable or inconsistent content
// returns ErrBadCheckpoint.
func LoadCheckpoint(path string) (StateDict, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open checkpoint %s", path)
	}
	defer fh.Close()

	var cf checkpointFormat
	if err := gob.NewDecoder(fh).Decode(&cf); err != nil {
		return nil, errors.Wrapf(ErrBadCheckpoint, "decode %s: %v", path, err)
	}
	if cf.Version != checkpointVersion {
		return nil, errors.Wrapf(ErrBadCheckpoint, "version mismatch: file=%d expected=%d", cf.Version, checkpointVersion)
	}
	for name, p := range cf.Params {
		if p.Size() != len(p.Data) {
			return nil, errors.Wrapf(ErrBadCheckpoint, "param %q: shape %v holds %d values, got %d", name, p.Shape, p.Size(), len(p.Data))
		}
	}
	klog.V(1).Infof("loaded checkpoint %s: %d tensors, %s parameters", path, len(cf.Params), humanize.Comma(int64(cf.Params.NumParams())))
	return cf.Params, nil
}
