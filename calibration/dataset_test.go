package calibration

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(rng *rand.Rand, b int, ts float64) Record {
	r := Record{
		Sample:    tensor.Normal(rng, b, 3, 2, 4),
		Timesteps: make([]float64, b),
		Cond:      tensor.Normal(rng, b, 5, 2, 4),
	}
	for i := range r.Timesteps {
		r.Timesteps[i] = ts
	}
	return r
}

func TestBuilderConcatenatesInOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	first := newRecord(rng, 2, 100)
	second := newRecord(rng, 2, 900)

	var b Builder
	require.NoError(t, b.Append(first))
	require.NoError(t, b.Append(second))
	assert.Equal(t, 4, b.Len())
	assert.Equal(t, 2, b.Records())

	ds, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, []int{4, 3, 2, 4}, ds.Samples.Shape)
	assert.Equal(t, []int{4, 5, 2, 4}, ds.Conds.Shape)
	assert.Equal(t, []float64{100, 100, 900, 900}, ds.Timesteps)
	assert.Equal(t, second.Sample.Example(1).Data, ds.Samples.Example(3).Data)
	assert.Equal(t, first.Cond.Example(0).Data, ds.Conds.Example(0).Data)

	assert.Zero(t, b.Len())
	_, err = b.Build()
	assert.Error(t, err)
}

func TestBuilderRejectsRaggedRecords(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var b Builder

	r := newRecord(rng, 2, 1)
	r.Timesteps = r.Timesteps[:1]
	assert.True(t, errors.Is(b.Append(r), ErrRaggedRecord))

	r = newRecord(rng, 2, 1)
	r.Cond = nil
	assert.True(t, errors.Is(b.Append(r), ErrRaggedRecord))

	require.NoError(t, b.Append(newRecord(rng, 2, 1)))
	r = newRecord(rng, 2, 1)
	r.Cond = tensor.New(2, 6, 2, 4)
	assert.True(t, errors.Is(b.Append(r), ErrRaggedRecord))
	r = newRecord(rng, 1, 1)
	r.Sample = tensor.New(1, 3, 4, 2)
	assert.True(t, errors.Is(b.Append(r), ErrRaggedRecord))

	// Rejected records leave no trace.
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 1, b.Records())
}

func TestDatasetSaveLoad(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	var b Builder
	require.NoError(t, b.Append(newRecord(rng, 2, 0)))
	require.NoError(t, b.Append(newRecord(rng, 2, 500)))
	ds, err := b.Build()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out", "cali_data.gob")
	require.NoError(t, ds.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ds.Samples.Shape, loaded.Samples.Shape)
	assert.Equal(t, ds.Conds.Shape, loaded.Conds.Shape)
	assert.Equal(t, ds.Timesteps, loaded.Timesteps)
	assert.InDeltaSlice(t, ds.Samples.Data, loaded.Samples.Data, 1e-6)
	assert.InDeltaSlice(t, ds.Conds.Data, loaded.Conds.Data, 1e-6)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.gob"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	garbage := filepath.Join(dir, "garbage.gob")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not gob"), 0644))
	_, err = Load(garbage)
	assert.True(t, errors.Is(err, ErrBadArchive))
}

func TestDatasetSaveRejectsMisalignedTensors(t *testing.T) {
	ds := &Dataset{
		Samples:   tensor.New(2, 3, 1, 1),
		Timesteps: []float64{1, 2, 3},
		Conds:     tensor.New(2, 1, 1, 1),
	}
	err := ds.Save(filepath.Join(t.TempDir(), "x.gob"))
	assert.True(t, errors.Is(err, ErrRaggedRecord))
}
