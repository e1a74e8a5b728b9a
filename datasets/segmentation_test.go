package datasets

import (
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeCityscapes lays out a tiny Cityscapes-style tree under root with one
// example per stem. Label ids are 8-bit, instance ids 16-bit.
func writeCityscapes(t *testing.T, root string, stems []string, h, w int) string {
	t.Helper()
	labelDir := filepath.Join(root, "gtFine", "val", "city")
	imageDir := filepath.Join(root, "leftImg8bit", "val", "city")
	for i, stem := range stems {
		labels := image.NewGray(image.Rect(0, 0, w, h))
		inst := image.NewGray16(image.Rect(0, 0, w, h))
		photo := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := range h {
			for x := range w {
				labels.SetGray(x, y, color.Gray{Y: uint8(i*10 + x)})
				inst.SetGray16(x, y, color.Gray16{Y: uint16(26000 + y)})
				photo.SetRGBA(x, y, color.RGBA{R: 255, G: 0, B: 128, A: 255})
			}
		}
		require.NoError(t, WritePNG(filepath.Join(labelDir, stem+LabelSuffix), labels))
		require.NoError(t, WritePNG(filepath.Join(labelDir, stem+InstanceSuffix), inst))
		require.NoError(t, WritePNG(filepath.Join(imageDir, stem+ImageSuffix), photo))
	}
	return filepath.Join(labelDir, "*"+LabelSuffix)
}

func TestSegmentationDataset_LoadAndYield(t *testing.T) {
	pattern := writeCityscapes(t, t.TempDir(), []string{"a", "b", "c"}, 4, 6)

	ds, err := NewSegmentationDataset(SegmentationConfig{Pattern: pattern, BatchSize: 2, Instances: true, Images: true})
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 4, ds.Config.Height)
	assert.Equal(t, 6, ds.Config.Width)

	b, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, b.Size())
	assert.Equal(t, []int{2, 1, 4, 6}, b.Labels.Shape)
	assert.Equal(t, []int{2, 1, 4, 6}, b.Instances.Shape)
	assert.Equal(t, []int{2, 3, 4, 6}, b.Images.Shape)

	// Example 1 ("b") has label 10+x and instance 26000+y.
	assert.Equal(t, int32(13), b.Labels.At(1, 0, 2, 3))
	assert.Equal(t, int32(26002), b.Instances.At(1, 0, 2, 3))
	assert.InDelta(t, 1.0, b.Images.At(0, 0, 1, 1), 1e-9)
	assert.InDelta(t, -1.0, b.Images.At(0, 1, 1, 1), 1e-9)

	b, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 1, b.Size())
	assert.Equal(t, "c"+LabelSuffix, filepath.Base(b.Paths[0]))

	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	require.NoError(t, ds.Restart())
	b, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, "a"+LabelSuffix, filepath.Base(b.Paths[0]))
}

func TestSegmentationDataset_AsDataset(t *testing.T) {
	pattern := writeCityscapes(t, t.TempDir(), []string{"a", "b", "c"}, 2, 2)
	sd, err := NewSegmentationDataset(SegmentationConfig{Pattern: pattern, BatchSize: 2})
	require.NoError(t, err)

	var ds Dataset = sd
	b, err := ds.Batch([]int{2, 0})
	require.NoError(t, err)
	assert.Equal(t, "c"+LabelSuffix, filepath.Base(b.Paths[0]))
	assert.Equal(t, "a"+LabelSuffix, filepath.Base(b.Paths[1]))

	e, err := ds.Example(1)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Size())

	seen := 0
	for {
		b, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen += b.Size()
	}
	assert.Equal(t, ds.Len(), seen)
}

func TestSegmentationDataset_NearestNeighbourResize(t *testing.T) {
	pattern := writeCityscapes(t, t.TempDir(), []string{"a"}, 4, 6)

	ds, err := NewSegmentationDataset(SegmentationConfig{Pattern: pattern, Height: 8, Width: 3})
	require.NoError(t, err)
	b, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 8, 3}, b.Labels.Shape)
	assert.Nil(t, b.Instances)
	assert.Nil(t, b.Images)

	// Only ids present in the source survive.
	for _, v := range b.Labels.Data {
		assert.GreaterOrEqual(t, v, int32(0))
		assert.Less(t, v, int32(6))
	}
	// Columns stay constant since ids only vary along x.
	for x := range 3 {
		for y := 1; y < 8; y++ {
			assert.Equal(t, b.Labels.At(0, 0, 0, x), b.Labels.At(0, 0, y, x))
		}
	}
}

func TestSegmentationDataset_Shuffle(t *testing.T) {
	pattern := writeCityscapes(t, t.TempDir(), []string{"a", "b", "c", "d", "e"}, 2, 2)

	order := func(seed int64) []string {
		ds, err := NewSegmentationDataset(SegmentationConfig{Pattern: pattern, BatchSize: 2})
		require.NoError(t, err)
		ds.Shuffle(seed)
		var paths []string
		for {
			b, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			paths = append(paths, b.Paths...)
		}
		return paths
	}
	first := order(3)
	assert.Equal(t, first, order(3))
	assert.Len(t, first, 5)

	sorted := append([]string(nil), first...)
	sort.Strings(sorted)
	ds, err := NewSegmentationDataset(SegmentationConfig{Pattern: pattern})
	require.NoError(t, err)
	assert.Equal(t, ds.Paths(), sorted)
}

func TestSegmentationDataset_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := NewSegmentationDataset(SegmentationConfig{Pattern: filepath.Join(dir, "*.png")})
	assert.Error(t, err)

	pattern := writeCityscapes(t, dir, []string{"a"}, 2, 2)
	require.NoError(t, os.Remove(filepath.Join(dir, "gtFine", "val", "city", "a"+InstanceSuffix)))
	ds, err := NewSegmentationDataset(SegmentationConfig{Pattern: pattern, Instances: true})
	require.NoError(t, err)
	_, err = ds.Example(0)
	assert.ErrorContains(t, err, "instance map")

	_, err = ds.Batch([]int{3})
	assert.Error(t, err)
}

func TestImagePath(t *testing.T) {
	in := filepath.Join("data", "gtFine", "val", "lindau", "lindau_000000_000019"+LabelSuffix)
	want := filepath.Join("data", "leftImg8bit", "val", "lindau", "lindau_000000_000019"+ImageSuffix)
	assert.Equal(t, want, imagePath(in))
	assert.Equal(t, filepath.Join("x", "s"+InstanceSuffix), siblingPath(filepath.Join("x", "s"+LabelSuffix), InstanceSuffix))
}

func TestSaveIDsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ids := []int32{0, 7, 33, 26001, 1, 2}
	path := filepath.Join(dir, "gtFine", "val", "c", "x"+LabelSuffix)
	require.NoError(t, SaveIDs(path, ids, 2, 3))

	ds, err := NewSegmentationDataset(SegmentationConfig{Pattern: path})
	require.NoError(t, err)
	b, err := ds.Example(0)
	require.NoError(t, err)
	assert.Equal(t, ids, b.Labels.Data)

	labels, instances := b.ToGomlxTensors()
	assert.Equal(t, []int{1, 1, 2, 3}, labels.Shape().Dimensions)
	assert.Nil(t, instances)

	assert.Error(t, SaveIDs(path, ids, 4, 4))
}
