package datasets

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// SegmentationConfig configures NewSegmentationDataset.
type SegmentationConfig struct {
	// Pattern is a glob matching label-map PNGs. If empty the
	// DefaultLabelPatterns are tried.
	Pattern string

	// BatchSize used by Yield. Default 1.
	BatchSize int

	// Height and Width of every returned map. Zero keeps the size of the
	// first label map.
	Height, Width int

	// Instances loads the "_gtFine_instanceIds.png" sibling of each label map.
	Instances bool

	// Images loads the "leftImg8bit" photograph of each label map.
	Images bool
}

// SegmentationDataset lazily loads semantic label maps, and optionally
// instance maps and photographs, from PNG files.
type SegmentationDataset struct {
	Config SegmentationConfig

	// List of label-map paths matching the pattern, sorted.
	labelPaths []string

	// order is the iteration order used by Yield.
	order []int

	// next is the position in order of the next Yield.
	next int

	rand *rand.Rand
}

var _ Dataset = (*SegmentationDataset)(nil)

// NewSegmentationDataset globs the label maps described by cfg. No PNG is
// decoded until a batch is requested, except the first one when the size
// is taken from it.
func NewSegmentationDataset(cfg SegmentationConfig) (*SegmentationDataset, error) {
	if cfg.Pattern == "" {
		pattern, err := FindLabelMaps(DefaultLabelPatterns)
		if err != nil {
			return nil, err
		}
		cfg.Pattern = pattern
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Height < 0 || cfg.Width < 0 {
		return nil, errors.Errorf("invalid size %dx%d", cfg.Height, cfg.Width)
	}
	paths, err := filepath.Glob(cfg.Pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to glob pattern %s", cfg.Pattern)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no label maps found matching pattern: %s", cfg.Pattern)
	}

	ds := &SegmentationDataset{
		Config:     cfg,
		labelPaths: paths,
		order:      make([]int, len(paths)),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range ds.order {
		ds.order[i] = i
	}

	if cfg.Height == 0 || cfg.Width == 0 {
		img, err := decodePNG(paths[0])
		if err != nil {
			return nil, err
		}
		if ds.Config.Height == 0 {
			ds.Config.Height = img.Bounds().Dy()
		}
		if ds.Config.Width == 0 {
			ds.Config.Width = img.Bounds().Dx()
		}
	}
	return ds, nil
}

// Len returns the number of label maps.
func (d *SegmentationDataset) Len() int {
	return len(d.labelPaths)
}

// Paths returns the label-map paths in glob order.
func (d *SegmentationDataset) Paths() []string {
	return append([]string(nil), d.labelPaths...)
}

// Example loads a single example as a batch of one.
func (d *SegmentationDataset) Example(idx int) (*Batch, error) {
	return d.Batch([]int{idx})
}

// Batch loads the examples at the given indices.
func (d *SegmentationDataset) Batch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch")
	}
	B, H, W := len(indices), d.Config.Height, d.Config.Width
	b := &Batch{
		Labels: tensor.NewInt(B, 1, H, W),
		Paths:  make([]string, B),
	}
	if d.Config.Instances {
		b.Instances = tensor.NewInt(B, 1, H, W)
	}
	if d.Config.Images {
		b.Images = tensor.New(B, 3, H, W)
	}

	plane := H * W
	for n, idx := range indices {
		if idx < 0 || idx >= len(d.labelPaths) {
			return nil, errors.Errorf("index %d out of range [0, %d)", idx, len(d.labelPaths))
		}
		path := d.labelPaths[idx]
		b.Paths[n] = path

		if err := d.readIDs(path, b.Labels.Data[n*plane:(n+1)*plane]); err != nil {
			return nil, err
		}
		if b.Instances != nil {
			if err := d.readIDs(siblingPath(path, InstanceSuffix), b.Instances.Data[n*plane:(n+1)*plane]); err != nil {
				return nil, errors.Wrap(err, "instance map")
			}
		}
		if b.Images != nil {
			if err := d.readImage(imagePath(path), b.Images.Data[n*3*plane:(n+1)*3*plane]); err != nil {
				return nil, errors.Wrap(err, "image")
			}
		}
	}
	return b, nil
}

// readIDs decodes an id PNG into dst, resized to the dataset size.
func (d *SegmentationDataset) readIDs(path string, dst []int32) error {
	img, err := decodePNG(path)
	if err != nil {
		return err
	}
	ids := resizeIDs(idImage(img), d.Config.Height, d.Config.Width)
	for i := range dst {
		x, y := i%d.Config.Width, i/d.Config.Width
		dst[i] = int32(ids.Gray16At(x, y).Y)
	}
	return nil
}

// readImage decodes an RGB PNG into dst as three planes in [-1,1].
func (d *SegmentationDataset) readImage(path string, dst []float64) error {
	img, err := decodePNG(path)
	if err != nil {
		return err
	}
	H, W := d.Config.Height, d.Config.Width
	rgba := resizeImage(img, H, W)
	plane := H * W
	for y := range H {
		for x := range W {
			off := rgba.PixOffset(x, y)
			for c := range 3 {
				dst[c*plane+y*W+x] = float64(rgba.Pix[off+c])/127.5 - 1
			}
		}
	}
	return nil
}

// Shuffle permutes the iteration order used by Yield and restarts it.
func (d *SegmentationDataset) Shuffle(seed int64) {
	d.rand = rand.New(rand.NewSource(seed))
	d.rand.Shuffle(len(d.order), func(i, j int) {
		d.order[i], d.order[j] = d.order[j], d.order[i]
	})
	d.next = 0
}

// Yield returns the next batch of up to BatchSize examples. The last batch
// may be partial; after it Yield returns io.EOF until Restart is called.
func (d *SegmentationDataset) Yield() (*Batch, error) {
	if d.next >= len(d.order) {
		return nil, io.EOF
	}
	end := min(d.next+d.Config.BatchSize, len(d.order))
	b, err := d.Batch(d.order[d.next:end])
	if err != nil {
		return nil, err
	}
	d.next = end
	return b, nil
}

// Restart resets the iteration for a new pass.
func (d *SegmentationDataset) Restart() error {
	d.next = 0
	return nil
}

// SaveIDs writes ids (one plane of h*w values) as a 16-bit grayscale PNG.
// It is the inverse of the label-map loader.
func SaveIDs(path string, ids []int32, h, w int) error {
	if len(ids) != h*w {
		return errors.Errorf("%d ids for a %dx%d map", len(ids), h, w)
	}
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for i, v := range ids {
		img.Pix[2*i] = uint8(v >> 8)
		img.Pix[2*i+1] = uint8(v)
	}
	return WritePNG(path, img)
}

// SaveImage writes example n of images, a (B,3,H,W) tensor in [-1,1], as an
// RGB PNG. Values outside the range are clamped.
func SaveImage(path string, images *tensor.Tensor, n int) error {
	B, C, H, W := images.Dims4()
	if C != 3 || n < 0 || n >= B {
		return errors.Errorf("cannot save example %d of %v as RGB", n, images.Shape)
	}
	img := image.NewRGBA(image.Rect(0, 0, W, H))
	for y := range H {
		for x := range W {
			var px [3]uint8
			for c := range 3 {
				v := (images.At(n, c, y, x) + 1) * 127.5
				px[c] = uint8(max(0, min(255, v+0.5)))
			}
			img.SetRGBA(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: 255})
		}
	}
	return WritePNG(path, img)
}

// WritePNG encodes img to path, creating parent directories.
func WritePNG(path string, img image.Image) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}
