package datasets

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Cityscapes file naming.
const (
	LabelSuffix    = "_gtFine_labelIds.png"
	InstanceSuffix = "_gtFine_instanceIds.png"
	ImageSuffix    = "_leftImg8bit.png"
)

// DefaultLabelPatterns are the locations tried by FindLabelMaps when no
// pattern is configured.
var DefaultLabelPatterns = []string{
	"data/cityscapes/gtFine/val/*/*" + LabelSuffix,
	"data/gtFine/val/*/*" + LabelSuffix,
	"cityscapes/gtFine/val/*/*" + LabelSuffix,
}

// FindLabelMaps returns the first pattern in patterns that matches at least
// one file.
func FindLabelMaps(patterns []string) (string, error) {
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err == nil && len(matches) > 0 {
			return pattern, nil
		}
	}
	return "", errors.New("no label maps found in common locations")
}

// siblingPath swaps the label suffix of a label-map path for suffix.
func siblingPath(labelPath, suffix string) string {
	return strings.TrimSuffix(labelPath, LabelSuffix) + suffix
}

// imagePath maps ".../gtFine/<split>/<city>/<stem>_gtFine_labelIds.png" to
// ".../leftImg8bit/<split>/<city>/<stem>_leftImg8bit.png".
func imagePath(labelPath string) string {
	dir, file := filepath.Split(siblingPath(labelPath, ImageSuffix))
	parts := strings.Split(filepath.Clean(dir), string(filepath.Separator))
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] == "gtFine" {
			parts[i] = "leftImg8bit"
			break
		}
	}
	return filepath.Join(strings.Join(parts, string(filepath.Separator)), file)
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// idImage returns img as a 16-bit grayscale image whose values are the ids
// stored in the file. Paletted images keep their palette index.
func idImage(img image.Image) *image.Gray16 {
	b := img.Bounds()
	out := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var v uint16
			switch src := img.(type) {
			case *image.Gray:
				v = uint16(src.GrayAt(x, y).Y)
			case *image.Gray16:
				v = src.Gray16At(x, y).Y
			case *image.Paletted:
				v = uint16(src.ColorIndexAt(x, y))
			default:
				// 8-bit ids stored as RGB(A) repeat the id in every channel.
				r, _, _, _ := img.At(x, y).RGBA()
				v = uint16(r >> 8)
			}
			out.SetGray16(x-b.Min.X, y-b.Min.Y, color.Gray16{Y: v})
		}
	}
	return out
}

// resizeIDs scales an id image with nearest-neighbour sampling.
func resizeIDs(src *image.Gray16, h, w int) *image.Gray16 {
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		return src
	}
	dst := image.NewGray16(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// resizeImage scales a photograph with Catmull-Rom (bicubic) sampling.
func resizeImage(src image.Image, h, w int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
