// Package visualize renders conditioning tensors and calibration value
// ranges with gonum/plot.
package visualize

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// tileSize is the edge of one channel tile in the grid image.
const tileSize = 2 * vg.Inch

// planeGrid adapts one (H,W) plane to plotter.GridXYZ. Row 0 of the plane
// is drawn at the top.
type planeGrid struct {
	data []float64
	h, w int
}

func (g planeGrid) Dims() (c, r int)   { return g.w, g.h }
func (g planeGrid) Z(c, r int) float64 { return g.data[(g.h-1-r)*g.w+c] }
func (g planeGrid) X(c int) float64    { return float64(c) }
func (g planeGrid) Y(r int) float64    { return float64(r) }

// SaveChannelGrid writes every channel of example n of the (B,C,H,W)
// tensor x as a heat map, cols tiles per row, to a PNG at path. All tiles
// share one color scale so empty channels read as such.
func SaveChannelGrid(path string, x *tensor.Tensor, n, cols int) error {
	if x.Rank() != 4 {
		return errors.Wrapf(tensor.ErrShape, "channel grid needs (B,C,H,W), got %v", x.Shape)
	}
	B, C, H, W := x.Dims4()
	if n < 0 || n >= B {
		return errors.Errorf("example %d out of range [0, %d)", n, B)
	}
	if cols <= 0 {
		cols = 6
	}
	cols = min(cols, C)
	rows := (C + cols - 1) / cols

	ex := x.Example(n)
	lo, hi := ex.Min(), ex.Max()
	if lo == hi {
		hi = lo + 1
	}
	pal := palette.Heat(16, 1)

	img := vgimg.New(vg.Length(cols)*tileSize, vg.Length(rows)*tileSize)
	dc := draw.New(img)
	tiles := draw.Tiles{
		Rows: rows,
		Cols: cols,
		PadX: vg.Millimeter,
		PadY: vg.Millimeter,
	}
	for c := range C {
		p := plot.New()
		p.Title.Text = fmt.Sprintf("channel %d", c)
		p.HideAxes()
		hm := plotter.NewHeatMap(planeGrid{data: ex.Plane(0, c), h: H, w: W}, pal)
		hm.Min, hm.Max = lo, hi
		p.Add(hm)
		p.Draw(tiles.At(dc, c%cols, c/cols))
	}
	return savePNG(path, img)
}

func savePNG(path string, img *vgimg.Canvas) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "mkdir %s", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return errors.Wrapf(err, "encode %s", path)
	}
	return f.Close()
}
