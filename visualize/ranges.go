package visualize

import (
	"image/color"
	"math"
	"sort"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// RangePoint summarizes the values seen at one normalized timestep.
type RangePoint struct {
	T                   float64
	Min, Mean, Max, Std float64
	Count               int
}

// RangeTracker accumulates the value range of captured samples per
// timestep. The zero value is ready to use.
type RangeTracker struct {
	byT map[float64]*rangeAcc
}

type rangeAcc struct {
	min, max   float64
	sum, sumSq float64
	n          int
}

// Observe records every value of x under timestep t.
func (r *RangeTracker) Observe(t float64, x *tensor.Tensor) {
	if len(x.Data) == 0 {
		return
	}
	if r.byT == nil {
		r.byT = map[float64]*rangeAcc{}
	}
	acc, ok := r.byT[t]
	if !ok {
		acc = &rangeAcc{min: math.Inf(1), max: math.Inf(-1)}
		r.byT[t] = acc
	}
	acc.min = math.Min(acc.min, floats.Min(x.Data))
	acc.max = math.Max(acc.max, floats.Max(x.Data))
	acc.sum += floats.Sum(x.Data)
	acc.sumSq += floats.Dot(x.Data, x.Data)
	acc.n += len(x.Data)
}

// Points returns one RangePoint per observed timestep, ordered by T.
func (r *RangeTracker) Points() []RangePoint {
	pts := make([]RangePoint, 0, len(r.byT))
	for t, acc := range r.byT {
		mean := acc.sum / float64(acc.n)
		variance := math.Max(0, acc.sumSq/float64(acc.n)-mean*mean)
		pts = append(pts, RangePoint{T: t, Min: acc.min, Mean: mean, Max: acc.max, Std: math.Sqrt(variance), Count: acc.n})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].T < pts[j].T })
	return pts
}

// Summarize computes the RangePoint of a single tensor.
func Summarize(t float64, x *tensor.Tensor) RangePoint {
	mean, std := stat.MeanStdDev(x.Data, nil)
	return RangePoint{T: t, Min: floats.Min(x.Data), Mean: mean, Max: floats.Max(x.Data), Std: std, Count: len(x.Data)}
}

// SaveRangePlot writes the min, mean and max of pts against the
// normalized timestep to a PNG at path.
func SaveRangePlot(path string, pts []RangePoint) error {
	if len(pts) == 0 {
		return errors.New("no range points to plot")
	}
	p := plot.New()
	p.Title.Text = "Sample value range per timestep"
	p.X.Label.Text = "normalized timestep"
	p.Y.Label.Text = "value"

	series := []struct {
		name  string
		value func(RangePoint) float64
		color color.Color
	}{
		{"max", func(r RangePoint) float64 { return r.Max }, color.RGBA{R: 200, G: 30, B: 30, A: 255}},
		{"mean", func(r RangePoint) float64 { return r.Mean }, color.RGBA{R: 20, G: 80, B: 200, A: 255}},
		{"min", func(r RangePoint) float64 { return r.Min }, color.RGBA{R: 40, G: 120, B: 40, A: 255}},
	}
	for _, s := range series {
		xys := make(plotter.XYs, len(pts))
		for i, pt := range pts {
			xys[i] = plotter.XY{X: pt.T, Y: s.value(pt)}
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return errors.Wrapf(err, "%s series", s.name)
		}
		line.Color = s.color
		line.Width = vg.Points(1.2)
		points.GlyphStyle.Color = s.color
		points.GlyphStyle.Radius = vg.Points(1.8)
		p.Add(line, points)
		p.Legend.Add(s.name, line, points)
	}
	p.Add(plotter.NewGrid())

	img := vgimg.New(8*vg.Inch, 5*vg.Inch)
	p.Draw(draw.New(img))
	return savePNG(path, img)
}
