package calibration

import (
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/Noofbiz/diffcalib/conditioning"
	"github.com/Noofbiz/diffcalib/datasets"
	"github.com/Noofbiz/diffcalib/diffusion"
	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroDenoiser predicts no noise at all, optionally failing on one call.
type zeroDenoiser struct {
	calls  int
	failAt int
}

func (d *zeroDenoiser) PredictNoise(_ context.Context, x *tensor.Tensor, _ []int, _ *tensor.Tensor) (*tensor.Tensor, error) {
	d.calls++
	if d.failAt > 0 && d.calls == d.failAt {
		return nil, errors.New("out of memory")
	}
	return tensor.ZerosLike(x), nil
}

// mockSource yields n batches of bs 2x3 label maps and counts the yields.
type mockSource struct {
	n, bs   int
	yielded int
	labels  func(batch int) []int32
}

func (s *mockSource) Yield() (*datasets.Batch, error) {
	if s.yielded >= s.n {
		return nil, io.EOF
	}
	var data []int32
	if s.labels != nil {
		data = s.labels(s.yielded)
	} else {
		data = make([]int32, s.bs*6)
		for i := range data {
			data[i] = int32((i + s.yielded) % 4)
		}
	}
	s.yielded++
	labels, err := tensor.IntFromData(data, s.bs, 1, 2, 3)
	if err != nil {
		return nil, err
	}
	return &datasets.Batch{Labels: labels}, nil
}

func newTestCollector(t *testing.T, steps, captures, bs, n int, model diffusion.Denoiser) *Collector {
	t.Helper()
	sampler, err := diffusion.NewSampler(diffusion.SamplerOptions{Kind: "ddpm", Schedule: "linear", DiffusionSteps: steps})
	require.NoError(t, err)
	asm, err := conditioning.NewAssembler(conditioning.Options{
		NumClasses: 4, OneHot: true, Prune: true, SNR: conditioning.NoNoiseSNR, Filter: conditioning.FilterNone,
	}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	return &Collector{
		Sampler:        sampler,
		Model:          model,
		Assembler:      asm,
		SampleChannels: 3,
		BatchSize:      bs,
		NumSamples:     n,
		CaptureSteps:   captures,
		Rng:            rand.New(rand.NewSource(2)),
	}
}

func TestCollectorCapturesEveryIntervalStep(t *testing.T) {
	c := newTestCollector(t, 1000, 10, 1, 1, &zeroDenoiser{})
	interval, err := c.Interval()
	require.NoError(t, err)
	assert.Equal(t, 100, interval)

	var captured []int
	c.OnCapture = func(batch int, r Record) {
		assert.Equal(t, 0, batch)
		captured = append(captured, int(r.Timesteps[0]))
	}
	var b Builder
	batches, err := c.Collect(context.Background(), &mockSource{n: 5, bs: 1}, &b)
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 10, b.Records())
	assert.Equal(t, []int{99, 199, 299, 399, 499, 599, 699, 799, 899, 999}, captured)
}

func TestCollectorStopsAtBatchGranularity(t *testing.T) {
	c := newTestCollector(t, 4, 2, 4, 10, &zeroDenoiser{})
	src := &mockSource{n: 10, bs: 4}
	var b Builder
	batches, err := c.Collect(context.Background(), src, &b)
	require.NoError(t, err)

	// 0*4, 1*4 and 2*4 are below 10; 3*4 is not.
	assert.Equal(t, 3, batches)
	assert.Equal(t, 3, src.yielded)
	assert.Equal(t, 3*2, b.Records())
	assert.Equal(t, 3*2*4, b.Len())
}

func TestCollectorStopsWhenSourceIsExhausted(t *testing.T) {
	c := newTestCollector(t, 2, 1, 1, 100, &zeroDenoiser{})
	var b Builder
	batches, err := c.Collect(context.Background(), &mockSource{n: 3, bs: 1}, &b)
	require.NoError(t, err)
	assert.Equal(t, 3, batches)
	assert.Equal(t, 3, b.Len())
}

func TestCollectorBuildsAlignedDataset(t *testing.T) {
	c := newTestCollector(t, 2, 1, 2, 4, &zeroDenoiser{})
	src := &mockSource{n: 2, bs: 2, labels: func(batch int) []int32 {
		// Batch 0 only uses class 1, batch 1 only class 2.
		data := make([]int32, 12)
		for i := range data {
			data[i] = int32(batch + 1)
		}
		return data
	}}
	var b Builder
	_, err := c.Collect(context.Background(), src, &b)
	require.NoError(t, err)

	ds, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, []int{4, 3, 2, 3}, ds.Samples.Shape)
	assert.Equal(t, []int{4, 4, 2, 3}, ds.Conds.Shape)
	assert.Equal(t, []float64{500, 500, 500, 500}, ds.Timesteps)

	for n := range 4 {
		cls := 1 + n/2
		for ch := range 4 {
			want := 0.0
			if ch == cls {
				want = 1
			}
			assert.Equal(t, want, ds.Conds.At(n, ch, 1, 2), "example %d channel %d", n, ch)
		}
	}
	assert.Zero(t, b.Len())
}

func TestCollectorReportsBatchAndStep(t *testing.T) {
	c := newTestCollector(t, 5, 1, 1, 10, &zeroDenoiser{failAt: 8})
	var b Builder
	batches, err := c.Collect(context.Background(), &mockSource{n: 3, bs: 1}, &b)
	require.Error(t, err)
	assert.Equal(t, 1, batches)
	assert.Contains(t, err.Error(), "batch 1")
	assert.Contains(t, err.Error(), "denoising step 2")
	assert.Contains(t, err.Error(), "out of memory")
}

func TestCollectorRejectsBadLabels(t *testing.T) {
	c := newTestCollector(t, 2, 1, 1, 10, &zeroDenoiser{})
	src := &mockSource{n: 1, bs: 1, labels: func(int) []int32 { return []int32{0, 1, 2, 3, 4, 5} }}
	var b Builder
	_, err := c.Collect(context.Background(), src, &b)
	assert.True(t, errors.Is(err, conditioning.ErrLabelOutOfRange))
	assert.Contains(t, err.Error(), "batch 0")
}

func TestCollectorConfigurationErrors(t *testing.T) {
	c := newTestCollector(t, 5, 6, 1, 10, &zeroDenoiser{})
	_, err := c.Interval()
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var b Builder
	_, err = c.Collect(context.Background(), &mockSource{n: 1, bs: 1}, &b)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	c = newTestCollector(t, 5, 1, 0, 10, &zeroDenoiser{})
	_, err = c.Collect(context.Background(), &mockSource{n: 1, bs: 1}, &b)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestCollectorRequiresCollaborators(t *testing.T) {
	for name, unset := range map[string]func(*Collector){
		"sampler":   func(c *Collector) { c.Sampler = nil },
		"model":     func(c *Collector) { c.Model = nil },
		"assembler": func(c *Collector) { c.Assembler = nil },
		"rng":       func(c *Collector) { c.Rng = nil },
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestCollector(t, 2, 1, 1, 10, &zeroDenoiser{})
			unset(c)
			src := &mockSource{n: 1, bs: 1}
			var b Builder
			var err error
			require.NotPanics(t, func() { _, err = c.Collect(context.Background(), src, &b) })
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Zero(t, src.yielded)
		})
	}
}

func TestCollectorHonoursContext(t *testing.T) {
	c := newTestCollector(t, 2, 1, 1, 10, &zeroDenoiser{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var b Builder
	batches, err := c.Collect(ctx, &mockSource{n: 3, bs: 1}, &b)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, batches)
}
