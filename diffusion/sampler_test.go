package diffusion

import (
	"context"
	"math/rand"
	"testing"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDenoiser returns a constant noise prediction and remembers how
// it was called.
type recordingDenoiser struct {
	value     float64
	timesteps []int
	zeroConds int
	failAt    int
	calls     int
}

func (d *recordingDenoiser) PredictNoise(_ context.Context, x *tensor.Tensor, t []int, y *tensor.Tensor) (*tensor.Tensor, error) {
	d.calls++
	if d.failAt > 0 && d.calls == d.failAt {
		return nil, errors.New("device lost")
	}
	d.timesteps = append(d.timesteps, t[0])
	if y.CountNonZero() == 0 {
		d.zeroConds++
	}
	out := tensor.ZerosLike(x)
	out.AddConst(d.value)
	return out, nil
}

func onesCond(shape ...int) Conditioning {
	y := tensor.New(shape...)
	y.AddConst(1)
	return Conditioning{Y: y}
}

func TestNewSchedule(t *testing.T) {
	s, err := NewSchedule("linear", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, s.Steps())
	assert.InDelta(t, 1e-4, s.Betas[0], 1e-12)
	assert.InDelta(t, 0.02, s.Betas[999], 1e-12)
	assert.Equal(t, 1.0, s.AlphasCumprodPrev[0])
	for i := 1; i < s.Steps(); i++ {
		assert.Less(t, s.AlphasCumprod[i], s.AlphasCumprod[i-1])
		assert.Equal(t, s.AlphasCumprod[i-1], s.AlphasCumprodPrev[i])
	}

	c, err := NewSchedule("cosine", 50)
	require.NoError(t, err)
	for _, b := range c.Betas {
		assert.Greater(t, b, 0.0)
		assert.LessOrEqual(t, b, 0.999)
	}

	short, err := NewSchedule("linear", 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, short.Betas[1], 0.999)

	_, err = NewSchedule("quadratic", 10)
	assert.True(t, errors.Is(err, ErrUnknownSchedule))
	_, err = NewSchedule("linear", 0)
	assert.Error(t, err)
}

func TestNewSampler(t *testing.T) {
	s, err := NewSampler(SamplerOptions{Kind: "ddpm", Schedule: "linear", DiffusionSteps: 20})
	require.NoError(t, err)
	assert.Equal(t, "ddpm", s.Name())
	assert.Equal(t, 20, s.NumSteps())

	s, err = NewSampler(SamplerOptions{Kind: "fast", Schedule: "linear", DiffusionSteps: 1000, RespacedSteps: 50})
	require.NoError(t, err)
	assert.Equal(t, "ddim", s.Name())
	assert.Equal(t, 50, s.NumSteps())

	_, err = NewSampler(SamplerOptions{Kind: "plms", Schedule: "linear", DiffusionSteps: 10})
	assert.True(t, errors.Is(err, ErrUnknownSampler))

	_, err = NewSampler(SamplerOptions{Kind: "ddim", Schedule: "linear", DiffusionSteps: 10, RespacedSteps: 11})
	assert.Error(t, err)
}

func TestDDPMVisitsEveryTimestepInReverse(t *testing.T) {
	s, err := NewSampler(SamplerOptions{Kind: "ddpm", Schedule: "linear", DiffusionSteps: 10})
	require.NoError(t, err)
	d := &recordingDenoiser{}
	tr, err := s.Progressive(context.Background(), d, []int{2, 3, 4, 4}, onesCond(2, 5, 4, 4), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	var steps []int
	for tr.Next() {
		steps = append(steps, tr.Step())
		assert.Equal(t, []int{2, 3, 4, 4}, tr.Sample().Shape)
	}
	require.NoError(t, tr.Err())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, steps)
	assert.Equal(t, []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, d.timesteps)
	assert.Equal(t, 0, tr.Timestep())
	assert.False(t, tr.Next())
}

func TestDDIMRespacedTimesteps(t *testing.T) {
	sched, err := NewSchedule("linear", 1000)
	require.NoError(t, err)
	s, err := NewDDIM(sched, 10, 0, true)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 100, 200, 300, 400, 500, 600, 700, 800, 900}, s.Timesteps())

	d := &recordingDenoiser{}
	tr, err := s.Progressive(context.Background(), d, []int{1, 3, 2, 2}, onesCond(1, 2, 2, 2), rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	x, err := Final(tr)
	require.NoError(t, err)
	assert.Equal(t, []int{900, 800, 700, 600, 500, 400, 300, 200, 100, 0}, d.timesteps)
	for _, v := range x.Data {
		assert.LessOrEqual(t, v, 1.0+1e-9)
		assert.GreaterOrEqual(t, v, -1.0-1e-9)
	}
}

func TestDDIMDeterministicWithZeroEta(t *testing.T) {
	s, err := NewSampler(SamplerOptions{Kind: "ddim", Schedule: "cosine", DiffusionSteps: 100, RespacedSteps: 5})
	require.NoError(t, err)
	run := func() *tensor.Tensor {
		tr, err := s.Progressive(context.Background(), &recordingDenoiser{value: 0.1}, []int{1, 3, 4, 4}, onesCond(1, 2, 4, 4), rand.New(rand.NewSource(7)))
		require.NoError(t, err)
		x, err := Final(tr)
		require.NoError(t, err)
		return x
	}
	assert.Equal(t, run().Data, run().Data)
}

func TestGuidanceRunsUnconditionalPass(t *testing.T) {
	s, err := NewSampler(SamplerOptions{Kind: "ddpm", Schedule: "linear", DiffusionSteps: 3})
	require.NoError(t, err)

	d := &recordingDenoiser{}
	cond := onesCond(1, 2, 2, 2)
	tr, err := s.Progressive(context.Background(), d, []int{1, 3, 2, 2}, cond, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	_, err = Final(tr)
	require.NoError(t, err)
	assert.Equal(t, 3, d.calls)
	assert.Zero(t, d.zeroConds)

	d = &recordingDenoiser{}
	cond.Scale = 1.5
	tr, err = s.Progressive(context.Background(), d, []int{1, 3, 2, 2}, cond, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	_, err = Final(tr)
	require.NoError(t, err)
	assert.Equal(t, 6, d.calls)
	assert.Equal(t, 3, d.zeroConds)
}

func TestProgressiveShapeChecks(t *testing.T) {
	s, err := NewSampler(SamplerOptions{Kind: "ddpm", Schedule: "linear", DiffusionSteps: 3})
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))

	_, err = s.Progressive(context.Background(), &recordingDenoiser{}, []int{3, 4, 4}, onesCond(1, 2, 4, 4), rng)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = s.Progressive(context.Background(), &recordingDenoiser{}, []int{2, 3, 4, 4}, onesCond(1, 2, 4, 4), rng)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = s.Progressive(context.Background(), &recordingDenoiser{}, []int{1, 3, 4, 4}, Conditioning{}, rng)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestTrajectoryStopsOnError(t *testing.T) {
	s, err := NewSampler(SamplerOptions{Kind: "ddpm", Schedule: "linear", DiffusionSteps: 5})
	require.NoError(t, err)
	d := &recordingDenoiser{failAt: 3}
	tr, err := s.Progressive(context.Background(), d, []int{1, 3, 2, 2}, onesCond(1, 1, 2, 2), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	n := 0
	for tr.Next() {
		n++
	}
	assert.Equal(t, 2, n)
	require.Error(t, tr.Err())
	assert.Contains(t, tr.Err().Error(), "denoising step 2")
	assert.Contains(t, tr.Err().Error(), "device lost")
}

func TestTrajectoryHonoursContext(t *testing.T) {
	s, err := NewSampler(SamplerOptions{Kind: "ddpm", Schedule: "linear", DiffusionSteps: 5})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	tr, err := s.Progressive(ctx, &recordingDenoiser{}, []int{1, 3, 2, 2}, onesCond(1, 1, 2, 2), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	require.True(t, tr.Next())
	cancel()
	assert.False(t, tr.Next())
	assert.True(t, errors.Is(tr.Err(), context.Canceled))
}
