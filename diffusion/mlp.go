package diffusion

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"slices"
	"sync"

	"github.com/Noofbiz/diffcalib/tensor"
	"github.com/pkg/errors"
)

// PixelMLPConfig holds the layer sizes of a PixelMLP.
type PixelMLPConfig struct {
	// SampleChannels is the channel count of the generated image. Default 3.
	SampleChannels int

	// CondChannels is the channel count of the conditioning tensor.
	CondChannels int

	// HiddenSizes lists the hidden layer widths. Default {64}.
	HiddenSizes []int

	// EmbedDim is the width of the sinusoidal timestep embedding. It must be
	// even. Default 16.
	EmbedDim int
}

func (c PixelMLPConfig) withDefaults() PixelMLPConfig {
	if c.SampleChannels == 0 {
		c.SampleChannels = 3
	}
	if len(c.HiddenSizes) == 0 {
		c.HiddenSizes = []int{64}
	}
	if c.EmbedDim == 0 {
		c.EmbedDim = 16
	}
	return c
}

// PixelMLP is a small noise predictor that applies the same MLP to every
// pixel. Its input at a pixel is the noisy sample, the conditioning and a
// timestep embedding. It stands in for a full U-Net wherever a real
// network is not required.
type PixelMLP struct {
	Config PixelMLPConfig

	layerSizes []int

	// weights[l] is row-major [out][in] for layer l -> l+1.
	weights [][]float32
	biases  [][]float32
}

// NewPixelMLP returns a PixelMLP with Xavier-initialised weights.
func NewPixelMLP(cfg PixelMLPConfig, rng *rand.Rand) (*PixelMLP, error) {
	cfg = cfg.withDefaults()
	if cfg.CondChannels < 1 {
		return nil, errors.Errorf("conditioning channels must be >= 1, got %d", cfg.CondChannels)
	}
	if cfg.EmbedDim%2 != 0 {
		return nil, errors.Errorf("embedding width must be even, got %d", cfg.EmbedDim)
	}
	m := &PixelMLP{Config: cfg}
	m.layerSizes = append([]int{cfg.SampleChannels + cfg.CondChannels + cfg.EmbedDim}, cfg.HiddenSizes...)
	m.layerSizes = append(m.layerSizes, cfg.SampleChannels)

	L := len(m.layerSizes) - 1
	m.weights = make([][]float32, L)
	m.biases = make([][]float32, L)
	for l := range L {
		in, out := m.layerSizes[l], m.layerSizes[l+1]
		limit := float32(math.Sqrt(6.0 / float64(in+out)))
		w := make([]float32, out*in)
		for i := range w {
			w[i] = (rng.Float32()*2 - 1) * limit
		}
		m.weights[l] = w
		m.biases[l] = make([]float32, out)
	}
	return m, nil
}

func weightKey(l int) string { return fmt.Sprintf("layers.%d.weight", l) }
func biasKey(l int) string   { return fmt.Sprintf("layers.%d.bias", l) }

// StateDict returns a copy of the weights.
func (m *PixelMLP) StateDict() StateDict {
	sd := make(StateDict, 2*len(m.weights))
	for l := range m.weights {
		in, out := m.layerSizes[l], m.layerSizes[l+1]
		sd[weightKey(l)] = Param{Shape: []int{out, in}, Data: slices.Clone(m.weights[l])}
		sd[biasKey(l)] = Param{Shape: []int{out}, Data: slices.Clone(m.biases[l])}
	}
	return sd
}

// LoadStateDict implements Model. Every layer must be present with the
// exact shape and no extra keys are allowed.
func (m *PixelMLP) LoadStateDict(sd StateDict) error {
	if want := 2 * len(m.weights); len(sd) != want {
		return errors.Wrapf(ErrBadCheckpoint, "expected %d tensors, got %d", want, len(sd))
	}
	weights := make([][]float32, len(m.weights))
	biases := make([][]float32, len(m.biases))
	for l := range m.weights {
		in, out := m.layerSizes[l], m.layerSizes[l+1]
		w, ok := sd[weightKey(l)]
		if !ok {
			return errors.Wrapf(ErrBadCheckpoint, "missing %s", weightKey(l))
		}
		if !slices.Equal(w.Shape, []int{out, in}) || len(w.Data) != out*in {
			return errors.Wrapf(ErrBadCheckpoint, "%s: shape %v, want [%d %d]", weightKey(l), w.Shape, out, in)
		}
		b, ok := sd[biasKey(l)]
		if !ok {
			return errors.Wrapf(ErrBadCheckpoint, "missing %s", biasKey(l))
		}
		if !slices.Equal(b.Shape, []int{out}) || len(b.Data) != out {
			return errors.Wrapf(ErrBadCheckpoint, "%s: shape %v, want [%d]", biasKey(l), b.Shape, out)
		}
		weights[l] = slices.Clone(w.Data)
		biases[l] = slices.Clone(b.Data)
	}
	m.weights, m.biases = weights, biases
	return nil
}

// ConvertToFP16 implements Model.
func (m *PixelMLP) ConvertToFP16() {
	for l := range m.weights {
		roundFP16(m.weights[l])
		roundFP16(m.biases[l])
	}
}

// PredictNoise implements Denoiser.
func (m *PixelMLP) PredictNoise(ctx context.Context, x *tensor.Tensor, t []int, y *tensor.Tensor) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if x.Rank() != 4 || x.Shape[1] != m.Config.SampleChannels {
		return nil, errors.Wrapf(ErrShapeMismatch, "sample %v, want (B,%d,H,W)", x.Shape, m.Config.SampleChannels)
	}
	B, C, H, W := x.Dims4()
	if y == nil || !slices.Equal(y.Shape, []int{B, m.Config.CondChannels, H, W}) {
		var got []int
		if y != nil {
			got = y.Shape
		}
		return nil, errors.Wrapf(ErrShapeMismatch, "conditioning %v, want [%d %d %d %d]", got, B, m.Config.CondChannels, H, W)
	}
	if len(t) != B {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d timesteps for batch of %d", len(t), B)
	}

	K := m.Config.CondChannels
	embs := make([][]float32, B)
	for n := range B {
		embs[n] = timestepEmbedding(t[n], m.Config.EmbedDim)
	}

	// Rows are independent, so they are spread over a worker pool. Each
	// worker owns its input buffer and writes disjoint parts of out.
	out := tensor.New(x.Shape...)
	rows := B * H
	workerCount := min(runtime.NumCPU(), rows)
	jobs := make(chan int, rows)
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for range workerCount {
		go func() {
			defer wg.Done()
			in := make([]float32, m.layerSizes[0])
			for row := range jobs {
				n, h := row/H, row%H
				copy(in[C+K:], embs[n])
				for w := range W {
					for c := range C {
						in[c] = float32(x.At(n, c, h, w))
					}
					for k := range K {
						in[C+k] = float32(y.At(n, k, h, w))
					}
					pred := m.forward(in)
					for c := range C {
						out.Set(n, c, h, w, float64(pred[c]))
					}
				}
			}
		}()
	}
	for row := range rows {
		jobs <- row
	}
	close(jobs)
	wg.Wait()
	return out, nil
}

// forward runs one input vector through the network. ReLU on hidden layers,
// linear output.
func (m *PixelMLP) forward(input []float32) []float32 {
	act := input
	L := len(m.weights)
	for l := range L {
		in, out := m.layerSizes[l], m.layerSizes[l+1]
		next := make([]float32, out)
		W, b := m.weights[l], m.biases[l]
		for j := range out {
			sum := b[j]
			row := W[j*in : (j+1)*in]
			for i, v := range act {
				sum += row[i] * v
			}
			if l < L-1 && sum < 0 {
				sum = 0
			}
			next[j] = sum
		}
		act = next
	}
	return act
}

// timestepEmbedding is the usual [cos | sin] sinusoidal embedding.
func timestepEmbedding(t, dim int) []float32 {
	half := dim / 2
	emb := make([]float32, dim)
	for i := range half {
		freq := math.Exp(-math.Log(10000) * float64(i) / float64(half))
		arg := float64(t) * freq
		emb[i] = float32(math.Cos(arg))
		emb[half+i] = float32(math.Sin(arg))
	}
	return emb
}
