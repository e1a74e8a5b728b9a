package calibration

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/Noofbiz/diffcalib/conditioning"
	"github.com/Noofbiz/diffcalib/diffusion"
	"github.com/pkg/errors"
)

// Config holds every tunable of a calibration or generation run. It is
// loaded from a JSON file and then overridden by command line flags.
type Config struct {
	// Data.
	LabelPattern string `json:"label_pattern"`
	Instances    bool   `json:"instances"`
	Height       int    `json:"height"`
	Width        int    `json:"width"`
	Shuffle      bool   `json:"shuffle"`

	// Model.
	ModelPath      string `json:"model_path"`
	FP16           bool   `json:"use_fp16"`
	SampleChannels int    `json:"sample_channels"`
	HiddenSizes    []int  `json:"hidden_sizes"`
	EmbedDim       int    `json:"embed_dim"`

	// Diffusion.
	Sampler        string  `json:"sampler"`
	NoiseSchedule  string  `json:"noise_schedule"`
	DiffusionSteps int     `json:"diffusion_steps"`
	RespacedSteps  int     `json:"timestep_respacing"`
	Eta            float64 `json:"eta"`
	ClipDenoised   bool    `json:"clip_denoised"`
	GuidanceScale  float64 `json:"s"`

	// Conditioning.
	NumClasses int                     `json:"num_classes"`
	OneHot     bool                    `json:"one_hot"`
	Prune      bool                    `json:"prune"`
	SNR        int                     `json:"snr"`
	Filter     conditioning.FilterMode `json:"pool"`

	// Calibration.
	BatchSize    int    `json:"batch_size"`
	NumSamples   int    `json:"cali_n"`
	CaptureSteps int    `json:"cali_st"`
	OutputPath   string `json:"output_path"`
	GridPlot     string `json:"grid_plot"`
	RangePlot    string `json:"range_plot"`

	// Generation.
	SamplesDir      string `json:"samples_dir"`
	GenerateSamples int    `json:"num_samples"`

	Seed int64 `json:"seed"`
}

// DefaultConfig returns the settings of the reference Cityscapes runs.
func DefaultConfig() Config {
	return Config{
		Height:          256,
		Width:           512,
		SampleChannels:  3,
		HiddenSizes:     []int{64},
		EmbedDim:        16,
		Sampler:         "ddpm",
		NoiseSchedule:   "linear",
		DiffusionSteps:  1000,
		ClipDenoised:    true,
		GuidanceScale:   1,
		NumClasses:      35,
		OneHot:          true,
		Prune:           true,
		SNR:             conditioning.NoNoiseSNR,
		Filter:          conditioning.FilterMax,
		BatchSize:       1,
		NumSamples:      1024,
		CaptureSteps:    1,
		OutputPath:      "calibration.gob",
		SamplesDir:      "samples",
		GenerateSamples: 10000,
		Seed:            1234,
	}
}

// LoadConfigFile reads a JSON config from path on top of base. Keys absent
// from the file keep their base value.
func LoadConfigFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, errors.Wrapf(err, "read config %s", path)
	}
	cfg := base
	if err := json.Unmarshal(data, &cfg); err != nil {
		return base, errors.Wrapf(ErrInvalidConfig, "parse %s: %v", path, err)
	}
	return cfg, nil
}

// RegisterFlags binds the scalar fields of c to fs. Current values of c
// become the flag defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.LabelPattern, "label-pattern", c.LabelPattern, "glob matching *_gtFine_labelIds.png label maps")
	fs.BoolVar(&c.Instances, "instances", c.Instances, "add the instance-boundary channel from *_gtFine_instanceIds.png")
	fs.IntVar(&c.Height, "height", c.Height, "label map height after resizing")
	fs.IntVar(&c.Width, "width", c.Width, "label map width after resizing")
	fs.BoolVar(&c.Shuffle, "shuffle", c.Shuffle, "shuffle label maps with -seed before sampling")

	fs.StringVar(&c.ModelPath, "model-path", c.ModelPath, "denoiser checkpoint (empty uses randomly initialised weights)")
	fs.BoolVar(&c.FP16, "use-fp16", c.FP16, "round the denoiser weights to half precision")
	fs.IntVar(&c.SampleChannels, "sample-channels", c.SampleChannels, "channels of the generated image")
	fs.IntVar(&c.EmbedDim, "embed-dim", c.EmbedDim, "timestep embedding width of the denoiser")

	fs.StringVar(&c.Sampler, "sampler", c.Sampler, "sampler backend: 'ddpm' (full-step) or 'ddim' (fast)")
	fs.StringVar(&c.NoiseSchedule, "noise-schedule", c.NoiseSchedule, "beta schedule: 'linear' or 'cosine'")
	fs.IntVar(&c.DiffusionSteps, "diffusion-steps", c.DiffusionSteps, "number of training timesteps T")
	fs.IntVar(&c.RespacedSteps, "timestep-respacing", c.RespacedSteps, "DDIM step count (0 = diffusion-steps)")
	fs.Float64Var(&c.Eta, "eta", c.Eta, "DDIM eta (0 = deterministic)")
	fs.BoolVar(&c.ClipDenoised, "clip-denoised", c.ClipDenoised, "clip predicted clean samples to [-1,1]")
	fs.Float64Var(&c.GuidanceScale, "s", c.GuidanceScale, "classifier-free guidance scale")

	fs.IntVar(&c.NumClasses, "num-classes", c.NumClasses, "number of semantic classes")
	fs.BoolVar(&c.OneHot, "one-hot", c.OneHot, "one-hot encode the label maps")
	fs.BoolVar(&c.Prune, "prune", c.Prune, "noise and filter only the classes present in each example")
	fs.IntVar(&c.SNR, "snr", c.SNR, "signal-to-noise ratio of the conditioning (100 = no noise)")
	fs.TextVar(&c.Filter, "pool", c.Filter, "smoothing filter: none, med, mean or max")

	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "examples per sampling batch")
	fs.IntVar(&c.NumSamples, "cali-n", c.NumSamples, "number of calibration examples (batch granularity)")
	fs.IntVar(&c.CaptureSteps, "cali-st", c.CaptureSteps, "number of captured timesteps per trajectory")
	fs.StringVar(&c.OutputPath, "output", c.OutputPath, "calibration archive path")
	fs.StringVar(&c.GridPlot, "grid-plot", c.GridPlot, "if set, write a heat-map grid of the first conditioning tensor here")
	fs.StringVar(&c.RangePlot, "range-plot", c.RangePlot, "if set, write the sample value range per timestep here")

	fs.StringVar(&c.SamplesDir, "samples-dir", c.SamplesDir, "root directory of generated images")
	fs.IntVar(&c.GenerateSamples, "num-samples", c.GenerateSamples, "number of images to generate")

	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
}

// ParseFlags registers the Config flags plus -config on fs, parses args
// and merges the JSON file named by -config. Other flags already on fs are
// parsed but otherwise left alone. Flags given explicitly on the
// command line take precedence over the file, which takes precedence over
// DefaultConfig.
func ParseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := DefaultConfig()
	cfg.RegisterFlags(fs)
	configPath := fs.String("config", "", "path to a JSON config file (optional)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if *configPath == "" {
		return cfg, nil
	}

	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	fileCfg, err := LoadConfigFile(*configPath, DefaultConfig())
	if err != nil {
		return cfg, err
	}
	cfg = fileCfg
	// Rebind to the merged struct and replay the explicit flags.
	merged := flag.NewFlagSet(fs.Name(), flag.ContinueOnError)
	cfg.RegisterFlags(merged)
	for name, value := range explicit {
		if merged.Lookup(name) == nil {
			continue
		}
		if err := merged.Set(name, value); err != nil {
			return cfg, errors.Wrapf(ErrInvalidConfig, "flag -%s: %v", name, err)
		}
	}
	return cfg, nil
}

// SamplerOptions returns the diffusion sampler settings.
func (c Config) SamplerOptions() diffusion.SamplerOptions {
	return diffusion.SamplerOptions{
		Kind:           c.Sampler,
		Schedule:       c.NoiseSchedule,
		DiffusionSteps: c.DiffusionSteps,
		RespacedSteps:  c.RespacedSteps,
		Eta:            c.Eta,
		ClipDenoised:   c.ClipDenoised,
	}
}

// AssemblerOptions returns the conditioning settings.
func (c Config) AssemblerOptions() conditioning.Options {
	return conditioning.Options{
		NumClasses: c.NumClasses,
		OneHot:     c.OneHot,
		Prune:      c.Prune,
		SNR:        c.SNR,
		Filter:     c.Filter,
	}
}

// ModelConfig returns the layer sizes of the reference denoiser for
// conditioning tensors with condChannels channels.
func (c Config) ModelConfig(condChannels int) diffusion.PixelMLPConfig {
	return diffusion.PixelMLPConfig{
		SampleChannels: c.SampleChannels,
		CondChannels:   condChannels,
		HiddenSizes:    c.HiddenSizes,
		EmbedDim:       c.EmbedDim,
	}
}

// Validate reports every problem with c at once, wrapped in
// ErrInvalidConfig.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if c.Height <= 0 || c.Width <= 0 {
		add("image size must be positive, got %dx%d", c.Height, c.Width)
	}
	if c.SampleChannels <= 0 {
		add("sample channels must be positive, got %d", c.SampleChannels)
	}
	if c.EmbedDim <= 0 || c.EmbedDim%2 != 0 {
		add("embed dim must be positive and even, got %d", c.EmbedDim)
	}
	for _, h := range c.HiddenSizes {
		if h <= 0 {
			add("hidden sizes must be positive, got %v", c.HiddenSizes)
			break
		}
	}
	switch strings.ToLower(c.Sampler) {
	case "ddpm", "full", "ddim", "fast":
	default:
		add("unknown sampler %q", c.Sampler)
	}
	switch c.NoiseSchedule {
	case "linear", "cosine":
	default:
		add("unknown noise schedule %q", c.NoiseSchedule)
	}
	if c.DiffusionSteps <= 0 {
		add("diffusion steps must be positive, got %d", c.DiffusionSteps)
	}
	if c.RespacedSteps < 0 || c.RespacedSteps > c.DiffusionSteps {
		add("timestep respacing must be in [0, %d], got %d", c.DiffusionSteps, c.RespacedSteps)
	}
	if c.Eta < 0 {
		add("eta must be >= 0, got %g", c.Eta)
	}
	if c.NumClasses <= 0 {
		add("num classes must be positive, got %d", c.NumClasses)
	}
	if _, err := conditioning.DefaultSNRTable().Variance(c.SNR); err != nil {
		add("snr %d is not one of %v", c.SNR, conditioning.DefaultSNRTable().Ratios())
	}
	if _, err := c.Filter.MarshalText(); err != nil {
		add("unknown pool filter %d", int(c.Filter))
	}
	if c.BatchSize <= 0 {
		add("batch size must be positive, got %d", c.BatchSize)
	}
	if c.NumSamples <= 0 {
		add("cali_n must be positive, got %d", c.NumSamples)
	}
	if c.CaptureSteps <= 0 {
		add("cali_st must be positive, got %d", c.CaptureSteps)
	} else if steps := c.samplerSteps(); steps > 0 && c.CaptureSteps > steps {
		add("cali_st %d exceeds the %d sampler steps", c.CaptureSteps, steps)
	}
	if c.GenerateSamples <= 0 {
		add("num_samples must be positive, got %d", c.GenerateSamples)
	}
	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// samplerSteps is the trajectory length the configured sampler produces.
func (c Config) samplerSteps() int {
	switch strings.ToLower(c.Sampler) {
	case "ddim", "fast":
		if c.RespacedSteps > 0 {
			return c.RespacedSteps
		}
	}
	return c.DiffusionSteps
}
