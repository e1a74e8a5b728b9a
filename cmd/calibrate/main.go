// Command calibrate builds a post-training-quantization calibration set
// for a semantic-image diffusion model: it samples images from label maps
// and stores (sample, timestep, conditioning) triples captured along each
// sampling trajectory.
//
// Usage:
//
//	calibrate -label-pattern 'data/gtFine/val/*/*_gtFine_labelIds.png' \
//	    -model-path model.ckpt -cali-n 256 -cali-st 10 -output cali_data.gob
//
// Settings can also come from a JSON file given with -config; flags given
// on the command line win over the file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/Noofbiz/diffcalib/calibration"
	"github.com/Noofbiz/diffcalib/conditioning"
	"github.com/Noofbiz/diffcalib/diffusion"
	"github.com/Noofbiz/diffcalib/visualize"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	exportModel := flag.String("export-model", "", "if set, write the denoiser weights used for sampling to this checkpoint path")
	cfg, err := calibration.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Fatalf("%v", err)
	}
	defer klog.Flush()

	if *printEffectiveConfig {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			klog.Fatalf("marshal config: %v", err)
		}
		fmt.Println(string(out))
		return
	}
	if err := cfg.Validate(); err != nil {
		klog.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *exportModel); err != nil {
		klog.Fatalf("calibration failed: %v", err)
	}
}

func run(ctx context.Context, cfg calibration.Config, exportModel string) error {
	rng := rand.New(rand.NewSource(cfg.Seed))

	asm, err := conditioning.NewAssembler(cfg.AssemblerOptions(), rng)
	if err != nil {
		return err
	}
	model, err := cfg.LoadModel(asm.Channels(cfg.Instances), rng)
	if err != nil {
		return err
	}
	if exportModel != "" {
		if err := diffusion.SaveCheckpoint(exportModel, model.StateDict()); err != nil {
			return err
		}
		klog.Infof("exported denoiser weights to %s", exportModel)
	}
	sampler, err := diffusion.NewSampler(cfg.SamplerOptions())
	if err != nil {
		return err
	}
	ds, err := cfg.OpenDataset(false)
	if err != nil {
		return err
	}

	var ranges visualize.RangeTracker
	collector := &calibration.Collector{
		Sampler:        sampler,
		Model:          model,
		Assembler:      asm,
		SampleChannels: cfg.SampleChannels,
		BatchSize:      cfg.BatchSize,
		NumSamples:     cfg.NumSamples,
		CaptureSteps:   cfg.CaptureSteps,
		GuidanceScale:  cfg.GuidanceScale,
		Rng:            rng,
		OnCapture: func(batch int, r calibration.Record) {
			ranges.Observe(r.Timesteps[0], r.Sample)
			if klog.V(2).Enabled() {
				s := visualize.Summarize(r.Timesteps[0], r.Sample)
				klog.Infof("batch %d t=%g: min %.4f mean %.4f max %.4f std %.4f", batch, s.T, s.Min, s.Mean, s.Max, s.Std)
			}
		},
	}

	var builder calibration.Builder
	if _, err := collector.Collect(ctx, ds, &builder); err != nil {
		return err
	}
	data, err := builder.Build()
	if err != nil {
		return err
	}
	klog.Infof("xs: %v", data.Samples.Shape)
	klog.Infof("ts: [%d]", data.Len())
	klog.Infof("cs: %v", data.Conds.Shape)
	if err := data.Save(cfg.OutputPath); err != nil {
		return err
	}

	if cfg.GridPlot != "" {
		if err := visualize.SaveChannelGrid(cfg.GridPlot, data.Conds, 0, 6); err != nil {
			return err
		}
		klog.Infof("wrote conditioning grid to %s", cfg.GridPlot)
	}
	if cfg.RangePlot != "" {
		if err := visualize.SaveRangePlot(cfg.RangePlot, ranges.Points()); err != nil {
			return err
		}
		klog.Infof("wrote value ranges to %s", cfg.RangePlot)
	}
	return nil
}
