// Command sample generates images from Cityscapes label maps with the
// conditioning pipeline used for calibration, so the effect of the SNR and
// pool settings on the output can be inspected.
//
// Images are written to <samples-dir>/samples_SNR<snr>/, together with the
// source photographs (images/) and label maps (labels/).
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
	"github.com/Noofbiz/diffcalib/generate"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	withImages := flag.Bool("images", true, "also copy the leftImg8bit photograph of every label map")
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
	if cfg.SampleChannels != 3 {
		klog.Fatalf("sample needs 3 sample channels to write RGB images, got %d", cfg.SampleChannels)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rng := rand.New(rand.NewSource(cfg.Seed))
	asm, err := conditioning.NewAssembler(cfg.AssemblerOptions(), rng)
	if err != nil {
		klog.Fatalf("%v", err)
	}
	model, err := cfg.LoadModel(asm.Channels(cfg.Instances), rng)
	if err != nil {
		klog.Fatalf("%v", err)
	}
	sampler, err := diffusion.NewSampler(cfg.SamplerOptions())
	if err != nil {
		klog.Fatalf("%v", err)
	}
	ds, err := cfg.OpenDataset(*withImages)
	if err != nil {
		klog.Fatalf("%v", err)
	}

	g := &generate.Generator{
		Sampler:       sampler,
		Model:         model,
		Assembler:     asm,
		Rng:           rng,
		OutDir:        cfg.SamplesDir,
		BatchSize:     cfg.BatchSize,
		NumSamples:    cfg.GenerateSamples,
		GuidanceScale: cfg.GuidanceScale,
	}
	klog.Infof("sampling with %s (%d steps)", sampler.Name(), sampler.NumSteps())
	written, err := g.Run(ctx, ds)
	if err != nil {
		klog.Fatalf("sampling failed after %d images: %v", written, err)
	}
	klog.Infof("sampling complete: %d images in %s", written, cfg.SamplesDir)
}
