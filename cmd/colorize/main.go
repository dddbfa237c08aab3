package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/colorize/colorize"
	"github.com/sugarme/colorize/unet"
)

// flag variables
var (
	InputPath  string
	ModelPath  string
	ResultsDir string
	WorkFolder string
	ArchStr    string
	Preset     string
	Cuda       bool
	Partial    bool
	Verbose    bool
	task       string
	Device     gotch.Device
	RenderFact int
	VariantNum int
	ProbeSize  int
)

func init() {
	flag.StringVar(&InputPath, "input", "./input.jpg", "specify input image, or video file name under <work>/source")
	flag.StringVar(&ModelPath, "model", "./model/ColorizeArtistic_gen.ot", "specify full path to generator weight '.ot' file.")
	flag.StringVar(&ResultsDir, "results", "./result_images", "specify directory for colorized images")
	flag.StringVar(&WorkFolder, "work", colorize.DefaultWorkFolder, "specify video work folder")
	flag.StringVar(&ArchStr, "arch", "", "specify backbone: resnet34 or resnet101 (defaults to the preset's)")
	flag.StringVar(&Preset, "preset", "artistic", "specify generator preset: artistic, stable or variant")
	flag.BoolVar(&Cuda, "cuda", false, "specify whether using CUDA or not.")
	flag.BoolVar(&Partial, "partial", false, "load weights partially, e.g. backbone only")
	flag.BoolVar(&Verbose, "v", false, "log debug messages")
	flag.StringVar(&task, "task", "image", "specify task to run: image, video or model")
	flag.IntVar(&RenderFact, "render", colorize.DefaultRenderFactor, "specify render factor; render size is 16 times it")
	flag.IntVar(&VariantNum, "variant", 2, "specify U-Net variant (2 to 5) for the 'variant' preset")
	flag.IntVar(&ProbeSize, "size", 256, "specify square size the U-Net is built for")
}

func main() {
	flag.Parse()

	if Verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	Device = gotch.CPU
	if Cuda {
		Device = gotch.NewCuda().CudaIfAvailable()
	}

	switch task {
	case "image":
		runImage()
	case "video":
		runVideo()
	case "model":
		runCheckModel()
	default:
		err := fmt.Errorf("Unknown 'task' name. Please specify valid 'task' flag to run.\n")
		panic(err)
	}
}

// generatorConfig resolves the arch and U-Net configuration from flags.
func generatorConfig() (colorize.Arch, unet.Config) {
	var (
		arch colorize.Arch
		cfg  unet.Config
	)
	switch Preset {
	case "artistic":
		arch, cfg = colorize.ResNet34, colorize.ArtisticGenConfig()
	case "stable":
		arch, cfg = colorize.ResNet101, colorize.StableGenConfig()
	case "variant":
		var err error
		cfg, err = unet.VariantConfig(VariantNum, 3)
		if err != nil {
			log.Fatal(err)
		}
		gen := colorize.ColorizeGenConfig()
		cfg.Blur, cfg.NormType, cfg.SelfAttention, cfg.YRange = gen.Blur, gen.NormType, gen.SelfAttention, gen.YRange
		arch = colorize.ResNet34
	default:
		log.Fatalf("Unknown preset %q\n", Preset)
	}

	if ArchStr != "" {
		a, err := colorize.ParseArch(ArchStr)
		if err != nil {
			log.Fatal(err)
		}
		arch = a
	}
	cfg.ImSize = []int64{int64(ProbeSize), int64(ProbeSize)}

	return arch, cfg
}

func loadColorizer() (*colorize.ImageColorizer, *unet.DynamicUnet) {
	arch, cfg := generatorConfig()
	model, _, err := colorize.LoadGenerator(absPath(ModelPath), arch, cfg, Device, Partial)
	if err != nil {
		log.Fatal(err)
	}

	return colorize.NewModelImageColorizer(model, Device, RenderFact, absPath(ResultsDir)), model
}

func runImage() {
	vis, model := loadColorizer()
	defer model.Close()

	img, err := vis.TransformImage(absPath(InputPath), RenderFact)
	if err != nil {
		log.Fatal(err)
	}
	resultPath, err := vis.SaveResult(InputPath, img)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Image created here: %v\n", resultPath)
}

func runVideo() {
	vis, model := loadColorizer()
	defer model.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	vc := colorize.NewVideoColorizer(vis, colorize.NewFFmpeg(), colorize.VideoConfig{
		WorkFolder:   absPath(WorkFolder),
		RenderFactor: RenderFact,
	})
	resultPath, err := vc.ColorizeFromFile(ctx, filepath.Base(InputPath))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Video created here: %v\n", resultPath)
}

// runCheckModel builds the generator without weights, prints its variables
// and runs one random batch through it.
func runCheckModel() {
	arch, cfg := generatorConfig()
	vs := nn.NewVarStore(Device)
	model, err := colorize.NewGenerator(vs.Root(), arch, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer model.Close()

	printVars(vs)
	fmt.Printf("stages: %v\n", model.Stages())

	image := ts.MustRand([]int64{1, 3, int64(ProbeSize), int64(ProbeSize)}, gotch.Float, Device)
	ts.NoGrad(func() {
		out, err := model.Forward(image, false)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("output: %v\n", out.MustSize())
		out.MustDrop()
	})
	image.MustDrop()
}

// printVars print variables sorted by name
func printVars(vs *nn.VarStore) {
	vars := vs.Variables()
	names := make([]string, 0, len(vars))
	for n := range vars {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		v := vars[n]
		fmt.Printf("%v \t\t %v\n", n, v.MustSize())
	}
}

// helper to get absolute file path
func absPath(p string) string {
	fullpath, err := filepath.Abs(p)
	if err != nil {
		log.Fatal(err)
	}
	return fullpath
}
