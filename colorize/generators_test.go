package colorize_test

import (
	"reflect"
	"testing"

	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/colorize/base"
	"github.com/sugarme/colorize/colorize"
	"github.com/sugarme/colorize/unet"
)

var _ colorize.Model = (*unet.DynamicUnet)(nil)

func TestParseArch(t *testing.T) {
	for s, want := range map[string]colorize.Arch{
		"resnet34":  colorize.ResNet34,
		"ResNet101": colorize.ResNet101,
	} {
		got, err := colorize.ParseArch(s)
		if err != nil {
			t.Errorf("%s: %v", s, err)
		}
		if got != want {
			t.Errorf("%s: want %v, got %v", s, want, got)
		}
	}
	if _, err := colorize.ParseArch("vgg16"); err == nil {
		t.Error("expected an error for vgg16")
	}
}

func TestColorizeGenConfig(t *testing.T) {
	cfg := colorize.ColorizeGenConfig()
	if cfg.NClasses != 3 || !cfg.Blur || !cfg.SelfAttention || cfg.NormType != base.NormSpectral {
		t.Errorf("unexpected generator config %+v", cfg)
	}
	if cfg.YRange == nil || *cfg.YRange != [2]float64{-3, 3} {
		t.Errorf("want y range (-3, 3), got %v", cfg.YRange)
	}
	if cfg.FusionNorm {
		t.Error("colorize generator keeps batch norm in the fusion block")
	}

	if got := colorize.StableGenConfig().NfFactor; got != 2.0 {
		t.Errorf("stable: want nf factor 2, got %v", got)
	}
	if got := colorize.ArtisticGenConfig().NfFactor; got != 1.5 {
		t.Errorf("artistic: want nf factor 1.5, got %v", got)
	}
}

func TestNewGenerator(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a full resnet34 generator")
	}

	vs := nn.NewVarStore(gotch.CPU)
	cfg := colorize.ColorizeGenConfig()
	cfg.ImSize = []int64{64, 64}

	m, err := colorize.NewGenerator(vs.Root(), colorize.ResNet34, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	blocks := m.Blocks()
	if len(blocks) != 4 {
		t.Fatalf("want 4 decoder blocks, got %d", len(blocks))
	}
	for i, want := range []int{6, 5, 4, 2} {
		if got := blocks[i].Hook().Index(); got != want {
			t.Errorf("block %d: want hook on module %d, got %d", i, want, got)
		}
	}
	if !blocks[1].SelfAttention() {
		t.Error("self-attention should sit on the third block from the output")
	}
	if _, ok := vs.Variables()["conv1.weight"]; !ok {
		t.Error("backbone variables should keep torchvision names")
	}

	// the generator colorizes through ModelTransformer
	tr := colorize.NewModelTransformer(m, gotch.CPU)
	x := ts.MustRand([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU)
	out, err := tr.Transform(x)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.MustSize(); !reflect.DeepEqual(got, []int64{1, 3, 64, 64}) {
		t.Errorf("want [1 3 64 64], got %v", got)
	}
	for _, v := range out.Float64Values() {
		if v < 0 || v > 1 {
			t.Fatalf("value %v outside [0, 1]", v)
		}
	}
}
