package unet_test

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/colorize/base"
	"github.com/sugarme/colorize/encoder"
	"github.com/sugarme/colorize/unet"
)

// downBackbone is conv s2 3->c0 then relu, then one stride 2 conv per entry
// of widths. With a 64x64 probe its sizes are 32, 32, 16, 8, ...
func downBackbone(p *nn.Path, c0 int64, widths ...int64) *encoder.Backbone {
	conv := func(name string, cIn, cOut int64) ts.ModuleT {
		return base.Conv2d(p.Sub(name), cIn, cOut, 3, 1, 2)
	}

	enc := encoder.NewBackbone(3,
		conv("0", 3, c0),
		nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor { return xs.MustRelu(false) }),
	)
	cIn := c0
	for i, w := range widths {
		enc.Add(conv(fmt.Sprint(i+2), cIn, w))
		cIn = w
	}

	return enc
}

func testConfig() unet.Config {
	cfg := unet.Variant2Config(3)
	cfg.ImSize = []int64{64, 64}
	return cfg
}

func forward(t *testing.T, m *unet.DynamicUnet, size ...int64) *ts.Tensor {
	t.Helper()
	x := ts.MustRand(size, gotch.Float, gotch.CPU)
	out, err := m.Forward(x, false)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestDynamicUnet(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root().Sub("body"), 8, 16, 32)

	m, err := unet.New(vs.Root().Sub("unet"), enc, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	wantStages := []string{"encoder", "bn", "relu", "middle", "block0", "block1", "upsample", "merge", "res", "head"}
	if got := m.Stages(); !reflect.DeepEqual(got, wantStages) {
		t.Errorf("stages: want %v, got %v", wantStages, got)
	}

	blocks := m.Blocks()
	if len(blocks) != 2 {
		t.Fatalf("want 2 decoder blocks, got %d", len(blocks))
	}
	// deepest first: hooks on modules 2 then 1
	for i, want := range []int{2, 1} {
		if got := blocks[i].Hook().Index(); got != want {
			t.Errorf("block %d: want hook on module %d, got %d", i, want, got)
		}
	}
	// block0: 32/2 + 16 = 32 kept, block1 is final: (32/2 + 8)/2 = 12
	for i, want := range []int64{32, 12} {
		if got := blocks[i].OutChannels(); got != want {
			t.Errorf("block %d: want %d channels, got %d", i, want, got)
		}
	}
	if got := m.HeadInChannels(); got != 15 {
		t.Errorf("last cross: want 15 head input channels, got %d", got)
	}

	out := forward(t, m, 2, 3, 64, 64)
	if got := out.MustSize(); !reflect.DeepEqual(got, []int64{2, 3, 64, 64}) {
		t.Errorf("want [2 3 64 64], got %v", got)
	}
}

func TestDynamicUnetOtherInputSize(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root(), 8, 16, 32)

	m, err := unet.New(vs.Root().Sub("unet"), enc, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	out := forward(t, m, 1, 3, 96, 96)
	if got := out.MustSize(); !reflect.DeepEqual(got, []int64{1, 3, 96, 96}) {
		t.Errorf("want [1 3 96 96], got %v", got)
	}
}

func TestDynamicUnetNoLastCross(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root(), 8, 16, 32)

	cfg := testConfig()
	cfg.LastCross = false
	m, err := unet.New(vs.Root().Sub("unet"), enc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if got := m.HeadInChannels(); got != 12 {
		t.Errorf("want 12 head input channels, got %d", got)
	}
	for _, s := range m.Stages() {
		if s == unet.StageMerge || s == unet.StageResBlock {
			t.Errorf("unexpected stage %q", s)
		}
	}
}

func TestDynamicUnetYRange(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root(), 8, 16, 32)

	cfg := testConfig()
	cfg.NormType = base.NormSpectral
	cfg.Blur = true
	cfg.YRange = &[2]float64{-3.0, 3.0}
	m, err := unet.New(vs.Root().Sub("unet"), enc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	stages := m.Stages()
	if last := stages[len(stages)-1]; last != unet.StageSigmoidRg {
		t.Errorf("want %q last, got %q", unet.StageSigmoidRg, last)
	}

	out := forward(t, m, 1, 3, 64, 64)
	for _, v := range out.Float64Values() {
		if v <= -3.0 || v >= 3.0 {
			t.Fatalf("value %v outside (-3, 3)", v)
		}
	}
}

func TestDynamicUnetSelfAttention(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root(), 8, 16, 32, 64)

	cfg := testConfig()
	cfg.SelfAttention = true
	m, err := unet.New(vs.Root().Sub("unet"), enc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	blocks := m.Blocks()
	if len(blocks) != 3 {
		t.Fatalf("want 3 decoder blocks, got %d", len(blocks))
	}
	// third block from the output
	for i, want := range []bool{true, false, false} {
		if got := blocks[i].SelfAttention(); got != want {
			t.Errorf("block %d: self-attention want %v, got %v", i, want, got)
		}
	}

	out := forward(t, m, 1, 3, 64, 64)
	if got := out.MustSize(); !reflect.DeepEqual(got, []int64{1, 3, 64, 64}) {
		t.Errorf("want [1 3 64 64], got %v", got)
	}
}

func TestDynamicUnetVariants(t *testing.T) {
	for _, variant := range []int{2, 3, 4, 5} {
		vs := nn.NewVarStore(gotch.CPU)
		enc := downBackbone(vs.Root(), 8, 16, 32)

		cfg, err := unet.VariantConfig(variant, 3)
		if err != nil {
			t.Fatal(err)
		}
		cfg.ImSize = []int64{64, 64}
		cfg.NormType = base.NormSpectral
		if variant == 5 {
			cfg.Nf = 24
		}

		m, err := unet.New(vs.Root().Sub("unet"), enc, cfg)
		if err != nil {
			t.Fatalf("variant %d: %v", variant, err)
		}

		hasBN := false
		for _, s := range m.Stages() {
			if s == unet.StageBN {
				hasBN = true
			}
		}
		// only variant 4 drops the batch norm before the bottleneck
		if want := variant != 4; hasBN != want {
			t.Errorf("variant %d: want bn stage %v, got %v", variant, want, hasBN)
		}

		if variant == 5 {
			for i, b := range m.Blocks() {
				if b.OutChannels() != 24 {
					t.Errorf("variant 5 block %d: want 24 channels, got %d", i, b.OutChannels())
				}
			}
			if got := m.HeadInChannels(); got != 27 {
				t.Errorf("variant 5: want 27 head input channels, got %d", got)
			}
		}

		out := forward(t, m, 1, 3, 64, 64)
		if got := out.MustSize(); !reflect.DeepEqual(got, []int64{1, 3, 64, 64}) {
			t.Errorf("variant %d: want [1 3 64 64], got %v", variant, got)
		}
		m.Close()
	}

	if _, err := unet.VariantConfig(7, 3); err == nil {
		t.Error("expected an error for variant 7")
	}
}

func TestDynamicUnetClose(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root(), 8, 16, 32)

	m, err := unet.New(vs.Root().Sub("a"), enc, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := unet.New(vs.Root().Sub("b"), enc, testConfig()); errors.Cause(err) != encoder.ErrEncoderHooked {
		t.Errorf("second model on a hooked backbone: want ErrEncoderHooked, got %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if enc.Hooked() {
		t.Error("backbone still hooked after close")
	}

	x := ts.MustRand([]int64{1, 3, 64, 64}, gotch.Float, gotch.CPU)
	if _, err := m.Forward(x, false); !errors.Is(err, encoder.ErrHooksReleased) {
		t.Errorf("forward after close: want ErrHooksReleased, got %v", err)
	}

	m2, err := unet.New(vs.Root().Sub("c"), enc, testConfig())
	if err != nil {
		t.Fatalf("rebuild after close: %v", err)
	}
	m2.Close()
}

func TestDynamicUnetNoSizeChange(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := encoder.NewBackbone(3,
		base.Conv2d(vs.Root().Sub("0"), 3, 8, 3, 1, 1),
		nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor { return xs.MustRelu(false) }),
	)

	if _, err := unet.New(vs.Root().Sub("unet"), enc, testConfig()); err != unet.ErrNoSizeChange {
		t.Errorf("want ErrNoSizeChange, got %v", err)
	}
	if enc.Hooked() {
		t.Error("failed construction left hooks on the backbone")
	}
}

func TestDynamicUnetFailedBuildReleasesHooks(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root(), 8, 16, 32)

	// Sizing runs the backbone once; the next pass happens with hooks
	// attached and fails.
	calls := 0
	enc.Add(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		calls++
		if calls > 1 {
			panic("backbone failure")
		}
		return xs.MustShallowClone()
	}))

	if _, err := unet.New(vs.Root().Sub("unet"), enc, testConfig()); err == nil {
		t.Fatal("expected construction to fail")
	}
	if enc.Hooked() {
		t.Fatal("failed construction left hooks on the backbone")
	}
	if _, err := encoder.Attach(enc, []int{1}); err != nil {
		t.Errorf("attach after failed construction: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*unet.Config)
	}{
		{"no classes", func(c *unet.Config) { c.NClasses = 0 }},
		{"fixed width without nf", func(c *unet.Config) { c.WidthMode = unet.WidthFixed; c.Nf = 0 }},
		{"empty y range", func(c *unet.Config) { c.YRange = &[2]float64{1, 1} }},
		{"3d probe", func(c *unet.Config) { c.ImSize = []int64{8, 8, 8} }},
		{"zero probe", func(c *unet.Config) { c.ImSize = []int64{0, 64} }},
		{"negative probe", func(c *unet.Config) { c.ImSize = []int64{64, -1} }},
	}

	for _, tt := range tests {
		cfg := unet.Variant2Config(3)
		tt.edit(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}

	if err := unet.Variant5Config(3).Validate(); err != nil {
		t.Errorf("variant 5: %v", err)
	}
}

func TestDynamicUnetProbeFailureIsError(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root(), 8, 16, 32)
	enc.Add(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		panic("backbone failure")
	}))

	m, err := unet.New(vs.Root().Sub("unet"), enc, testConfig())
	if err == nil || m != nil {
		t.Fatal("expected construction to fail with an error")
	}
	if enc.Hooked() {
		t.Error("failed construction left hooks on the backbone")
	}
}

func TestDynamicUnetEndToEnd(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	enc := downBackbone(vs.Root(), 4, 8, 8)

	// default 256x256 probe
	cfg := unet.Variant2Config(3)
	m, err := unet.New(vs.Root().Sub("unet"), enc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if got := len(m.Blocks()); got != 2 {
		t.Errorf("want 2 decoder blocks, got %d", got)
	}
	count := make(map[string]int)
	for _, s := range m.Stages() {
		count[s]++
	}
	for _, s := range []string{unet.StageMerge, unet.StageResBlock, unet.StageHead} {
		if count[s] != 1 {
			t.Errorf("want one %q stage, got %d", s, count[s])
		}
	}
	if count[unet.StageSigmoidRg] != 0 {
		t.Error("no y range, want no sigmoid range stage")
	}

	out := forward(t, m, 1, 3, 64, 64)
	if got := out.MustSize(); !reflect.DeepEqual(got, []int64{1, 3, 64, 64}) {
		t.Errorf("want [1 3 64 64], got %v", got)
	}
}

func snapshot(vs *nn.VarStore) map[string][]float64 {
	snap := make(map[string][]float64)
	for name, v := range vs.Variables() {
		snap[name] = v.Float64Values()
	}
	return snap
}

func changed(before, after map[string][]float64) []string {
	var names []string
	for name, vals := range before {
		if !reflect.DeepEqual(vals, after[name]) {
			names = append(names, name)
		}
	}
	return names
}

func TestDynamicUnetConstructionKeepsParameters(t *testing.T) {
	vs := nn.NewVarStore(gotch.CPU)
	p := vs.Root().Sub("body")
	enc := encoder.NewBackbone(3,
		base.Conv2d(p.Sub("0"), 3, 8, 3, 1, 2),
		nn.BatchNorm2D(p.Sub("1"), 8, nn.DefaultBatchNormConfig()),
		nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor { return xs.MustRelu(false) }),
		base.Conv2d(p.Sub("3"), 8, 16, 3, 1, 2),
		base.Conv2d(p.Sub("4"), 16, 32, 3, 1, 2),
	)
	body := snapshot(vs)

	cfg := testConfig()
	cfg.NormType = base.NormSpectral
	m, err := unet.New(vs.Root().Sub("unet"), enc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	// sizing and dry runs leave the backbone alone
	after := snapshot(vs)
	if names := changed(body, after); len(names) > 0 {
		t.Errorf("construction changed backbone variables %v", names)
	}

	// decoder batch norms still hold their initial statistics
	var spectral int
	for name, vals := range after {
		var want float64
		switch {
		case strings.HasSuffix(name, "running_mean"):
			want = 0
		case strings.HasSuffix(name, "running_var"):
			want = 1
		default:
			if strings.HasSuffix(name, "weight_u") {
				spectral++
			}
			continue
		}
		for _, v := range vals {
			if v != want {
				t.Errorf("%s: want initial value %v, got %v", name, want, v)
				break
			}
		}
	}
	if spectral == 0 {
		t.Fatal("expected spectral-norm convs in the decoder")
	}

	// eval passes, which the dry runs are, keep every variable
	forward(t, m, 1, 3, 64, 64)
	if names := changed(after, snapshot(vs)); len(names) > 0 {
		t.Errorf("eval forward changed variables %v", names)
	}

	// a training pass does move the batch-norm statistics and spectral
	// vectors
	x := ts.MustRand([]int64{2, 3, 64, 64}, gotch.Float, gotch.CPU)
	if _, err := m.Forward(x, true); err != nil {
		t.Fatal(err)
	}
	var moved []string
	for _, name := range changed(after, snapshot(vs)) {
		if strings.HasSuffix(name, "running_mean") || strings.HasSuffix(name, "weight_u") {
			moved = append(moved, name)
		}
	}
	if len(moved) == 0 {
		t.Error("training pass left batch-norm statistics and spectral vectors unchanged")
	}
}

func TestDynamicUnetFusionNorm(t *testing.T) {
	tests := []struct {
		variant int
		want    []string
		absent  []string
	}{
		{2, []string{"unet.res.conv1.0.weight", "unet.res.conv1.bn.weight"}, []string{"unet.res.conv1.0.weight_orig"}},
		{3, []string{"unet.res.conv1.0.weight_orig", "unet.res.conv1.0.weight_u"}, []string{"unet.res.conv1.0.weight", "unet.res.conv1.bn.weight"}},
	}

	for _, tt := range tests {
		vs := nn.NewVarStore(gotch.CPU)
		enc := downBackbone(vs.Root().Sub("body"), 8, 16, 32)

		cfg, err := unet.VariantConfig(tt.variant, 3)
		if err != nil {
			t.Fatal(err)
		}
		cfg.ImSize = []int64{64, 64}
		cfg.NormType = base.NormSpectral

		m, err := unet.New(vs.Root().Sub("unet"), enc, cfg)
		if err != nil {
			t.Fatalf("variant %d: %v", tt.variant, err)
		}
		vars := vs.Variables()
		for _, name := range tt.want {
			if _, ok := vars[name]; !ok {
				t.Errorf("variant %d: missing %q", tt.variant, name)
			}
		}
		for _, name := range tt.absent {
			if _, ok := vars[name]; ok {
				t.Errorf("variant %d: unexpected %q", tt.variant, name)
			}
		}
		m.Close()
	}
}

func TestDynamicUnetBlurFinal(t *testing.T) {
	tests := []struct {
		name      string
		blur      bool
		blurFinal bool
		want      []bool
	}{
		{"blur all", true, true, []bool{true, true, true}},
		{"spare final", true, false, []bool{true, true, false}},
		{"no blur", false, true, []bool{false, false, false}},
	}

	for _, tt := range tests {
		vs := nn.NewVarStore(gotch.CPU)
		enc := downBackbone(vs.Root(), 8, 16, 32, 64)

		cfg := testConfig()
		cfg.Blur = tt.blur
		cfg.BlurFinal = tt.blurFinal
		m, err := unet.New(vs.Root().Sub("unet"), enc, cfg)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}

		var got []bool
		for _, b := range m.Blocks() {
			got = append(got, b.Blur())
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: want blur %v, got %v", tt.name, tt.want, got)
		}

		out := forward(t, m, 1, 3, 64, 64)
		if got := out.MustSize(); !reflect.DeepEqual(got, []int64{1, 3, 64, 64}) {
			t.Errorf("%s: want [1 3 64 64], got %v", tt.name, got)
		}
		m.Close()
	}
}
