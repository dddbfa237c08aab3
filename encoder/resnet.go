package encoder

import (
	"fmt"

	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"

	"github.com/sugarme/colorize/base"
)

// ResNet34Body creates a ResNet34 with its pooling and classifier head cut
// off. Its 8 sub-modules are conv1, bn1, relu, maxpool, layer1..layer4, and
// variable names match torchvision so pretrained weights load with
// VarStore.LoadPartial.
func ResNet34Body(p *nn.Path) *Backbone {
	return resNetBody(p, []ts.ModuleT{
		basicLayer(p.Sub("layer1"), 64, 64, 1, 3),
		basicLayer(p.Sub("layer2"), 64, 128, 2, 4),
		basicLayer(p.Sub("layer3"), 128, 256, 2, 6),
		basicLayer(p.Sub("layer4"), 256, 512, 2, 3),
	})
}

// ResNet101Body creates a ResNet101 body laid out like ResNet34Body.
func ResNet101Body(p *nn.Path) *Backbone {
	return resNetBody(p, []ts.ModuleT{
		bottleneckLayer(p.Sub("layer1"), 64, 64, 1, 3),
		bottleneckLayer(p.Sub("layer2"), 4*64, 128, 2, 4),
		bottleneckLayer(p.Sub("layer3"), 4*128, 256, 2, 23),
		bottleneckLayer(p.Sub("layer4"), 4*256, 512, 2, 3),
	})
}

// NOTE. `conv1` and `bn1` are at root of pretrained model
func resNetBody(p *nn.Path, layers []ts.ModuleT) *Backbone {
	b := NewBackbone(3)
	b.Add(base.Conv2dNoBias(p.Sub("conv1"), 3, 64, 7, 3, 2))
	b.Add(nn.BatchNorm2D(p.Sub("bn1"), 64, nn.DefaultBatchNormConfig()))
	b.Add(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustRelu(false)
	}))
	b.Add(nn.NewFunc(func(xs *ts.Tensor) *ts.Tensor {
		return xs.MustMaxPool2d([]int64{3, 3}, []int64{2, 2}, []int64{1, 1}, []int64{1, 1}, false, false)
	}))
	for _, l := range layers {
		b.Add(l)
	}

	return b
}

func basicLayer(path *nn.Path, cIn, cOut, stride, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(NewBasicBlock(path.Sub("0"), cIn, cOut, stride))
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer.Add(NewBasicBlock(path.Sub(fmt.Sprint(blockIndex)), cOut, cOut, 1))
	}

	return layer
}

func bottleneckLayer(path *nn.Path, cIn, width, stride, cnt int64) ts.ModuleT {
	layer := nn.SeqT()
	layer.Add(NewBottleneckBlock(path.Sub("0"), cIn, width, stride))
	for blockIndex := 1; blockIndex < int(cnt); blockIndex++ {
		layer.Add(NewBottleneckBlock(path.Sub(fmt.Sprint(blockIndex)), 4*width, width, 1))
	}

	return layer
}

func downSample(path *nn.Path, cIn, cOut, stride int64) ts.ModuleT {
	if stride != 1 || cIn != cOut {
		seq := nn.SeqT()
		seq.Add(base.Conv2dNoBias(path.Sub("0"), cIn, cOut, 1, 0, stride))
		seq.Add(nn.BatchNorm2D(path.Sub("1"), cOut, nn.DefaultBatchNormConfig()))

		return seq
	}
	return nil
}

type BasicBlock struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Downsample ts.ModuleT
}

func NewBasicBlock(path *nn.Path, cIn, cOut, stride int64) *BasicBlock {
	conv1 := base.Conv2dNoBias(path.Sub("conv1"), cIn, cOut, 3, 1, stride)
	bn1 := nn.BatchNorm2D(path.Sub("bn1"), cOut, nn.DefaultBatchNormConfig())
	conv2 := base.Conv2dNoBias(path.Sub("conv2"), cOut, cOut, 3, 1, 1)
	bn2 := nn.BatchNorm2D(path.Sub("bn2"), cOut, nn.DefaultBatchNormConfig())
	downsample := downSample(path.Sub("downsample"), cIn, cOut, stride)

	return &BasicBlock{conv1, bn1, conv2, bn2, downsample}
}

func (bb *BasicBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.ForwardT(x, train)
	bn1Ts := bb.Bn1.ForwardT(c1, train)
	c1.MustDrop()
	relu := bn1Ts.MustRelu(true)
	c2 := bb.Conv2.ForwardT(relu, train)
	relu.MustDrop()
	bn2Ts := bb.Bn2.ForwardT(c2, train)
	c2.MustDrop()

	return residual(x, bn2Ts, bb.Downsample, train)
}

// BottleneckBlock is the 1x1 -> 3x3 -> 1x1 block of deeper resnets with an
// expansion of 4.
type BottleneckBlock struct {
	Conv1      *nn.Conv2D
	Bn1        *nn.BatchNorm
	Conv2      *nn.Conv2D
	Bn2        *nn.BatchNorm
	Conv3      *nn.Conv2D
	Bn3        *nn.BatchNorm
	Downsample ts.ModuleT
}

func NewBottleneckBlock(path *nn.Path, cIn, width, stride int64) *BottleneckBlock {
	cOut := 4 * width
	return &BottleneckBlock{
		Conv1:      base.Conv2dNoBias(path.Sub("conv1"), cIn, width, 1, 0, 1),
		Bn1:        nn.BatchNorm2D(path.Sub("bn1"), width, nn.DefaultBatchNormConfig()),
		Conv2:      base.Conv2dNoBias(path.Sub("conv2"), width, width, 3, 1, stride),
		Bn2:        nn.BatchNorm2D(path.Sub("bn2"), width, nn.DefaultBatchNormConfig()),
		Conv3:      base.Conv2dNoBias(path.Sub("conv3"), width, cOut, 1, 0, 1),
		Bn3:        nn.BatchNorm2D(path.Sub("bn3"), cOut, nn.DefaultBatchNormConfig()),
		Downsample: downSample(path.Sub("downsample"), cIn, cOut, stride),
	}
}

func (bb *BottleneckBlock) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	c1 := bb.Conv1.ForwardT(x, train)
	r1 := bb.Bn1.ForwardT(c1, train).MustRelu(true)
	c1.MustDrop()
	c2 := bb.Conv2.ForwardT(r1, train)
	r1.MustDrop()
	r2 := bb.Bn2.ForwardT(c2, train).MustRelu(true)
	c2.MustDrop()
	c3 := bb.Conv3.ForwardT(r2, train)
	r2.MustDrop()
	bn3Ts := bb.Bn3.ForwardT(c3, train)
	c3.MustDrop()

	return residual(x, bn3Ts, bb.Downsample, train)
}

// residual returns relu(downsample(x) + out) and drops out.
func residual(x, out *ts.Tensor, downsample ts.ModuleT, train bool) *ts.Tensor {
	var sum *ts.Tensor
	if downsample == nil {
		sum = out.MustAdd(x, true)
	} else {
		dsl := downsample.ForwardT(x, train)
		sum = dsl.MustAdd(out, true)
		out.MustDrop()
	}

	return sum.MustRelu(true)
}
