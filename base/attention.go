package base

import (
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	ts "github.com/sugarme/gotch/tensor"
)

// SelfAttention is the self-attention layer of SAGAN.
// Ref. https://arxiv.org/abs/1805.08318
//
// Query and key project to nc/8 channels, value keeps nc channels. The output
// is gamma*attention + x with gamma starting at zero, so a freshly created
// layer is the identity.
type SelfAttention struct {
	query *Conv
	key   *Conv
	value *Conv
	Gamma *ts.Tensor
}

// NewSelfAttention creates SelfAttention over nc channels.
func NewSelfAttention(p *nn.Path, nc int64) *SelfAttention {
	return &SelfAttention{
		query: NewConv(p.Sub("query"), nc, nc/8, 1, 1, 0, false, NormSpectral),
		key:   NewConv(p.Sub("key"), nc, nc/8, 1, 1, 0, false, NormSpectral),
		value: NewConv(p.Sub("value"), nc, nc, 1, 1, 0, false, NormSpectral),
		Gamma: p.Zeros("gamma", []int64{1}),
	}
}

// ForwardT implements ts.ModuleT for SelfAttention.
func (a *SelfAttention) ForwardT(x *ts.Tensor, train bool) *ts.Tensor {
	size := x.MustSize()
	bs, nc := size[0], size[1]
	n := size[2] * size[3]

	f := a.query.ForwardT(x, train).MustView([]int64{bs, nc / 8, n}, true)
	g := a.key.ForwardT(x, train).MustView([]int64{bs, nc / 8, n}, true)
	h := a.value.ForwardT(x, train).MustView([]int64{bs, nc, n}, true)

	// beta: [bs n n], softmax over the query positions
	ft := f.MustPermute([]int64{0, 2, 1}, true).MustContiguous(true)
	beta := ft.MustBmm(g, true).MustSoftmax(1, gotch.Float, true)
	g.MustDrop()

	o := h.MustBmm(beta, true).MustMul(a.Gamma, true)
	beta.MustDrop()

	flat := x.MustView([]int64{bs, nc, n}, false)
	res := o.MustAdd(flat, true)
	flat.MustDrop()

	return res.MustView(size, true).MustContiguous(true)
}
