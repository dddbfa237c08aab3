package encoder

import (
	"github.com/pkg/errors"
	ts "github.com/sugarme/gotch/tensor"
)

var (
	// ErrHooksReleased is returned when a released Hooks set is used.
	ErrHooksReleased = errors.New("encoder: hooks have been released")

	// ErrEncoderHooked is returned when attaching to a backbone that already
	// has a live Hooks set.
	ErrEncoderHooked = errors.New("encoder: backbone already has live hooks")

	// ErrNotCaptured is returned when reading a hook before any forward pass.
	ErrNotCaptured = errors.New("encoder: nothing captured yet")
)

// Hooks captures the outputs of selected backbone sub-modules.
//
// Each capture overwrites a single slot per sub-module, so a Hooks set must
// not be shared by concurrent forward passes.
type Hooks struct {
	enc      *Backbone
	idxs     []int
	stored   []*ts.Tensor
	handles  []*Hook
	released bool
}

// Hook is the handle of one capture slot.
type Hook struct {
	hooks *Hooks
	pos   int
}

// Attach creates one hook per index in idxs on enc.
func Attach(enc *Backbone, idxs []int) (*Hooks, error) {
	if enc.hooks != nil {
		return nil, ErrEncoderHooked
	}
	for _, idx := range idxs {
		if idx < 0 || idx >= enc.Len() {
			return nil, errors.Errorf("encoder: hook index %d out of range [0, %d)", idx, enc.Len())
		}
	}

	h := &Hooks{
		enc:    enc,
		idxs:   append([]int(nil), idxs...),
		stored: make([]*ts.Tensor, len(idxs)),
	}
	for i := range idxs {
		h.handles = append(h.handles, &Hook{hooks: h, pos: i})
	}
	enc.hooks = h

	return h, nil
}

// Len returns the number of hooks.
func (h *Hooks) Len() int {
	return len(h.idxs)
}

// Indices returns the hooked sub-module indices.
func (h *Hooks) Indices() []int {
	return append([]int(nil), h.idxs...)
}

// At returns the i-th hook handle.
func (h *Hooks) At(i int) *Hook {
	return h.handles[i]
}

// Released reports whether Release has been called.
func (h *Hooks) Released() bool {
	return h.released
}

// Capture forwards x through the backbone, stores the hooked outputs and
// returns the backbone output.
func (h *Hooks) Capture(x *ts.Tensor, train bool) (*ts.Tensor, error) {
	if h.released {
		return nil, ErrHooksReleased
	}

	out, captured := h.enc.ForwardCapture(x, h.idxs, train)
	h.drop()
	copy(h.stored, captured)

	return out, nil
}

// Release drops the stored outputs and detaches from the backbone. Calling
// it more than once is a no-op.
func (h *Hooks) Release() {
	if h == nil || h.released {
		return
	}
	h.drop()
	if h.enc.hooks == h {
		h.enc.hooks = nil
	}
	h.released = true
}

func (h *Hooks) drop() {
	for i, t := range h.stored {
		if t != nil {
			t.MustDrop()
			h.stored[i] = nil
		}
	}
}

// Index returns the backbone sub-module index the hook is bound to.
func (k *Hook) Index() int {
	return k.hooks.idxs[k.pos]
}

// Stored returns the latest captured output. The tensor stays owned by the
// hook and is replaced on the next capture.
func (k *Hook) Stored() (*ts.Tensor, error) {
	if k.hooks.released {
		return nil, ErrHooksReleased
	}
	t := k.hooks.stored[k.pos]
	if t == nil {
		return nil, ErrNotCaptured
	}

	return t, nil
}
