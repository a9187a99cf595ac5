package operator

import (
	"context"

	"github.com/23skdu/longbow-parity/internal/attention"
	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/kvcache"
	"github.com/23skdu/longbow-parity/internal/mask"
	"github.com/23skdu/longbow-parity/internal/rotary"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Variant selects the numeric path of the reference computation.
type Variant struct {
	Upcast     bool
	ScaleOrder config.ScaleOrder
}

// Simulation is the full reference result for a request.
type Simulation struct {
	Response
	// Probs are the attention weights [B, Hq, Sq, Sk].
	Probs *tensor.Tensor
	// Present is the simulated cache in BSNH with per-row lengths.
	Present *kvcache.Present
}

// Simulate computes what a correct operator returns for req: unpack,
// rotate query and new key, update the cache, then attend over the
// present cache with key padding from TotalSeqLens.
func Simulate(req *Request, v Variant) (*Simulation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	c := req.Config

	q, k, val := req.Query, req.Key, req.Value
	if req.Input == config.InputPacked {
		var err error
		q, k, val, err = tensor.Unpack(req.Query, c.QueryHeads, c.KVHeads)
		if err != nil {
			return nil, err
		}
	}

	table, err := req.RotaryTable()
	if err != nil {
		return nil, err
	}
	if table != nil {
		if q, err = rotary.Apply(q, table, req.PastSeqLens, req.RotaryInterleaved); err != nil {
			return nil, err
		}
		if k, err = rotary.Apply(k, table, req.PastSeqLens, req.RotaryInterleaved); err != nil {
			return nil, err
		}
	}

	pastK := kvcache.FromLayout(req.PastKey, req.CacheLayout)
	pastV := kvcache.FromLayout(req.PastValue, req.CacheLayout)
	present, err := kvcache.New(req.Buffer).Update(pastK, pastV, k, val, req.PastSeqLens)
	if err != nil {
		return nil, err
	}

	keyLen := present.K.Dim(1)
	for b, n := range req.TotalSeqLens {
		if n < 0 || n > keyLen {
			return nil, tensor.Mismatch("operator.Simulate", "row %d total seqlen %d outside present length %d", b, n, keyLen)
		}
	}
	keyPad := mask.FromLengths(req.TotalSeqLens, keyLen)
	var queryPad mask.Padding
	if req.QueryLens != nil {
		queryPad = mask.FromLengths(req.QueryLens, c.QueryLen)
	}

	res, err := attention.Compute(q, present.K, present.V, attention.Options{
		Window:       req.Window,
		Local:        req.Window.Left >= 0,
		QueryPadding: queryPad,
		KeyPadding:   keyPad,
		Upcast:       v.Upcast,
		ScaleOrder:   v.ScaleOrder,
	})
	if err != nil {
		return nil, err
	}

	return &Simulation{
		Response: Response{
			Output:       res.Output,
			PresentKey:   kvcache.ToLayout(present.K, req.CacheLayout),
			PresentValue: kvcache.ToLayout(present.V, req.CacheLayout),
		},
		Probs:   res.Probs,
		Present: present,
	}, nil
}

// Reference is an in-process operator backed by Simulate. By default it
// scales the key instead of the query, so its results differ from the
// oracle's only by rounding order.
type Reference struct {
	Variant Variant
}

func NewReference() *Reference {
	return &Reference{Variant: Variant{Upcast: true, ScaleOrder: config.ScaleKey}}
}

func (r *Reference) Name() string { return "reference" }

func (r *Reference) Run(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sim, err := Simulate(req, r.Variant)
	if err != nil {
		return nil, err
	}
	return &sim.Response, nil
}

// Perturbed wraps an operator and adds Delta to every Every-th output
// element. It is a known-bad operator for checking that divergence is caught.
type Perturbed struct {
	Inner Operator
	Delta float32
	Every int
}

func (p *Perturbed) Name() string { return "perturbed-" + p.Inner.Name() }

func (p *Perturbed) Run(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.Inner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	every := p.Every
	if every <= 0 {
		every = 1
	}
	out := resp.Output.Clone()
	for i := 0; i < len(out.Data); i += every {
		out.Data[i] += p.Delta
	}
	return &Response{Output: out, PresentKey: resp.PresentKey, PresentValue: resp.PresentValue}, nil
}
