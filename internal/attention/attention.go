// Package attention is the reference grouped-query attention computation.
package attention

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/mask"
	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Options control masking and numeric precision of Compute.
type Options struct {
	Window       mask.Window
	Local        bool
	QueryPadding mask.Padding
	KeyPadding   mask.Padding
	// Upcast computes every stage in float64 and rounds only the final
	// output. Without it the scaled operand, the scores and the weights
	// are rounded to the input dtype between stages.
	Upcast     bool
	ScaleOrder config.ScaleOrder
}

// Result holds the attention output [B, Sq, Hq, D] and the attention
// weights [B, Hq, Sq, Sk], both in the input dtype.
type Result struct {
	Output *tensor.Tensor
	Probs  *tensor.Tensor
}

func validate(q, k, v *tensor.Tensor, opts Options) error {
	const op = "attention.Compute"
	if q == nil || k == nil || v == nil {
		return tensor.Mismatch(op, "query, key and value are required")
	}
	if err := config.CheckGrouping(q.Dim(2), k.Dim(2)); err != nil {
		return err
	}
	if opts.Window.Left < -1 || opts.Window.Right < -1 {
		return config.Invalid("window", opts.Window, "bounds must be >= -1")
	}
	if opts.Local && opts.Window.Left < 0 {
		return config.Invalid("window_left", opts.Window.Left, "local attention needs a non-negative left window")
	}
	if k.Shape() != v.Shape() {
		return &tensor.ShapeMismatchError{Op: op, Msg: "key/value", Want: k.Dims(), Got: v.Dims()}
	}
	if q.Dim(0) != k.Dim(0) {
		return &tensor.ShapeMismatchError{Op: op, Msg: "batch", Want: q.Dims(), Got: k.Dims()}
	}
	if q.Dim(3) != k.Dim(3) {
		return &tensor.ShapeMismatchError{Op: op, Msg: "head dim", Want: q.Dims(), Got: k.Dims()}
	}
	return nil
}

// Compute runs scaled dot-product attention with each key/value head
// shared by a contiguous group of query heads. Rows with every key
// excluded produce zero weights; padded query rows produce zero output.
func Compute(q, k, v *tensor.Tensor, opts Options) (*Result, error) {
	if err := validate(q, k, v, opts); err != nil {
		metrics.RecordValidationError("attention", errorKind(err))
		return nil, err
	}
	b, sq, hq, d := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	sk, hkv := k.Dim(1), k.Dim(2)
	group := hq / hkv

	grid, err := mask.BuildCausalLocal(b, sq, sk, opts.Window, opts.QueryPadding, opts.KeyPadding)
	if err != nil {
		metrics.RecordValidationError("attention", errorKind(err))
		return nil, err
	}
	grid.HidePaddedKeys(opts.KeyPadding)
	metrics.RecordGQARatio(hq, hkv)

	kRep, err := tensor.RepeatHeads(k, group)
	if err != nil {
		return nil, err
	}
	vRep, err := tensor.RepeatHeads(v, group)
	if err != nil {
		return nil, err
	}

	dtype := q.DType()
	scale := 1 / math.Sqrt(float64(d))
	qScale, kScale := scale, 1.0
	if opts.ScaleOrder == config.ScaleKey {
		qScale, kScale = 1.0, scale
	}
	qf := widen(q, qScale, !opts.Upcast)
	kf := widen(kRep, kScale, !opts.Upcast)
	vf := widen(vRep, 1, false)

	out := tensor.New(dtype, b, sq, hq, d)
	probs := tensor.New(dtype, b, hq, sq, sk)

	scores := make([]float64, sk)
	acc := make([]float64, d)
	for bi := 0; bi < b; bi++ {
		for r := 0; r < sq; r++ {
			queryValid := opts.QueryPadding == nil || opts.QueryPadding[bi][r]
			excl := grid.Row(bi, r)
			masked := 0
			for _, x := range excl {
				if x {
					masked++
				}
			}
			metrics.RecordSoftmaxRow(masked, grid.FullyMasked(bi, r))

			for h := 0; h < hq; h++ {
				qv := qf[q.Offset(bi, r, h, 0):][:d]
				for c := 0; c < sk; c++ {
					if excl[c] {
						scores[c] = math.Inf(-1)
						continue
					}
					kv := kf[kRep.Offset(bi, c, h, 0):][:d]
					s := floats.Dot(qv, kv)
					if !opts.Upcast {
						s = float64(dtype.RoundFloat64(s))
					}
					scores[c] = s
				}

				softmax(scores)
				if !queryValid {
					for c := range scores {
						scores[c] = 0
					}
				}
				if !opts.Upcast {
					for c := range scores {
						scores[c] = float64(dtype.RoundFloat64(scores[c]))
					}
				}

				for i := range acc {
					acc[i] = 0
				}
				prow := probs.Data[probs.Offset(bi, h, r, 0):][:sk]
				for c, p := range scores {
					prow[c] = dtype.RoundFloat64(p)
					floats.AddScaled(acc, p, vf[vRep.Offset(bi, c, h, 0):][:d])
				}
				orow := out.Vec(bi, r, h)
				if !queryValid {
					continue
				}
				for i, x := range acc {
					orow[i] = dtype.RoundFloat64(x)
				}
			}
		}
	}
	return &Result{Output: out, Probs: probs}, nil
}

// widen copies t into float64, multiplying by scale. With round set the
// scaled values are rounded back to the tensor dtype first.
func widen(t *tensor.Tensor, scale float64, round bool) []float64 {
	out := make([]float64, t.Len())
	dtype := t.DType()
	for i, x := range t.Data {
		v := float64(x) * scale
		if round && scale != 1 {
			v = float64(dtype.RoundFloat64(v))
		}
		out[i] = v
	}
	return out
}

// softmax normalizes scores in place over finite entries. A row with no
// finite entry becomes all zeros.
func softmax(scores []float64) {
	maxVal := math.Inf(-1)
	for _, s := range scores {
		if s > maxVal {
			maxVal = s
		}
	}
	if math.IsInf(maxVal, -1) {
		for i := range scores {
			scores[i] = 0
		}
		return
	}
	var sum float64
	for i, s := range scores {
		e := math.Exp(s - maxVal)
		scores[i] = e
		sum += e
	}
	floats.Scale(1/sum, scores)
}

func errorKind(err error) string {
	switch err.(type) {
	case *config.ConfigurationError:
		return "configuration"
	case *tensor.ShapeMismatchError:
		return "shape_mismatch"
	default:
		return "other"
	}
}
