package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/logger"
	"github.com/23skdu/longbow-parity/internal/mask"
	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/operator"
	"github.com/23skdu/longbow-parity/internal/parity"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Result is the parity verdict for one scenario.
type Result struct {
	ID       string
	Name     string
	Operator string
	Scenario config.Scenario

	AllClose     bool
	Output       *parity.Result
	PresentKey   *parity.Result
	PresentValue *parity.Result
	Audit        parity.AuditResult
	Duration     time.Duration
}

// Comparisons lists the per-tensor results in report order.
func (r *Result) Comparisons() []*parity.Result {
	return []*parity.Result{r.Output, r.PresentKey, r.PresentValue}
}

// Rows flattens every reported mismatch of the scenario.
func (r *Result) Rows() []parity.ReportRow {
	var rows []parity.ReportRow
	for _, c := range r.Comparisons() {
		rows = append(rows, c.Rows(r.Name)...)
	}
	return rows
}

// Run generates the inputs of s, computes the reference, calls op and
// compares the output and the written range of the present cache.
func Run(ctx context.Context, op operator.Operator, s config.Scenario) (res *Result, err error) {
	res = &Result{ID: uuid.NewString(), Name: s.Name(), Operator: op.Name(), Scenario: s}
	log := logger.Log.With("run_id", res.ID, "scenario", res.Name)
	phase, buffer := s.Phase.String(), s.Buffer.String()

	ctx, span := otel.Tracer("scenario").Start(ctx, "scenario.Run", trace.WithAttributes(
		attribute.String("run_id", res.ID),
		attribute.String("scenario", res.Name),
		attribute.String("operator", res.Operator),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RecordScenarioError(phase, buffer)
		} else {
			span.SetAttributes(attribute.Bool("all_close", res.AllClose))
		}
		span.End()
	}()

	req, err := Generate(s)
	if err != nil {
		return nil, err
	}
	sim, err := operator.Simulate(req, operator.Variant{Upcast: s.Upcast, ScaleOrder: s.ScaleOrder})
	if err != nil {
		return nil, fmt.Errorf("reference: %w", err)
	}

	opStart := time.Now()
	resp, err := op.Run(ctx, req)
	metrics.RecordOperator(op.Name(), time.Since(opStart), err)
	if err != nil {
		log.Error("operator failed", "operator", op.Name(), err)
		return nil, fmt.Errorf("operator %s: %w", op.Name(), err)
	}

	if res.Output, err = parity.Compare("output", sim.Output, resp.Output, s.Tolerance); err != nil {
		return nil, err
	}
	written := writtenRange(sim.Present.KeyPadding(), s.CacheLayout)
	if res.PresentKey, err = comparePresent("present_key", sim.PresentKey, resp.PresentKey, s.Tolerance, written); err != nil {
		return nil, err
	}
	if res.PresentValue, err = comparePresent("present_value", sim.PresentValue, resp.PresentValue, s.Tolerance, written); err != nil {
		return nil, err
	}
	res.Audit = parity.Audit("output", resp.Output)

	res.AllClose = res.Output.AllClose && res.PresentKey.AllClose && res.PresentValue.AllClose
	res.Duration = time.Since(start)
	metrics.RecordScenario(phase, buffer, res.AllClose, res.Duration)

	if !res.AllClose {
		log.Warn("parity mismatch",
			"output_mismatches", res.Output.MismatchCount,
			"present_key_mismatches", res.PresentKey.MismatchCount,
			"present_value_mismatches", res.PresentValue.MismatchCount,
			"mean_error", res.Output.MeanAbsError,
		)
	} else {
		log.Debug("parity ok", "mean_error", res.Output.MeanAbsError, "duration", res.Duration)
	}
	return res, nil
}

func comparePresent(name string, ref, got *tensor.Tensor, tol config.Tolerance, include func([]int) bool) (*parity.Result, error) {
	if got == nil {
		return nil, tensor.Mismatch("scenario.Run", "operator returned no %s", name)
	}
	return parity.CompareMasked(name, ref, got, tol, include)
}

// writtenRange selects the cache slots valid marks for each row; slots
// past the written extent are unspecified.
func writtenRange(valid mask.Padding, layout config.CacheLayout) func([]int) bool {
	seqAxis := 1
	if layout == config.LayoutBNSH {
		seqAxis = 2
	}
	return func(idx []int) bool {
		return valid[idx[0]][idx[seqAxis]]
	}
}

// RunMatrix runs scenarios concurrently with at most parallel in flight.
// Results keep the input order. The first error cancels the rest.
func RunMatrix(ctx context.Context, op operator.Operator, scenarios []config.Scenario, parallel int) ([]*Result, error) {
	if parallel <= 0 {
		parallel = 1
	}
	results := make([]*Result, len(scenarios))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, s := range scenarios {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := Run(ctx, op, s)
			if err != nil {
				return fmt.Errorf("scenario %s: %w", s.Name(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Summary counts passing and failing results.
func Summary(results []*Result) (passed, failed int) {
	for _, r := range results {
		if r.AllClose {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}
