package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-parity/internal/arrow_client"
	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/logger"
	"github.com/23skdu/longbow-parity/internal/operator"
	"github.com/23skdu/longbow-parity/internal/parity"
	"github.com/23skdu/longbow-parity/internal/scenario"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

type runOptions struct {
	matrix   string
	addr     string
	timeout  time.Duration
	parallel int
	report   string
	verbose  bool

	phase    string
	buffer   string
	layout   string
	input    string
	rotary   string
	padding  string
	dtype    string
	window   string
	noUpcast bool
	scaleKey bool
	rtol     float64
	atol     float64
	seed     int64

	attention config.AttentionConfig
}

func newRunCmd() *cobra.Command {
	def := config.Default()
	opts := runOptions{attention: def.Attention}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scenario or a matrix against the reference or a remote operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runParity(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.matrix, "matrix", "", "run a predefined sweep instead of one scenario (small, full)")
	f.StringVar(&opts.addr, "addr", "", "Flight address of the operator under test; the local reference when empty")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout for the Flight operator")
	f.IntVar(&opts.parallel, "parallel", 4, "scenarios in flight at once")
	f.StringVar(&opts.report, "report", "", "write mismatches to this Arrow IPC file")
	f.BoolVar(&opts.verbose, "verbose", false, "list every scenario, not only failures")

	f.StringVar(&opts.phase, "phase", "prompt", "prompt or decode")
	f.StringVar(&opts.buffer, "buffer", "shared", "shared or growing")
	f.StringVar(&opts.layout, "layout", "bsnh", "cache layout (bsnh, bnsh)")
	f.StringVar(&opts.input, "input", "separate", "separate or packed query/key/value")
	f.StringVar(&opts.rotary, "rotary", "none", "rotary mode (none, halves, interleaved)")
	f.StringVar(&opts.padding, "padding", "full", "prompt padding (full, random, third)")
	f.StringVar(&opts.dtype, "dtype", def.DType.String(), "storage dtype (f32, f16, bf16)")
	f.StringVar(&opts.window, "window", "causal", "attention window (causal, local, none)")
	f.BoolVar(&opts.noUpcast, "no-upcast", false, "round each stage to the storage dtype")
	f.BoolVar(&opts.scaleKey, "scale-key", false, "apply 1/sqrt(D) to the keys instead of the queries")
	f.Float64Var(&opts.rtol, "rtol", def.Tolerance.Relative, "relative tolerance")
	f.Float64Var(&opts.atol, "atol", def.Tolerance.Absolute, "absolute tolerance")
	f.Int64Var(&opts.seed, "seed", def.Seed, "random seed")

	f.IntVar(&opts.attention.Batch, "batch", def.Attention.Batch, "batch size")
	f.IntVar(&opts.attention.QueryLen, "query-len", def.Attention.QueryLen, "query sequence length")
	f.IntVar(&opts.attention.KVLen, "kv-len", def.Attention.KVLen, "new key/value sequence length")
	f.IntVar(&opts.attention.PastLen, "past-len", def.Attention.PastLen, "past cache length (growing buffer)")
	f.IntVar(&opts.attention.Capacity, "capacity", def.Attention.Capacity, "cache capacity (shared buffer)")
	f.IntVar(&opts.attention.QueryHeads, "heads", def.Attention.QueryHeads, "query heads")
	f.IntVar(&opts.attention.KVHeads, "kv-heads", def.Attention.KVHeads, "key/value heads")
	f.IntVar(&opts.attention.HeadDim, "head-dim", def.Attention.HeadDim, "head dimension")

	return cmd
}

func (o runOptions) scenarios() ([]config.Scenario, error) {
	switch strings.ToLower(o.matrix) {
	case "":
	case "small":
		return scenario.SmallMatrix(), nil
	case "full":
		return scenario.Matrix(), nil
	default:
		return nil, config.Invalid("matrix", o.matrix, "want small or full")
	}

	s := config.Scenario{
		Attention: o.attention,
		Upcast:    !o.noUpcast,
		Tolerance: config.Tolerance{Relative: o.rtol, Absolute: o.atol},
		Seed:      o.seed,
	}
	var err error
	if s.Phase, err = parsePhase(o.phase); err != nil {
		return nil, err
	}
	if s.Buffer, err = parseBuffer(o.buffer); err != nil {
		return nil, err
	}
	if s.CacheLayout, err = parseLayout(o.layout); err != nil {
		return nil, err
	}
	if s.Input, err = parseInput(o.input); err != nil {
		return nil, err
	}
	if s.Rotary, err = parseRotary(o.rotary); err != nil {
		return nil, err
	}
	if s.Mask, err = config.ParseMaskMode(o.window); err != nil {
		return nil, err
	}
	if s.Padding, err = config.ParsePaddingMode(o.padding); err != nil {
		return nil, err
	}
	if s.DType, err = tensor.ParseDType(o.dtype); err != nil {
		return nil, config.Invalid("dtype", o.dtype, "%v", err)
	}
	if o.scaleKey {
		s.ScaleOrder = config.ScaleKey
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []config.Scenario{s}, nil
}

func runParity(ctx context.Context, out io.Writer, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	scenarios, err := opts.scenarios()
	if err != nil {
		return err
	}

	var op operator.Operator = operator.NewReference()
	if opts.addr != "" {
		client, err := arrow_client.NewFlightClient(opts.addr)
		if err != nil {
			return err
		}
		defer client.Close()
		client.SetTimeout(opts.timeout)
		op = client
	}

	logger.Log.Info("running parity sweep", "operator", op.Name(), "scenarios", len(scenarios), "parallel", opts.parallel)
	start := time.Now()
	results, err := scenario.RunMatrix(ctx, op, scenarios, opts.parallel)
	if err != nil {
		return err
	}

	if opts.report != "" {
		if err := writeReport(opts.report, results); err != nil {
			return err
		}
	}

	renderResults(out, results, opts.verbose)
	passed, failed := scenario.Summary(results)
	logger.Log.Info("parity sweep finished", "passed", passed, "failed", failed, "duration", time.Since(start).String())
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d scenarios", errMismatch, failed, len(results))
	}
	return nil
}

func writeReport(path string, results []*scenario.Result) error {
	var rows []parity.ReportRow
	for _, r := range results {
		rows = append(rows, r.Rows()...)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := parity.WriteReport(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	logger.Log.Info("report written", "path", path, "rows", len(rows))
	return f.Close()
}

func renderResults(w io.Writer, results []*scenario.Result, verbose bool) {
	var data [][]string
	for _, r := range results {
		if r.AllClose && !verbose {
			continue
		}
		verdict := "ok"
		if !r.AllClose {
			verdict = "FAIL"
		}
		data = append(data, []string{
			r.Name,
			verdict,
			strconv.Itoa(r.Output.MismatchCount),
			strconv.Itoa(r.PresentKey.MismatchCount + r.PresentValue.MismatchCount),
			strconv.FormatFloat(r.Output.MaxAbsError, 'g', 4, 64),
			r.Duration.Round(time.Microsecond).String(),
		})
	}

	passed, failed := scenario.Summary(results)
	if len(data) > 0 {
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"SCENARIO", "RESULT", "OUTPUT", "PRESENT", "MAX ERR", "TIME"})
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetAutoWrapText(false)
		table.AppendBulk(data)
		table.Render()
	}
	fmt.Fprintf(w, "%d passed, %d failed\n", passed, failed)
}

func parsePhase(s string) (config.Phase, error) {
	switch strings.ToLower(s) {
	case "", "prompt":
		return config.PhasePrompt, nil
	case "decode", "token":
		return config.PhaseDecode, nil
	}
	return config.PhasePrompt, config.Invalid("phase", s, "want prompt or decode")
}

func parseBuffer(s string) (config.BufferMode, error) {
	switch strings.ToLower(s) {
	case "", "shared":
		return config.BufferShared, nil
	case "growing":
		return config.BufferGrowing, nil
	}
	return config.BufferShared, config.Invalid("buffer", s, "want shared or growing")
}

func parseLayout(s string) (config.CacheLayout, error) {
	switch strings.ToLower(s) {
	case "", "bsnh":
		return config.LayoutBSNH, nil
	case "bnsh":
		return config.LayoutBNSH, nil
	}
	return config.LayoutBSNH, config.Invalid("layout", s, "want bsnh or bnsh")
}

func parseInput(s string) (config.InputLayout, error) {
	switch strings.ToLower(s) {
	case "", "separate":
		return config.InputSeparate, nil
	case "packed":
		return config.InputPacked, nil
	}
	return config.InputSeparate, config.Invalid("input", s, "want separate or packed")
}

func parseRotary(s string) (config.RotaryMode, error) {
	switch strings.ToLower(s) {
	case "", "none", "off":
		return config.RotaryNone, nil
	case "halves", "half":
		return config.RotaryHalves, nil
	case "interleaved":
		return config.RotaryInterleaved, nil
	}
	return config.RotaryNone, config.Invalid("rotary", s, "want none, halves or interleaved")
}
