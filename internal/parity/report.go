package parity

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ReportRow is one reported mismatch, tagged with its scenario.
type ReportRow struct {
	Scenario string
	Tensor   string
	Mismatch
}

// ReportSchema is the Arrow schema of the mismatch report stream.
var ReportSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "scenario", Type: arrow.BinaryTypes.String},
		{Name: "tensor", Type: arrow.BinaryTypes.String},
		{Name: "index", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "reference", Type: arrow.PrimitiveTypes.Float32},
		{Name: "actual", Type: arrow.PrimitiveTypes.Float32},
	},
	nil,
)

// Rows flattens a result's reported mismatches.
func (r *Result) Rows(scenario string) []ReportRow {
	rows := make([]ReportRow, len(r.Mismatches))
	for i, m := range r.Mismatches {
		rows[i] = ReportRow{Scenario: scenario, Tensor: r.Tensor, Mismatch: m}
	}
	return rows
}

func buildReport(mem memory.Allocator, rows []ReportRow) arrow.Record {
	scenarioB := array.NewStringBuilder(mem)
	defer scenarioB.Release()
	tensorB := array.NewStringBuilder(mem)
	defer tensorB.Release()
	indexB := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
	defer indexB.Release()
	idxValues := indexB.ValueBuilder().(*array.Int32Builder)
	refB := array.NewFloat32Builder(mem)
	defer refB.Release()
	actB := array.NewFloat32Builder(mem)
	defer actB.Release()

	for _, row := range rows {
		scenarioB.Append(row.Scenario)
		tensorB.Append(row.Tensor)
		indexB.Append(true)
		for _, i := range row.Index {
			idxValues.Append(int32(i))
		}
		refB.Append(row.Reference)
		actB.Append(row.Actual)
	}

	cols := []arrow.Array{scenarioB.NewArray(), tensorB.NewArray(), indexB.NewArray(), refB.NewArray(), actB.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(ReportSchema, cols, int64(len(rows)))
}

// WriteReport writes rows as a single-batch Arrow IPC stream.
func WriteReport(w io.Writer, rows []ReportRow) error {
	rec := buildReport(memory.NewGoAllocator(), rows)
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(ReportSchema))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("write report batch: %w", err)
	}
	return writer.Close()
}

// ReadReport decodes a stream produced by WriteReport.
func ReadReport(r io.Reader) ([]ReportRow, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("open report stream: %w", err)
	}
	defer reader.Release()

	var rows []ReportRow
	for reader.Next() {
		rec := reader.Record()
		scenarios := rec.Column(0).(*array.String)
		tensors := rec.Column(1).(*array.String)
		indexes := rec.Column(2).(*array.List)
		idxValues := indexes.ListValues().(*array.Int32)
		refs := rec.Column(3).(*array.Float32)
		acts := rec.Column(4).(*array.Float32)

		for i := 0; i < int(rec.NumRows()); i++ {
			start, end := indexes.ValueOffsets(i)
			idx := make([]int, 0, end-start)
			for j := start; j < end; j++ {
				idx = append(idx, int(idxValues.Value(int(j))))
			}
			rows = append(rows, ReportRow{
				Scenario: scenarios.Value(i),
				Tensor:   tensors.Value(i),
				Mismatch: Mismatch{Index: idx, Reference: refs.Value(i), Actual: acts.Value(i)},
			})
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("read report stream: %w", err)
	}
	return rows, nil
}
