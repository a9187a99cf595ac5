package arrow_client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/mask"
	"github.com/23skdu/longbow-parity/internal/operator"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Header is the CBOR command carried in the exchange's flight descriptor.
// Tensors travel in the record batch; everything else travels here.
type Header struct {
	RequestID string `cbor:"request_id"`
	DType     string `cbor:"dtype"`

	Batch      int `cbor:"batch"`
	QueryLen   int `cbor:"query_len"`
	KVLen      int `cbor:"kv_len"`
	PastLen    int `cbor:"past_len"`
	Capacity   int `cbor:"capacity"`
	QueryHeads int `cbor:"query_heads"`
	KVHeads    int `cbor:"kv_heads"`
	HeadDim    int `cbor:"head_dim"`

	PastSeqLens  []int `cbor:"past_seqlens"`
	TotalSeqLens []int `cbor:"total_seqlens"`
	QueryLens    []int `cbor:"query_lens,omitempty"`

	RotaryMaxPosition int  `cbor:"rotary_max_position,omitempty"`
	RotaryDim         int  `cbor:"rotary_dim,omitempty"`
	RotaryInterleaved bool `cbor:"rotary_interleaved,omitempty"`

	WindowLeft  int `cbor:"window_left"`
	WindowRight int `cbor:"window_right"`

	Buffer      uint8 `cbor:"buffer"`
	CacheLayout uint8 `cbor:"cache_layout"`
	Input       uint8 `cbor:"input"`
}

// ResponseMeta is the CBOR app metadata attached to the response batch.
type ResponseMeta struct {
	RequestID     string `cbor:"request_id"`
	Operator      string `cbor:"operator"`
	ElapsedMicros int64  `cbor:"elapsed_us"`
}

var (
	requestTensors  = []string{"query", "key", "value", "past_key", "past_value"}
	responseTensors = []string{"output", "present_key", "present_value"}
)

func tensorFields(names []string) []arrow.Field {
	fields := make([]arrow.Field, 0, 2*len(names))
	for _, n := range names {
		fields = append(fields,
			arrow.Field{Name: n, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
			arrow.Field{Name: n + "_shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32), Nullable: true},
		)
	}
	return fields
}

// RequestSchema is the single-row batch sent by the client.
var RequestSchema = arrow.NewSchema(append(tensorFields(requestTensors),
	arrow.Field{Name: "cos", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
	arrow.Field{Name: "sin", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32), Nullable: true},
), nil)

// ResponseSchema is the single-row batch returned by the server.
var ResponseSchema = arrow.NewSchema(tensorFields(responseTensors), nil)

func headerOf(id string, req *operator.Request) Header {
	c := req.Config
	dtype := tensor.Float32
	if req.Query != nil {
		dtype = req.Query.DType()
	}
	return Header{
		RequestID:         id,
		DType:             dtype.String(),
		Batch:             c.Batch,
		QueryLen:          c.QueryLen,
		KVLen:             c.KVLen,
		PastLen:           c.PastLen,
		Capacity:          c.Capacity,
		QueryHeads:        c.QueryHeads,
		KVHeads:           c.KVHeads,
		HeadDim:           c.HeadDim,
		PastSeqLens:       req.PastSeqLens,
		TotalSeqLens:      req.TotalSeqLens,
		QueryLens:         req.QueryLens,
		RotaryMaxPosition: req.RotaryMaxPosition,
		RotaryDim:         req.RotaryDim,
		RotaryInterleaved: req.RotaryInterleaved,
		WindowLeft:        req.Window.Left,
		WindowRight:       req.Window.Right,
		Buffer:            uint8(req.Buffer),
		CacheLayout:       uint8(req.CacheLayout),
		Input:             uint8(req.Input),
	}
}

// EncodeRequest splits req into the descriptor command and the record batch.
func EncodeRequest(mem memory.Allocator, id string, req *operator.Request) ([]byte, arrow.RecordBatch, error) {
	cmd, err := cbor.Marshal(headerOf(id, req))
	if err != nil {
		return nil, nil, fmt.Errorf("encode request header: %w", err)
	}

	rb := array.NewRecordBuilder(mem, RequestSchema)
	defer rb.Release()
	for i, t := range []*tensor.Tensor{req.Query, req.Key, req.Value, req.PastKey, req.PastValue} {
		appendTensor(rb, 2*i, t)
	}
	appendFloats(rb, 2*len(requestTensors), req.Cos)
	appendFloats(rb, 2*len(requestTensors)+1, req.Sin)
	return cmd, rb.NewRecord(), nil
}

// DecodeRequest rebuilds a request from the descriptor command and batch.
func DecodeRequest(cmd []byte, rec arrow.RecordBatch) (*operator.Request, Header, error) {
	const op = "arrow_client.DecodeRequest"
	var h Header
	if err := cbor.Unmarshal(cmd, &h); err != nil {
		return nil, h, fmt.Errorf("decode request header: %w", err)
	}
	dtype, err := tensor.ParseDType(h.DType)
	if err != nil {
		return nil, h, err
	}
	if err := checkRecord(op, rec, RequestSchema); err != nil {
		return nil, h, err
	}

	ts := make([]*tensor.Tensor, len(requestTensors))
	for i, name := range requestTensors {
		if ts[i], err = readTensor(op, rec, 2*i, dtype); err != nil {
			return nil, h, fmt.Errorf("column %s: %w", name, err)
		}
	}

	req := &operator.Request{
		Config: config.AttentionConfig{
			Batch:      h.Batch,
			QueryLen:   h.QueryLen,
			KVLen:      h.KVLen,
			PastLen:    h.PastLen,
			Capacity:   h.Capacity,
			QueryHeads: h.QueryHeads,
			KVHeads:    h.KVHeads,
			HeadDim:    h.HeadDim,
		},
		Query:             ts[0],
		Key:               ts[1],
		Value:             ts[2],
		PastKey:           ts[3],
		PastValue:         ts[4],
		PastSeqLens:       h.PastSeqLens,
		TotalSeqLens:      h.TotalSeqLens,
		QueryLens:         h.QueryLens,
		Cos:               readFloats(rec, 2*len(requestTensors)),
		Sin:               readFloats(rec, 2*len(requestTensors)+1),
		RotaryMaxPosition: h.RotaryMaxPosition,
		RotaryDim:         h.RotaryDim,
		RotaryInterleaved: h.RotaryInterleaved,
		Window:            mask.Window{Left: h.WindowLeft, Right: h.WindowRight},
		Buffer:            config.BufferMode(h.Buffer),
		CacheLayout:       config.CacheLayout(h.CacheLayout),
		Input:             config.InputLayout(h.Input),
	}
	return req, h, nil
}

// EncodeResponse builds the response batch.
func EncodeResponse(mem memory.Allocator, resp *operator.Response) arrow.RecordBatch {
	rb := array.NewRecordBuilder(mem, ResponseSchema)
	defer rb.Release()
	for i, t := range []*tensor.Tensor{resp.Output, resp.PresentKey, resp.PresentValue} {
		appendTensor(rb, 2*i, t)
	}
	return rb.NewRecord()
}

// DecodeResponse reads the response batch in dtype.
func DecodeResponse(rec arrow.RecordBatch, dtype tensor.DType) (*operator.Response, error) {
	const op = "arrow_client.DecodeResponse"
	if err := checkRecord(op, rec, ResponseSchema); err != nil {
		return nil, err
	}
	ts := make([]*tensor.Tensor, len(responseTensors))
	for i, name := range responseTensors {
		var err error
		if ts[i], err = readTensor(op, rec, 2*i, dtype); err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
	}
	if ts[0] == nil {
		return nil, tensor.Mismatch(op, "response carries no output")
	}
	return &operator.Response{Output: ts[0], PresentKey: ts[1], PresentValue: ts[2]}, nil
}

func checkRecord(op string, rec arrow.RecordBatch, schema *arrow.Schema) error {
	if rec == nil {
		return tensor.Mismatch(op, "missing record batch")
	}
	if !rec.Schema().Equal(schema) {
		return tensor.Mismatch(op, "unexpected schema %s", rec.Schema())
	}
	if rec.NumRows() != 1 {
		return &tensor.ShapeMismatchError{Op: op, Msg: "rows", Want: []int{1}, Got: []int{int(rec.NumRows())}}
	}
	return nil
}

func appendTensor(rb *array.RecordBuilder, col int, t *tensor.Tensor) {
	data := rb.Field(col).(*array.ListBuilder)
	shape := rb.Field(col + 1).(*array.ListBuilder)
	if t == nil {
		data.AppendNull()
		shape.AppendNull()
		return
	}
	data.Append(true)
	data.ValueBuilder().(*array.Float32Builder).AppendValues(t.Data, nil)
	shape.Append(true)
	dims := shape.ValueBuilder().(*array.Int32Builder)
	for _, d := range t.Dims() {
		dims.Append(int32(d))
	}
}

func appendFloats(rb *array.RecordBuilder, col int, xs []float32) {
	lb := rb.Field(col).(*array.ListBuilder)
	if xs == nil {
		lb.AppendNull()
		return
	}
	lb.Append(true)
	lb.ValueBuilder().(*array.Float32Builder).AppendValues(xs, nil)
}

func readTensor(op string, rec arrow.RecordBatch, col int, dtype tensor.DType) (*tensor.Tensor, error) {
	data := rec.Column(col).(*array.List)
	shapes := rec.Column(col + 1).(*array.List)
	if data.IsNull(0) {
		return nil, nil
	}

	s0, s1 := shapes.ValueOffsets(0)
	if shapes.IsNull(0) || s1-s0 != 4 {
		return nil, tensor.Mismatch(op, "tensor shape must have 4 dims")
	}
	dims := shapes.ListValues().(*array.Int32)
	var shape [4]int
	for i := range shape {
		shape[i] = int(dims.Value(int(s0) + i))
		if shape[i] < 0 {
			return nil, tensor.Mismatch(op, "negative dim %d", shape[i])
		}
	}

	return tensor.FromData(dtype, shape, listFloats(data))
}

func readFloats(rec arrow.RecordBatch, col int) []float32 {
	data := rec.Column(col).(*array.List)
	if data.IsNull(0) {
		return nil
	}
	return listFloats(data)
}

func listFloats(l *array.List) []float32 {
	start, end := l.ValueOffsets(0)
	vals := l.ListValues().(*array.Float32)
	out := make([]float32, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, vals.Value(int(j)))
	}
	return out
}
