package arrow_client

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/logger"
	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/operator"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Server answers DoExchange calls by running op on each request.
type Server struct {
	flight.BaseFlightServer
	op    operator.Operator
	alloc memory.Allocator
}

func NewServer(op operator.Operator) *Server {
	return &Server{op: op, alloc: memory.NewGoAllocator()}
}

// DoExchange reads one request batch and writes one response batch.
func (s *Server) DoExchange(stream flight.FlightService_DoExchangeServer) (err error) {
	defer func() { metrics.RecordFlightRequest("server", err) }()

	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read request: %v", err)
	}
	defer r.Release()

	desc := r.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD {
		return status.Error(codes.InvalidArgument, "request must carry a command descriptor")
	}
	if !r.Next() {
		if rerr := r.Err(); rerr != nil {
			return status.Errorf(codes.InvalidArgument, "read request: %v", rerr)
		}
		return status.Error(codes.InvalidArgument, "request stream has no batch")
	}

	req, hdr, err := DecodeRequest(desc.Cmd, r.Record())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	log := logger.Log.With("request_id", hdr.RequestID, "operator", s.op.Name())

	start := time.Now()
	resp, err := s.op.Run(stream.Context(), req)
	elapsed := time.Since(start)
	metrics.RecordOperator(s.op.Name(), elapsed, err)
	if err != nil {
		log.Warn("operator failed", "error", err.Error())
		return status.Error(codeOf(err), err.Error())
	}

	meta, err := cbor.Marshal(ResponseMeta{
		RequestID:     hdr.RequestID,
		Operator:      s.op.Name(),
		ElapsedMicros: elapsed.Microseconds(),
	})
	if err != nil {
		return status.Errorf(codes.Internal, "encode response metadata: %v", err)
	}

	rec := EncodeResponse(s.alloc, resp)
	defer rec.Release()
	w := flight.NewRecordWriter(stream, ipc.WithSchema(ResponseSchema), ipc.WithAllocator(s.alloc))
	if err := w.WriteWithAppMetadata(rec, meta); err != nil {
		_ = w.Close()
		return status.Errorf(codes.Internal, "write response: %v", err)
	}
	if err := w.Close(); err != nil {
		return status.Errorf(codes.Internal, "close response: %v", err)
	}
	log.Debug("exchange served", "elapsed", elapsed)
	return nil
}

func codeOf(err error) codes.Code {
	var sme *tensor.ShapeMismatchError
	var ce *config.ConfigurationError
	switch {
	case errors.As(err, &sme), errors.As(err, &ce):
		return codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// Listen builds a Flight server for op bound to addr. The caller runs
// Serve and Shutdown.
func Listen(addr string, op operator.Operator) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewServer(op))
	if err := server.Init(addr); err != nil {
		return nil, err
	}
	logger.Log.Info("flight server bound", "addr", server.Addr().String(), "operator", op.Name())
	return server, nil
}
