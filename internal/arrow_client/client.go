// Package arrow_client carries operator requests over Arrow Flight. The
// client side implements operator.Operator against a remote server, and
// Server exposes any local operator the same way.
package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-parity/internal/logger"
	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/operator"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// DefaultPort is where the parity server listens unless told otherwise.
const DefaultPort = 3000

// FlightClient runs requests on a remote operator via DoExchange.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	addr    string
	alloc   memory.Allocator
	timeout time.Duration
}

// NewFlightClient connects lazily to addr ("host:port").
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		addr:    addr,
		alloc:   memory.NewGoAllocator(),
		timeout: 30 * time.Second,
	}, nil
}

// SetTimeout bounds each exchange; zero disables the bound.
func (fc *FlightClient) SetTimeout(d time.Duration) { fc.timeout = d }

func (fc *FlightClient) Name() string { return "flight:" + fc.addr }

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	return fc.conn.Close()
}

// Run sends req as one record batch and waits for the response batch.
func (fc *FlightClient) Run(ctx context.Context, req *operator.Request) (resp *operator.Response, err error) {
	id := uuid.NewString()
	ctx, span := otel.Tracer("arrow_client").Start(ctx, "FlightClient.Run")
	span.SetAttributes(attribute.String("request_id", id), attribute.String("addr", fc.addr))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordFlightRequest("client", err)
	}()

	if fc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fc.timeout)
		defer cancel()
	}

	cmd, rec, err := EncodeRequest(fc.alloc, id, req)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := fc.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("open exchange: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(RequestSchema), ipc.WithAllocator(fc.alloc))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write request: %w", sendStatus(stream, err))
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close request stream: %w", sendStatus(stream, err))
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("close send: %w", err)
	}

	r, err := flight.NewRecordReader(stream, ipc.WithAllocator(fc.alloc))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("read response: empty stream")
	}

	dtype := tensor.Float32
	if req.Query != nil {
		dtype = req.Query.DType()
	}
	resp, err = DecodeResponse(r.Record(), dtype)
	if err != nil {
		return nil, err
	}

	var meta ResponseMeta
	if raw := r.LatestAppMetadata(); len(raw) > 0 {
		if err := cbor.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode response metadata: %w", err)
		}
	}
	logger.Log.Debug("flight exchange complete",
		"request_id", id,
		"remote_operator", meta.Operator,
		"remote_elapsed_us", meta.ElapsedMicros,
	)
	return resp, nil
}

// sendStatus recovers the server's status after a failed send. gRPC
// reports a server-terminated stream as io.EOF on Send and delivers the
// real status on the next Recv.
func sendStatus(stream flight.FlightService_DoExchangeClient, err error) error {
	if _, rerr := stream.Recv(); rerr != nil && !errors.Is(rerr, io.EOF) {
		return rerr
	}
	return err
}
