package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-parity/internal/logger"
)

// errMismatch makes the process exit non-zero after a failing sweep.
var errMismatch = errors.New("parity mismatch")

// shutdownTracer flushes spans when --otel is set.
var shutdownTracer func(context.Context) error

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCmd() *cobra.Command {
	var (
		logLevel   string
		logFormat  string
		enableOTel bool
	)

	root := &cobra.Command{
		Use:           "parity",
		Short:         "Grouped-query attention parity oracle",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Setup(logLevel, logFormat)
			if enableOTel {
				var err error
				if shutdownTracer, err = initTracer(); err != nil {
					return fmt.Errorf("init tracer: %w", err)
				}
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("PARITY_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", envOr("PARITY_LOG_FORMAT", "console"), "log format (console, json)")
	root.PersistentFlags().BoolVar(&enableOTel, "otel", false, "enable OpenTelemetry tracing (stdout)")

	root.AddCommand(newRunCmd(), newServeCmd())
	return root
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-parity"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

func main() {
	err := newRootCmd().Execute()
	if shutdownTracer != nil {
		if serr := shutdownTracer(context.Background()); serr != nil {
			logger.Log.Warn("tracer shutdown failed", "error", serr.Error())
		}
	}
	if err != nil {
		if !errors.Is(err, errMismatch) {
			logger.Log.Error("parity failed", err)
		}
		os.Exit(1)
	}
}
