// Package traces provides OpenTelemetry distributed tracing for the ledger core.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/ilpvirtual"

// Init installs a local TracerProvider so ledger spans are recorded even
// without a configured collector. Returns a shutdown function to call on
// plugin disconnect.
func Init(ctx context.Context, logger *slog.Logger) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "ilpvirtual"),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	logger.Info("tracing initialized")
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Common attribute helpers for consistent span decoration.

func PeerAccount(account string) attribute.KeyValue {
	return attribute.String("peer.account", account)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}

func TransferID(id string) attribute.KeyValue {
	return attribute.String("transfer.id", id)
}

func Reference(ref string) attribute.KeyValue {
	return attribute.String("reference", ref)
}
