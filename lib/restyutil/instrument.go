package restyutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/semconv/v1.13.0/httpconv"
	"go.opentelemetry.io/otel/trace"
)

type exchangeKey struct{}

// Instrument wraps every request of client in a span and hands finished
// exchanges to sink, which may be nil.
func Instrument(client *resty.Client, tracer trace.Tracer, sink Sink) {
	var counter atomic.Uint64

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		id := counter.Add(1)
		ctx, _ := tracer.Start(req.Context(), "http "+req.Method, trace.WithSpanKind(trace.SpanKindClient))
		ctx = context.WithValue(ctx, exchangeKey{}, id)
		req.SetContext(ctx)
		slog.DebugContext(ctx, "control request", "id", id, "method", req.Method, "url", req.URL)
		return nil
	})

	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		ctx := res.Request.Context()
		span := trace.SpanFromContext(ctx)
		defer span.End()

		// the raw request only exists once the request was sent
		if res.Request.RawRequest != nil {
			span.SetAttributes(httpconv.ClientRequest(res.Request.RawRequest)...)
		}
		if res.RawResponse != nil {
			span.SetAttributes(httpconv.ClientResponse(res.RawResponse)...)
		}
		if res.IsError() {
			span.SetStatus(codes.Error, res.Status())
		}

		id, _ := ctx.Value(exchangeKey{}).(uint64)
		slog.DebugContext(ctx, "control response",
			"id", id,
			"status", res.StatusCode(),
			"elapsed_ms", res.Time().Milliseconds(),
		)
		if sink != nil {
			sink.Save(newExchange(id, res))
		}
		return nil
	})

	client.OnError(func(req *resty.Request, err error) {
		span := trace.SpanFromContext(req.Context())
		defer span.End()
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		span.SetAttributes(attribute.String("url", req.URL))
		slog.DebugContext(req.Context(), "control request failed", "method", req.Method, "url", req.URL, "err", fmt.Sprint(err))
	})
}
