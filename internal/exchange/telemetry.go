package exchange

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/chinmina/signer-bridge/internal/exchange"

var (
	metricsOnce       sync.Once
	exchangeRequests  metric.Int64Counter
	exchangeDurations metric.Float64Histogram
)

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)

		var err error
		exchangeRequests, err = meter.Int64Counter(
			"exchange.requests",
			metric.WithDescription("Token exchange requests made to the identity domain"),
		)
		if err != nil {
			otel.Handle(err)
		}

		exchangeDurations, err = meter.Float64Histogram(
			"exchange.duration",
			metric.WithDescription("Token exchange duration, including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

func record(ctx context.Context, span trace.Span, duration time.Duration, err error) {
	initMetrics()

	status := "success"
	statusCode := 0
	if err != nil {
		status = "error"

		var exErr *Error
		if errors.As(err, &exErr) {
			statusCode = exErr.StatusCode
		}

		span.SetStatus(codes.Error, "exchange failed")
		span.SetAttributes(attribute.String("exchange.error", err.Error()))
	}

	attrs := []attribute.KeyValue{
		attribute.String("exchange.status", status),
		attribute.String("exchange.http_status", strconv.Itoa(statusCode)),
	}

	span.SetAttributes(attrs...)
	span.SetAttributes(attribute.Float64("exchange.duration", duration.Seconds()))

	if exchangeRequests != nil {
		exchangeRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if exchangeDurations != nil {
		exchangeDurations.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs[0]))
	}
}
