package otelhelper

import (
	"github.com/dukex/orion/pkg/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks span as failed and tags it with the governance error code,
// so rejected and blocked operations can be told apart in traces.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("orion.error_code", string(services.CodeOf(err))))
	span.AddEvent("error_occurred", trace.WithAttributes(
		attrs...,
	))
}
