package onboard

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/goliatone/go-onboard"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

// spanError marks span as failed, tagged with the text code of err.
func spanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, TextCode(err))
}
