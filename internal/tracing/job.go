package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartPollSpan covers one provider status check.
func StartPollSpan(ctx context.Context, providerName, jobID string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "job.poll."+providerName,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("provider.name", providerName),
		attribute.String("job.id", jobID),
	)
	return ctx, span
}

// StartFinalizeSpan covers artifact download, thumbnailing and upload.
func StartFinalizeSpan(ctx context.Context, jobID string, artifacts int) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "job.finalize",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("job.artifacts", artifacts),
	)
	return ctx, span
}

// StartSubmitSpan covers a provider job submission.
func StartSubmitSpan(ctx context.Context, providerName, jobType string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "job.submit."+providerName,
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(
		attribute.String("provider.name", providerName),
		attribute.String("job.type", jobType),
	)
	return ctx, span
}
