package saver

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type tracer struct {
	t oteltrace.Tracer
}

func newTracer() tracer {
	return tracer{t: otel.Tracer("draftcore/saver")}
}

func (tr tracer) startPersist(ctx context.Context, sceneID string) (context.Context, oteltrace.Span) {
	return tr.t.Start(ctx, "saver.persist",
		oteltrace.WithAttributes(attribute.String("draftcore.scene_id", sceneID)),
	)
}

func (tr tracer) startBackup(ctx context.Context, sceneID string) (context.Context, oteltrace.Span) {
	return tr.t.Start(ctx, "saver.emergency_backup",
		oteltrace.WithAttributes(attribute.String("draftcore.scene_id", sceneID)),
	)
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
