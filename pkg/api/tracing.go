package api

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingObserver records one OpenTelemetry span per workflow instance and a
// child span per activity attempt.
type TracingObserver struct {
	NoopObserver

	tracer     trace.Tracer
	workflows  sync.Map // instance ID -> trace.Span
	activities sync.Map // instance ID/activity/attempt -> trace.Span
}

// NewTracingObserver creates a TracingObserver. If tracer is nil the global
// tracer provider is used.
func NewTracingObserver(tracer trace.Tracer) *TracingObserver {
	if tracer == nil {
		tracer = otel.Tracer("github.com/petrijr/registrar")
	}
	return &TracingObserver{tracer: tracer}
}

func (o *TracingObserver) OnWorkflowStart(ctx context.Context, inst *WorkflowInstance) {
	o.workflowSpan(ctx, inst)
}

func (o *TracingObserver) OnWorkflowCompleted(ctx context.Context, inst *WorkflowInstance) {
	span := o.workflowSpan(ctx, inst)
	o.workflows.Delete(inst.ID)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func (o *TracingObserver) OnWorkflowFailed(ctx context.Context, inst *WorkflowInstance, err error) {
	span := o.workflowSpan(ctx, inst)
	o.workflows.Delete(inst.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (o *TracingObserver) OnActivityStart(ctx context.Context, inst *WorkflowInstance, activity string, attempt int) {
	parent := trace.ContextWithSpan(ctx, o.workflowSpan(ctx, inst))
	_, span := o.tracer.Start(parent, "activity "+activity,
		trace.WithAttributes(
			attribute.String("workflow.instance_id", inst.ID),
			attribute.String("activity.name", activity),
			attribute.Int("activity.attempt", attempt),
		),
	)
	o.activities.Store(activityKey(inst.ID, activity, attempt), span)
}

func (o *TracingObserver) OnActivityCompleted(ctx context.Context, inst *WorkflowInstance, activity string, attempt int, err error, d time.Duration) {
	v, ok := o.activities.LoadAndDelete(activityKey(inst.ID, activity, attempt))
	if !ok {
		return
	}
	span := v.(trace.Span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// workflowSpan returns the open span for inst, starting one if the instance
// was resumed in a process that never saw it start.
func (o *TracingObserver) workflowSpan(ctx context.Context, inst *WorkflowInstance) trace.Span {
	if v, ok := o.workflows.Load(inst.ID); ok {
		return v.(trace.Span)
	}
	_, span := o.tracer.Start(ctx, "workflow "+inst.Name,
		trace.WithAttributes(
			attribute.String("workflow.name", inst.Name),
			attribute.String("workflow.instance_id", inst.ID),
		),
	)
	actual, loaded := o.workflows.LoadOrStore(inst.ID, span)
	if loaded {
		span.End()
	}
	return actual.(trace.Span)
}

func activityKey(instanceID, activity string, attempt int) string {
	return instanceID + "/" + activity + "/" + strconv.Itoa(attempt)
}
