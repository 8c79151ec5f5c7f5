package emit

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter(t *testing.T) (*OTelEmitter, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return NewOTelEmitter(provider.Tracer("test")), recorder
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOTelEmitter_SpanPerEvent(t *testing.T) {
	emitter, recorder := newRecordingEmitter(t)
	emitter.Emit(Event{
		RunID: "run-001",
		Seq:   5,
		Kind:  StageCompleted,
		Stage: "training",
		Meta: map[string]any{
			"duration_ms": int64(120),
			"models":      2,
			"cached":      false,
		},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "stage_completed" {
		t.Errorf("span name = %s", span.Name())
	}

	if v, ok := spanAttr(span, "mlpipe.run_id"); !ok || v.AsString() != "run-001" {
		t.Errorf("run_id attribute = %v", v)
	}
	if v, ok := spanAttr(span, "mlpipe.seq"); !ok || v.AsInt64() != 5 {
		t.Errorf("seq attribute = %v", v)
	}
	if v, ok := spanAttr(span, "mlpipe.meta.duration_ms"); !ok || v.AsInt64() != 120 {
		t.Errorf("duration attribute = %v", v)
	}
	if v, ok := spanAttr(span, "mlpipe.meta.cached"); !ok || v.AsBool() {
		t.Errorf("cached attribute = %v", v)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, recorder := newRecordingEmitter(t)
	emitter.Emit(Event{
		RunID: "run-001",
		Kind:  StageFailed,
		Stage: "training",
		Meta:  map[string]any{"error": "model diverged"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error || status.Description != "model diverged" {
		t.Errorf("status = %+v", status)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("no recorded error event on the span")
	}
}

func TestOTelEmitter_DurationMeta(t *testing.T) {
	emitter, recorder := newRecordingEmitter(t)
	emitter.Emit(Event{
		RunID: "run-001",
		Kind:  StageCompleted,
		Meta:  map[string]any{"elapsed": 1500 * time.Millisecond},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	if v, ok := spanAttr(spans[0], "mlpipe.meta.elapsed_ms"); !ok || v.AsInt64() != 1500 {
		t.Errorf("elapsed attribute = %v", v)
	}
}
