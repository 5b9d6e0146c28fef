package tracing

import (
	"context"
	"strings"
	"testing"

	logx "dashwall/pkg/logx"
)

func TestDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, span := Tracer("test").Start(context.Background(), "x")
	if span.SpanContext().IsSampled() {
		t.Fatal("no-op provider must not sample")
	}
	span.End()
}

func TestSamplerBounds(t *testing.T) {
	for _, r := range []float64{0, 1, 2} {
		if got := sampler(r).Description(); !strings.Contains(got, "root:AlwaysOnSampler") {
			t.Fatalf("ratio %v: %s", r, got)
		}
	}
	if got := sampler(0.5).Description(); !strings.Contains(got, "TraceIDRatioBased{0.5}") {
		t.Fatalf("ratio 0.5: %s", got)
	}
}
