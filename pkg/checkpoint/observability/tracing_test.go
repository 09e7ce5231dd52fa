package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest creates a test tracer provider with an in-memory span recorder.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	// Update the package-level tracer
	tracer = otel.Tracer("flowgraph-checkpoint")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func TestStartOpSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	t.Run("creates span with correct name and attributes", func(t *testing.T) {
		ctx := context.Background()
		_, span := StartOpSpan(ctx, "mongo", "put", "thread-1")
		require.NotNil(t, span)

		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		assert.Equal(t, "checkpoint.put", s.Name)

		var backend, threadID string
		for _, attr := range s.Attributes {
			switch attr.Key {
			case "checkpoint.backend":
				backend = attr.Value.AsString()
			case "checkpoint.thread_id":
				threadID = attr.Value.AsString()
			}
		}
		assert.Equal(t, "mongo", backend)
		assert.Equal(t, "thread-1", threadID)

		exporter.Reset()
	})
}

func TestEndSpanWithError(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	t.Run("success sets ok status", func(t *testing.T) {
		_, span := StartOpSpan(context.Background(), "mongo", "get_tuple", "thread-1")
		EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
		exporter.Reset()
	})

	t.Run("error records error status and event", func(t *testing.T) {
		_, span := StartOpSpan(context.Background(), "mongo", "put", "thread-1")
		EndSpanWithError(span, errors.New("connection refused"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		assert.Equal(t, codes.Error, s.Status.Code)
		assert.Equal(t, "connection refused", s.Status.Description)
		require.NotEmpty(t, s.Events)
		assert.Equal(t, "exception", s.Events[0].Name)
		exporter.Reset()
	})
}
