package traces

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "atmrisk", "test", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	at := time.Date(2025, 3, 8, 12, 0, 0, 0, time.UTC)
	_, span := StartSpan(context.Background(), "corpus.device", DeviceID("ATM-1"), Instant(at), Snapshots(3))
	End(span, errors.New("store down"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "corpus.device", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ATM-1", attrs["device.id"])
	assert.Equal(t, "2025-03-08T12:00:00Z", attrs["snapshot.instant"])
	assert.Equal(t, "3", attrs["snapshot.count"])
}
