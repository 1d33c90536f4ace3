package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	return NewProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)), "test"), rec
}

func TestStartSpan(t *testing.T) {
	p, rec := recordingProvider()

	ctx, span := p.StartSpan(context.Background(), "egress.transition", EgressAttrs("EG_1", "demo")...)
	AddEvent(ctx, "status", EgressAttrs("EG_1", "demo")...)
	SetError(ctx, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "egress.transition", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Attributes(), 2)
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx, span := p.StartSpan(context.Background(), "noop")
	assert.NotNil(t, ctx)
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitDisabled(t *testing.T) {
	p, err := Init(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestHTTPMiddleware(t *testing.T) {
	p, rec := recordingProvider()
	handler := HTTPMiddleware(p)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("POST", "/twirp/egress.Egress/ListEgress", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /twirp/egress.Egress/ListEgress", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.NotEmpty(t, rr.Header().Get("traceparent"))
}
