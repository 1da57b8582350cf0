package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestMetricsMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/recurrences/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/recurrences/{id}", "404"))

	req := httptest.NewRequest(http.MethodGet, "/recurrences/abc", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/recurrences/{id}", "404"))
	if after-before != 1 {
		t.Fatalf("expected one request recorded against route pattern, got %v", after-before)
	}
}

func TestMetricsMiddlewareUnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)

	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	if after-before != 1 {
		t.Fatalf("expected unmatched request recorded, got %v", after-before)
	}
}

func TestInitTracerDisabledIsNoop(t *testing.T) {
	tp, err := InitTracer(context.Background(), TracerConfig{ServiceName: "elastisched"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("init tracer: %v", err)
	}

	_, span := StartSpan(context.Background(), "scheduler.run", attribute.Int("schedule.jobs", 3))
	if span.IsRecording() {
		t.Fatal("disabled tracing should not record spans")
	}
	EndSpan(span, errors.New("boom"))

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, sdktrace.AlwaysSample().Description()},
		{2, sdktrace.AlwaysSample().Description()},
		{0, sdktrace.NeverSample().Description()},
		{-1, sdktrace.NeverSample().Description()},
		{0.25, sdktrace.TraceIDRatioBased(0.25).Description()},
	}

	for _, tt := range tests {
		if got := samplerFor(tt.rate).Description(); got != tt.want {
			t.Fatalf("samplerFor(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestShutdownNilTracing(t *testing.T) {
	var tr *Tracing
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil tracing shutdown: %v", err)
	}
}
