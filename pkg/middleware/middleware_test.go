package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

func newRouter(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mw...)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chi.URLParam(r, "id")))
	})
	r.Get("/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	return r
}

func TestPrometheusLabelsByRoutePattern(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newRouter(Prometheus(WithRegistry(reg), WithNamespace("test")))

	for _, path := range []string{"/items/1", "/items/2", "/fail", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	got := map[string]float64{}
	for _, m := range family(t, reg, "test_http_requests_total").GetMetric() {
		l := labels(m)
		got[l["route"]+" "+l["code"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{
		"/items/{id} 200": 2,
		"/fail 500":       1,
		"unmatched 404":   1,
	}, got)

	hist := family(t, reg, "test_http_request_duration_seconds")
	var samples uint64
	for _, m := range hist.GetMetric() {
		samples += m.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(4), samples)

	inFlight := family(t, reg, "test_http_requests_in_flight").GetMetric()
	require.Len(t, inFlight, 1)
	assert.Equal(t, float64(0), inFlight[0].GetGauge().GetValue())
}

func TestPrometheusOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := newRouter(Prometheus(
		WithRegistry(reg),
		WithNamespace("app"),
		WithSubsystem("web"),
		WithConstLabels(prometheus.Labels{"instance": "a"}),
		WithBuckets([]float64{0.1, 1}),
	))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/1", nil))

	m := family(t, reg, "app_web_requests_total").GetMetric()
	require.Len(t, m, 1)
	assert.Equal(t, "a", labels(m[0])["instance"])

	h := family(t, reg, "app_web_request_duration_seconds").GetMetric()
	require.Len(t, h, 1)
	assert.Len(t, h[0].GetHistogram().GetBucket(), 2)
}

func TestOpenTelemetryPassesSpanContext(t *testing.T) {
	var sawSpan bool
	extracted := false
	mw := OpenTelemetry(
		WithTracerName("test"),
		WithAttributeExtractor(func(*http.Request) []attribute.KeyValue {
			extracted = true
			return []attribute.KeyValue{attribute.String("k", "v")}
		}),
	)
	r := chi.NewRouter()
	r.Use(mw)
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		// The global provider is a no-op, but the span is still placed
		// in the context.
		sawSpan = trace.SpanFromContext(req.Context()) != nil
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, sawSpan)
	assert.True(t, extracted)
}

func TestOpenTelemetryFilter(t *testing.T) {
	extracted := false
	r := newRouter(OpenTelemetry(
		WithFilter(func(r *http.Request) bool { return !strings.HasPrefix(r.URL.Path, "/items") }),
		WithAttributeExtractor(func(*http.Request) []attribute.KeyValue {
			extracted = true
			return nil
		}),
	))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	assert.Equal(t, "7", rec.Body.String())
	assert.False(t, extracted)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.True(t, extracted)
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}

	sr.WriteHeader(http.StatusTeapot)
	sr.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusTeapot, sr.status)
	assert.Same(t, rec, sr.Unwrap())

	_, _, err := sr.Hijack()
	assert.Error(t, err, "httptest recorders cannot be hijacked")
}
