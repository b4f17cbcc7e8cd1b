package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cmatc13/overseer/pkg/service"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flaky struct{ fails int }

func (f *flaky) Start(context.Context) error {
	if f.fails > 0 {
		f.fails--
		return errors.New("not yet")
	}
	return nil
}

func TestObserve(t *testing.T) {
	m := New(DefaultConfig())
	s := service.New(service.Config{RetryDelay: time.Millisecond, MaxRetries: 2})

	unsubscribe, err := m.Observe(s)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, s.Register("cache", func(context.Context) (any, error) { return &flaky{fails: 1}, nil }))
	require.NoError(t, s.Register("idle", func(context.Context) (any, error) { return struct{}{}, nil }, service.WithAutoStart(false)))
	require.NoError(t, s.StartAll(context.Background()))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("cache", "service-registered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("cache", "service-started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServiceErrors.WithLabelValues("cache", "start")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ServiceStarts.WithLabelValues("cache", "true")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StartDuration))

	expected := `
# HELP overseer_service_restarts_total Retry attempts made for the service
# TYPE overseer_service_restarts_total counter
overseer_service_restarts_total{service="cache"} 1
overseer_service_restarts_total{service="idle"} 0
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "overseer_service_restarts_total"))

	expected = `
# HELP overseer_service_state Current lifecycle state; 1 for the active state
# TYPE overseer_service_state gauge
`
	var sb strings.Builder
	sb.WriteString(expected)
	for _, name := range []string{"cache", "idle"} {
		for _, st := range allStates {
			v := "0"
			if (name == "cache" && st == service.StateRunning) || (name == "idle" && st == service.StateRegistered) {
				v = "1"
			}
			sb.WriteString(`overseer_service_state{service="` + name + `",state="` + string(st) + `"} ` + v + "\n")
		}
	}
	require.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(sb.String()), "overseer_service_state"))
}

func TestRecordRequestAndHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordRequest(http.MethodGet, "/services", http.StatusOK, 20*time.Millisecond)
	m.RecordRequest(http.MethodGet, "/services", http.StatusOK, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestCount.WithLabelValues("GET", "/services", "200")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `overseer_http_requests_total{code="200",method="GET",route="/services"} 2`)
	assert.Contains(t, rec.Body.String(), "overseer_last_started_timestamp")
}
