package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/klyr/klyr/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	metrics.Observe(logging.Record{
		Policy:     "default",
		Action:     "block",
		StatusCode: 247,
		Reasons:    []logging.Reason{{Initiator: "limit", ID: "login"}},
	}, 12*time.Millisecond)
	metrics.ObserveVerification(VerifyVerified)
	metrics.TaskStarted()
	metrics.TaskStarted()
	metrics.TaskFinished()

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("expected metrics gather to succeed: %v", err)
	}
	if got := testutil.ToFloat64(metrics.challengesTotal.WithLabelValues("phase01")); got != 1 {
		t.Fatalf("expected 1 phase01 challenge, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.ratelimitHitsTotal.WithLabelValues("default", "login")); got != 1 {
		t.Fatalf("expected 1 rate limit hit, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.tasksInFlight); got != 1 {
		t.Fatalf("expected 1 task in flight, got %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Observe(logging.Record{}, 0)
	m.ObserveVerification(VerifyError)
	m.TaskStarted()
	m.TaskFinished()
}

func TestInitTracer(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracer("klyr-test", &buf, nil)
	if err != nil {
		t.Fatalf("InitTracer error: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "inspect")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
	if !strings.Contains(buf.String(), `"Name":"inspect"`) {
		t.Fatalf("expected exported span, got %q", buf.String())
	}
}
