package tts

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetricsCollector(t *testing.T) {
	p := NewPrometheusMetricsCollector("")

	p.RequestCompleted("", 10*time.Millisecond, 200*time.Millisecond)
	p.RequestCompleted("", 0, 100*time.Millisecond)
	p.RequestCompleted(KindQueueTimeout, time.Minute, 0)
	p.QueueDepth(3)
	p.ActiveRequests(1)
	p.WorkerStateTransition("starting", "ready")
	p.WorkerRestart()
	p.WorkerRestart()
	p.RestartsExhausted()
	p.WorkerDegraded(true)
	p.UnmatchedResponse()

	if got := testutil.ToFloat64(p.requests.WithLabelValues("success")); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.requests.WithLabelValues("QUEUE_TIMEOUT")); got != 1 {
		t.Errorf("queue timeout count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.queueDepth); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(p.active); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.stateTransitions.WithLabelValues("starting", "ready")); got != 1 {
		t.Errorf("transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.restarts); got != 2 {
		t.Errorf("restarts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(p.exhausted); got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(p.degraded); got != 1 {
		t.Errorf("degraded = %v, want 1", got)
	}
	p.WorkerDegraded(false)
	if got := testutil.ToFloat64(p.degraded); got != 0 {
		t.Errorf("degraded after recovery = %v, want 0", got)
	}
	if got := testutil.ToFloat64(p.unmatched); got != 1 {
		t.Errorf("unmatched = %v, want 1", got)
	}

	n, err := testutil.GatherAndCount(p.Registry(), "kokorod_request_duration_seconds")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected the latency histogram registered, got %d", n)
	}

	expected := `
# HELP kokorod_worker_restarts_total Total number of worker restart attempts
# TYPE kokorod_worker_restarts_total counter
kokorod_worker_restarts_total 2
`
	if err := testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected), "kokorod_worker_restarts_total"); err != nil {
		t.Error(err)
	}
}

func TestPrometheusMetricsCollector_Namespace(t *testing.T) {
	p := NewPrometheusMetricsCollector("tts_test")
	p.QueueDepth(1)

	n, err := testutil.GatherAndCount(p.Registry(), "tts_test_queue_depth")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Expected namespaced gauge, got %d series", n)
	}
}

func TestNoopMetricsCollector(t *testing.T) {
	m := NewNoopMetricsCollector()
	m.RequestCompleted(KindGeneration, time.Second, time.Second)
	m.QueueDepth(1)
	m.ActiveRequests(1)
	m.WorkerStateTransition("a", "b")
	m.WorkerRestart()
	m.RestartsExhausted()
	m.WorkerDegraded(true)
	m.UnmatchedResponse()
}
