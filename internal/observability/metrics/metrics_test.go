package metrics

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestNormalizesLabels(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("get", " / ", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "/", 200, 25*time.Millisecond)
	recorder.ObserveRequest("post", "", 502, 10*time.Millisecond)

	if got := testutil.ToFloat64(recorder.requests.WithLabelValues("GET", "/", "200")); got != 2 {
		t.Fatalf("expected 2 root requests, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.requests.WithLabelValues("POST", "unknown", "502")); got != 1 {
		t.Fatalf("expected empty route to be labelled unknown, got %v", got)
	}
}

func TestAdmissionAndRateLimitCounters(t *testing.T) {
	recorder := New()

	recorder.ObserveAdmission("page", "allow")
	recorder.ObserveAdmission("page", "deny")
	recorder.ObserveAdmission("API", "Deny")
	recorder.ObserveRateLimited("client")
	recorder.ObserveRateLimited("client")
	recorder.ObserveRateLimited("upstream")

	if got := testutil.ToFloat64(recorder.admissions.WithLabelValues("api", "deny")); got != 1 {
		t.Fatalf("expected api deny count 1, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.rateLimited.WithLabelValues("client")); got != 2 {
		t.Fatalf("expected client rate limit count 2, got %v", got)
	}
}

func TestObserveSweepLeavesGaugeWhenRemainingUnknown(t *testing.T) {
	recorder := New()

	recorder.ObserveSweep(3, 7)
	recorder.ObserveSweep(0, -1)

	if got := testutil.ToFloat64(recorder.locksSwept); got != 3 {
		t.Fatalf("expected 3 swept locks, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.activeLocks); got != 7 {
		t.Fatalf("expected gauge to keep 7, got %v", got)
	}
}

func TestUpstreamCountersConcurrent(t *testing.T) {
	recorder := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.ObserveUpstream("ok", time.Millisecond)
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(recorder.upstreamRequests.WithLabelValues("ok")); got != 50 {
		t.Fatalf("expected 50 upstream calls, got %v", got)
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	recorder := New()
	recorder.ObserveAdmission("page", "allow")
	recorder.ObserveUpstream("timeout", 2*time.Second)

	res := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(res, httptest.NewRequest("GET", "/metrics", nil))

	body := res.Body.String()
	for _, want := range []string{
		`devicegate_admission_decisions_total{decision="allow",route="page"} 1`,
		`devicegate_upstream_requests_total{outcome="timeout"} 1`,
		"# TYPE devicegate_upstream_request_duration_seconds histogram",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	original := Default()
	t.Cleanup(func() { SetDefault(original) })

	replacement := New()
	SetDefault(replacement)
	SetDefault(nil)

	if Default() != replacement {
		t.Fatal("expected nil SetDefault to keep the current recorder")
	}
}
