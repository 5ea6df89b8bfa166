package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/w1xm/acu_interface/faults"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.CallDone("command", nil)
	c.CallDone("upload", fmt.Errorf("x: %w", faults.ErrTransport))
	c.Retried("upload")
	c.Uploaded(120)
	c.Uploaded(80)
	c.SetBuffered(150)
	c.SetPhase("steady")
	c.ScanFinished("linear_turnaround", "completed")

	if got := testutil.ToFloat64(c.Calls.WithLabelValues("command", "ok")); got != 1 {
		t.Errorf("acu_calls_total{command,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Calls.WithLabelValues("upload", "transport")); got != 1 {
		t.Errorf("acu_calls_total{upload,transport} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.UploadedPoints); got != 200 {
		t.Errorf("track_uploaded_points_total = %v, want 200", got)
	}
	if got := testutil.ToFloat64(c.Uploads); got != 2 {
		t.Errorf("track_uploads_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.TrackPhase.WithLabelValues("steady")); got != 1 {
		t.Errorf("track_phase{steady} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.TrackPhase.WithLabelValues("filling")); got != 0 {
		t.Errorf("track_phase{filling} = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.Scans.WithLabelValues("linear_turnaround", "completed")); got != 1 {
		t.Errorf("scans_total = %v, want 1", got)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.CallDone("command", nil)
	c.Retried("command")
	c.Uploaded(1)
	c.SetBuffered(1)
	c.SetPhase("idle")
	c.ScanStarted()
	c.ScanFinished("point_to_point", "failed")
	c.ObservePosition(1, 2)
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(reg)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	a.Uploaded(3)
	if got := testutil.ToFloat64(b.UploadedPoints); got != 3 {
		t.Errorf("shared counter = %v, want 3", got)
	}
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	if err != nil {
		t.Fatal(err)
	}
	c.ObservePosition(180.5, 45)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, `antenna_position_degrees{axis="az"} 180.5`) {
		t.Errorf("metrics output missing position:\n%s", body)
	}
}
