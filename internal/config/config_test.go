package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/acu_interface/acu"
	"github.com/w1xm/acu_interface/spem"
	"github.com/w1xm/acu_interface/trajectory"
)

const sample = `
acu:
  url: http://192.168.100.1:8080
  call_timeout: 3s
  retry:
    attempts: 5
    initial_interval: 100ms
  retry_rejected: ["Set Spem_AN2"]
limits:
  az_min: -270
  az_max: 270
  el_min: 5
  el_max: 88
  max_velocity: 3
trajectory:
  interval: 200ms
track:
  batch_size: 200
  lead_time: 30s
monitor:
  debounce: 2s
move:
  preset: true
spem:
  coefficients:
    IA: 0.3
    IE: -0.4
  ignore_writeback: [AN2]
server:
  addr: ":9000"
  rotctld_addr: ""
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got, want := cfg.ACU.CallTimeout, 3*time.Second; got != want {
		t.Errorf("call_timeout = %v, want %v", got, want)
	}
	want := RetryConfig{Attempts: 5, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 2}
	if diff := cmp.Diff(cfg.ACU.Retry, want); diff != "" {
		t.Errorf("retry (got(-)/want(+)):\n%s", diff)
	}
	if cfg.Track.QueueDepth != acu.FULL_STACK {
		t.Errorf("queue_depth = %d, want default %d", cfg.Track.QueueDepth, acu.FULL_STACK)
	}
	if cfg.Server.RotctldAddr != "" {
		t.Errorf("rotctld_addr = %q, want disabled", cfg.Server.RotctldAddr)
	}
	if got := cfg.SPEM.Coefficients.Get(spem.IA); got != 0.3 {
		t.Errorf("IA = %v, want 0.3", got)
	}
	terms, err := cfg.IgnoreWriteback()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(terms, []spem.Term{spem.AN2}); diff != "" {
		t.Errorf("ignore_writeback (got(-)/want(+)):\n%s", diff)
	}

	sc := cfg.ScanConfig()
	wantLimits := trajectory.Limits{AzMin: -270, AzMax: 270, ElMin: 5, ElMax: 88, MaxVelocity: 3}
	if diff := cmp.Diff(sc.Limits, wantLimits); diff != "" {
		t.Errorf("limits (got(-)/want(+)):\n%s", diff)
	}
	if !sc.Preset || sc.Interval != 200*time.Millisecond || sc.Track.BatchSize != 200 || sc.Track.LeadTime != 30*time.Second {
		t.Errorf("scan config not mapped: %+v", sc)
	}
	if got := cfg.MonitorConfig().Debounce; got != 2*time.Second {
		t.Errorf("monitor debounce = %v, want 2s", got)
	}

	ctl := acu.NewControl(nil)
	cfg.Configure(ctl)
	if ctl.CallTimeout != 3*time.Second || ctl.Retry.Attempts != 5 {
		t.Errorf("Configure: timeout %v attempts %d", ctl.CallTimeout, ctl.Retry.Attempts)
	}
	if diff := cmp.Diff(ctl.RetryRejected, []string{"Set Spem_AN2"}); diff != "" {
		t.Errorf("retry_rejected (got(-)/want(+)):\n%s", diff)
	}
}

func TestDefaultsSimulated(t *testing.T) {
	cfg, err := Parse([]byte("acu: {simulate: true}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Monitor.Debounce != time.Second {
		t.Errorf("debounce = %v, want 1s", cfg.Monitor.Debounce)
	}
	if diff := cmp.Diff(cfg.SPEM.IgnoreWriteback, []string{"AN2", "AW2"}); diff != "" {
		t.Errorf("ignore_writeback (got(-)/want(+)):\n%s", diff)
	}
	if !cfg.SPEM.Coefficients.IsZero() {
		t.Errorf("coefficients = %v, want zero", cfg.SPEM.Coefficients.Map())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing url", "acu: {}", "acu.url is required"},
		{"bad url", "acu: {url: 'ftp://x'}", "http(s) URL"},
		{"no attempts", "acu: {simulate: true, retry: {attempts: 0}}", "attempts"},
		{"az range", "acu: {simulate: true}\nlimits: {az_min: 10, az_max: -10}", "az_min"},
		{"el range", "acu: {simulate: true}\nlimits: {el_min: -100}", "[-90, 90]"},
		{"batch too big", "acu: {simulate: true}\ntrack: {queue_depth: 100, batch_size: 101}", "batch_size"},
		{"lead exceeds queue", "acu: {simulate: true}\ntrack: {queue_depth: 200, batch_size: 100, lead_time: 15s}", "does not fit"},
		{"unknown term", "acu: {simulate: true}\nspem: {coefficients: {XX: 1}}", "XX"},
		{"unknown writeback term", "acu: {simulate: true}\nspem: {ignore_writeback: [ZZ]}", "ZZ"},
		{"zero tolerance", "acu: {simulate: true}\nmonitor: {tolerance: -1}", "tolerance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error containing %q", tt.yaml, tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acu.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}
