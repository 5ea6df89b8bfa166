// Package metrics exposes Prometheus metrics for the drive control loops.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/w1xm/acu_interface/faults"
)

// Collector bundles the drive metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Calls   *prometheus.CounterVec
	Retries *prometheus.CounterVec

	Uploads        prometheus.Counter
	UploadedPoints prometheus.Counter
	BufferedPoints prometheus.Gauge
	TrackPhase     *prometheus.GaugeVec

	Scans      *prometheus.CounterVec
	ScanActive prometheus.Gauge
	Position   *prometheus.GaugeVec
}

// New registers the metrics against reg, defaulting to the global registry
// when nil.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer}
	var err error

	if c.Calls, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acu_calls_total",
		Help: "ACU primitive calls after retries, labeled by call and error kind.",
	}, []string{"call", "result"}), "acu_calls_total"); err != nil {
		return nil, err
	}
	if c.Retries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acu_call_retries_total",
		Help: "Repeated ACU primitive attempts.",
	}, []string{"call"}), "acu_call_retries_total"); err != nil {
		return nil, err
	}
	if c.Uploads, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "track_uploads_total",
		Help: "Program-track batches uploaded.",
	}), "track_uploads_total"); err != nil {
		return nil, err
	}
	if c.UploadedPoints, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "track_uploaded_points_total",
		Help: "Program-track points uploaded.",
	}), "track_uploaded_points_total"); err != nil {
		return nil, err
	}
	if c.BufferedPoints, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "track_buffered_points",
		Help: "Points uploaded but not yet consumed by the ACU.",
	}), "track_buffered_points"); err != nil {
		return nil, err
	}
	if c.TrackPhase, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "track_phase",
		Help: "1 for the current upload phase, 0 otherwise.",
	}, []string{"phase"}), "track_phase"); err != nil {
		return nil, err
	}
	if c.Scans, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scans_total",
		Help: "Finished scans, labeled by kind and outcome.",
	}, []string{"kind", "outcome"}), "scans_total"); err != nil {
		return nil, err
	}
	if c.ScanActive, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scan_active",
		Help: "1 while a scan is running.",
	}), "scan_active"); err != nil {
		return nil, err
	}
	if c.Position, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "antenna_position_degrees",
		Help: "Last polled antenna position.",
	}, []string{"axis"}), "antenna_position_degrees"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return faults.Kind(err)
}

// CallDone implements acu.Observer.
func (c *Collector) CallDone(call string, err error) {
	if c == nil {
		return
	}
	c.Calls.WithLabelValues(call, result(err)).Inc()
}

// Retried implements acu.Observer.
func (c *Collector) Retried(call string) {
	if c == nil {
		return
	}
	c.Retries.WithLabelValues(call).Inc()
}

// Uploaded records one program-track batch.
func (c *Collector) Uploaded(points int) {
	if c == nil {
		return
	}
	c.Uploads.Inc()
	c.UploadedPoints.Add(float64(points))
}

func (c *Collector) SetBuffered(points int) {
	if c == nil {
		return
	}
	c.BufferedPoints.Set(float64(points))
}

var phases = []string{"clearing", "arming", "filling", "steady", "draining", "idle"}

// SetPhase marks phase as the current upload phase.
func (c *Collector) SetPhase(phase string) {
	if c == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.TrackPhase.WithLabelValues(p).Set(v)
	}
}

func (c *Collector) ScanStarted() {
	if c == nil {
		return
	}
	c.ScanActive.Set(1)
}

func (c *Collector) ScanFinished(kind, outcome string) {
	if c == nil {
		return
	}
	c.ScanActive.Set(0)
	c.Scans.WithLabelValues(kind, outcome).Inc()
}

func (c *Collector) ObservePosition(az, el float64) {
	if c == nil {
		return
	}
	c.Position.WithLabelValues("az").Set(az)
	c.Position.WithLabelValues("el").Set(el)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
