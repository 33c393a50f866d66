package metrics

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/melights/stereo-slam/logging"
	"github.com/melights/stereo-slam/utils"
)

// PrometheusExporter mirrors the latest value of each watched topic into a gauge.
type PrometheusExporter struct {
	namespace  string
	registerer prometheus.Registerer
	workers    *utils.Workers

	mu     sync.Mutex
	gauges map[string]prometheus.Gauge
}

// NewPrometheusExporter returns an exporter registering its gauges with registerer.
func NewPrometheusExporter(registerer prometheus.Registerer, namespace string, logger logging.Logger) *PrometheusExporter {
	return &PrometheusExporter{
		namespace:  namespace,
		registerer: registerer,
		workers:    utils.NewWorkers(logger),
		gauges:     map[string]prometheus.Gauge{},
	}
}

// Watch subscribes to topic and exports it as a gauge named after the topic.
func (e *PrometheusExporter) Watch(topic *Topic[int64], help string) error {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: e.namespace,
		Name:      topic.Name(),
		Help:      help,
	})
	if err := e.registerer.Register(gauge); err != nil {
		return errors.Wrapf(err, "registering gauge for %q", topic.Name())
	}
	e.mu.Lock()
	e.gauges[topic.Name()] = gauge
	e.mu.Unlock()

	values, unsubscribe := topic.Subscribe(1)
	e.workers.Go(topic.Name(), func(ctx context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-values:
				gauge.Set(float64(v))
			}
		}
	})
	return nil
}

// Gauge returns the gauge exporting the named topic.
func (e *PrometheusExporter) Gauge(topic string) (prometheus.Gauge, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.gauges[topic]
	return g, ok
}

// Close stops watching every topic.
func (e *PrometheusExporter) Close() {
	e.workers.Stop()
}
