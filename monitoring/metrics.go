package monitoring

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// DefaultLatencyBuckets are upper bounds in seconds.
var DefaultLatencyBuckets = prometheus.DefBuckets

type family struct {
	typ       MetricType
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// MetricsCollector 指标收集器. Each metric name becomes a vector on a
// private registry the first time it is used; its label names are fixed by
// that first call. Later calls with another label set or another metric
// type are ignored.
type MetricsCollector struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	help     map[string]string
	families map[string]*family
}

// NewMetricsCollector 创建指标收集器. Go runtime and process metrics are
// registered alongside the application's own series.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &MetricsCollector{
		registry: reg,
		help:     make(map[string]string),
		families: make(map[string]*family),
	}
}

// Describe sets the help text for name. It only takes effect before the
// metric is first used.
func (mc *MetricsCollector) Describe(name, help string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.help[name] = help
}

// Registry exposes the underlying registry.
func (mc *MetricsCollector) Registry() *prometheus.Registry { return mc.registry }

// Handler serves the registry in the Prometheus exposition format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// lookup returns the family for name, creating and registering it with
// create when absent. It returns nil on a type clash.
func (mc *MetricsCollector) lookup(name string, typ MetricType, create func(opts prometheus.Opts) *family) *family {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if f, ok := mc.families[name]; ok {
		if f.typ != typ {
			return nil
		}
		return f
	}
	help := mc.help[name]
	if help == "" {
		help = "Metric " + name
	}
	f := create(prometheus.Opts{Name: name, Help: help})
	f.typ = typ
	var c prometheus.Collector
	switch typ {
	case MetricTypeCounter:
		c = f.counter
	case MetricTypeGauge:
		c = f.gauge
	default:
		c = f.histogram
	}
	if err := mc.registry.Register(c); err != nil {
		return nil
	}
	mc.families[name] = f
	return f
}

// IncrCounter 增加计数器
func (mc *MetricsCollector) IncrCounter(name string, value float64, labels map[string]string) {
	f := mc.lookup(name, MetricTypeCounter, func(opts prometheus.Opts) *family {
		return &family{counter: prometheus.NewCounterVec(prometheus.CounterOpts(opts), labelNames(labels))}
	})
	if f == nil {
		return
	}
	if c, err := f.counter.GetMetricWith(labels); err == nil {
		c.Add(value)
	}
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	f := mc.lookup(name, MetricTypeGauge, func(opts prometheus.Opts) *family {
		return &family{gauge: prometheus.NewGaugeVec(prometheus.GaugeOpts(opts), labelNames(labels))}
	})
	if f == nil {
		return
	}
	if g, err := f.gauge.GetMetricWith(labels); err == nil {
		g.Set(value)
	}
}

// ObserveHistogram 记录直方图. buckets are fixed by the first observation
// of a metric; nil means DefaultLatencyBuckets.
func (mc *MetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string, buckets []float64) {
	f := mc.lookup(name, MetricTypeHistogram, func(opts prometheus.Opts) *family {
		if buckets == nil {
			buckets = DefaultLatencyBuckets
		}
		return &family{histogram: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    opts.Name,
			Help:    opts.Help,
			Buckets: buckets,
		}, labelNames(labels))}
	})
	if f == nil {
		return
	}
	if h, err := f.histogram.GetMetricWith(labels); err == nil {
		h.Observe(value)
	}
}

// Value returns the current value of a counter or gauge series, or the
// sample count of a histogram series.
func (mc *MetricsCollector) Value(name string, labels map[string]string) (float64, bool) {
	mc.mu.Lock()
	f, ok := mc.families[name]
	mc.mu.Unlock()
	if !ok {
		return 0, false
	}

	var (
		m   prometheus.Metric
		err error
	)
	switch f.typ {
	case MetricTypeCounter:
		m, err = f.counter.GetMetricWith(labels)
	case MetricTypeGauge:
		m, err = f.gauge.GetMetricWith(labels)
	default:
		var obs prometheus.Observer
		obs, err = f.histogram.GetMetricWith(labels)
		if err == nil {
			m = obs.(prometheus.Metric)
		}
	}
	if err != nil {
		return 0, false
	}

	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0, false
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue(), true
	case out.Gauge != nil:
		return out.Gauge.GetValue(), true
	case out.Histogram != nil:
		return float64(out.Histogram.GetSampleCount()), true
	}
	return 0, false
}
