package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telemetryhq/tracecore/logger"
)

// PromMetrics exposes registered metrics on a Prometheus scrape endpoint.
type PromMetrics struct {
	Logger logger.Logger `inject:""`

	// ListenAddr is the address to serve /metrics on; empty disables the
	// listener (metrics are still collected and scrapeable through the
	// default registry).
	ListenAddr string
	Prefix     string

	// metrics keeps a record of all the registered metrics so we can
	// increment them by name
	metrics map[string]interface{}
	lock    sync.RWMutex
}

func (p *PromMetrics) Start() error {
	p.Logger.Debugf("starting PromMetrics")
	p.metrics = make(map[string]interface{})

	if p.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go http.ListenAndServe(p.ListenAddr, mux)
	}
	return nil
}

// Register takes a name and a metric type. The type should be one of
// "counter", "gauge", or "histogram"
func (p *PromMetrics) Register(name string, metricType string) {
	p.lock.Lock()
	defer p.lock.Unlock()

	// don't attempt to add the metric again as this will cause a panic
	if _, exists := p.metrics[name]; exists {
		return
	}

	var newmet interface{}
	switch metricType {
	case "counter":
		newmet = promauto.NewCounter(prometheus.CounterOpts{
			Name:      name,
			Namespace: p.Prefix,
			Help:      name,
		})
	case "gauge":
		newmet = promauto.NewGauge(prometheus.GaugeOpts{
			Name:      name,
			Namespace: p.Prefix,
			Help:      name,
		})
	case "histogram":
		newmet = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:      name,
			Namespace: p.Prefix,
			Help:      name,
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 16),
		})
	}

	p.metrics[name] = newmet
}

func (p *PromMetrics) Increment(name string) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if counter, ok := p.metrics[name].(prometheus.Counter); ok {
		counter.Inc()
	}
}

func (p *PromMetrics) Count(name string, n interface{}) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if counter, ok := p.metrics[name].(prometheus.Counter); ok {
		counter.Add(ConvertNumeric(n))
	}
}

func (p *PromMetrics) Gauge(name string, val interface{}) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if gauge, ok := p.metrics[name].(prometheus.Gauge); ok {
		gauge.Set(ConvertNumeric(val))
	}
}

func (p *PromMetrics) Histogram(name string, obs interface{}) {
	p.lock.RLock()
	defer p.lock.RUnlock()

	if histogram, ok := p.metrics[name].(prometheus.Histogram); ok {
		histogram.Observe(ConvertNumeric(obs))
	}
}
