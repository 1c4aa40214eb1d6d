package metrics

// NullMetrics discards all metrics
type NullMetrics struct{}

func (n *NullMetrics) Register(name string, metricType string) {}
func (n *NullMetrics) Increment(name string)                   {}
func (n *NullMetrics) Count(name string, num interface{})      {}
func (n *NullMetrics) Gauge(name string, val interface{})      {}
func (n *NullMetrics) Histogram(name string, obs interface{})  {}
