package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"query-rpc/message"
)

// Metrics counts requests by method and response code and observes their duration.
// Successful requests are counted under code "0".
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "qrpc",
			Name:      "requests_total",
			Help:      "RPC requests handled, by method and response code.",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "qrpc",
			Name:      "request_duration_seconds",
			Help:      "RPC handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.requests, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			m.duration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

			code := "0"
			if resp != nil && resp.Error != nil {
				code = strconv.Itoa(resp.Error.Code)
			}
			m.requests.WithLabelValues(req.Method, code).Inc()
			return resp
		}
	}
}
