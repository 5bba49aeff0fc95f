package pubsub

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Measure wraps a Pubsub so publishes and deliveries are counted. The
// returned Pubsub is otherwise transparent.
func Measure(inner Pubsub, reg prometheus.Registerer) Pubsub {
	m := &measuredPubsub{
		inner: inner,
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pixeld",
			Subsystem: "pubsub",
			Name:      "publishes_total",
			Help:      "Messages published, by outcome.",
		}, []string{"outcome"}),
		receives: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pixeld",
			Subsystem: "pubsub",
			Name:      "receives_total",
			Help:      "Messages delivered to local listeners.",
		}),
	}
	reg.MustRegister(m.publishes, m.receives)
	return m
}

type measuredPubsub struct {
	inner     Pubsub
	publishes *prometheus.CounterVec
	receives  prometheus.Counter
}

func (m *measuredPubsub) Subscribe(event string, listener Listener) (func(), error) {
	return m.inner.Subscribe(event, func(ctx context.Context, message []byte) {
		m.receives.Inc()
		listener(ctx, message)
	})
}

func (m *measuredPubsub) Publish(event string, message []byte) error {
	err := m.inner.Publish(event, message)
	if err != nil {
		m.publishes.WithLabelValues("error").Inc()
		return err
	}
	m.publishes.WithLabelValues("ok").Inc()
	return nil
}

func (m *measuredPubsub) Close() error {
	return m.inner.Close()
}
