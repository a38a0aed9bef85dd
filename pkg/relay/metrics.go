package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	submissions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	drops       prometheus.Counter
	activeLanes prometheus.Gauge
}

// NewMetrics builds the router collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_relay",
			Name:      "submissions_total",
			Help:      "Envelopes submitted to the router, by outcome.",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_relay",
			Name:      "rejections_total",
			Help:      "Rejected envelopes, by reason.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_relay",
			Name:      "deliveries_total",
			Help:      "Frames handed to channels, by target (receiver or echo).",
		}, []string{"target"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat_relay",
			Name:      "dropped_deliveries_total",
			Help:      "Frames dropped because a channel was full or closed.",
		}),
		activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat_relay",
			Name:      "active_lanes",
			Help:      "Conversations with a running sequencer.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.submissions, m.rejections, m.deliveries, m.drops, m.activeLanes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(out Outcome) {
	if m == nil {
		return
	}
	if out.Accepted {
		m.submissions.WithLabelValues("accepted").Inc()
	} else {
		m.submissions.WithLabelValues("rejected").Inc()
		if out.Rejection != nil {
			m.rejections.WithLabelValues(string(out.Rejection.Reason)).Inc()
		}
	}
	if out.Delivered > 0 {
		m.deliveries.WithLabelValues("receiver").Add(float64(out.Delivered))
	}
	if out.Echoed > 0 {
		m.deliveries.WithLabelValues("echo").Add(float64(out.Echoed))
	}
	if out.Dropped > 0 {
		m.drops.Add(float64(out.Dropped))
	}
}

func (m *Metrics) laneStarted() {
	if m != nil {
		m.activeLanes.Inc()
	}
}

func (m *Metrics) laneStopped() {
	if m != nil {
		m.activeLanes.Dec()
	}
}
