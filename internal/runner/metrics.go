package runner

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	pulls          *prometheus.CounterVec
	sourceFailures *prometheus.CounterVec
	pushes         *prometheus.CounterVec
	things         prometheus.GaugeFunc
	pending        prometheus.GaugeFunc
}

func newCollectors(things, pending func() float64) *collectors {
	return &collectors{
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runnerbridge",
			Name:      "pulls_total",
			Help:      "Snapshots reported per thing.",
		}, []string{"thing_id"}),
		sourceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runnerbridge",
			Name:      "source_failures_total",
			Help:      "Pulls that produced an empty snapshot because the metrics source failed.",
		}, []string{"thing_id"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runnerbridge",
			Name:      "pushes_total",
			Help:      "Completed pushes by result.",
		}, []string{"result"}),
		things: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "runnerbridge",
			Name:      "things",
			Help:      "Known bridge instances.",
		}, things),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "runnerbridge",
			Name:      "push_queue_depth",
			Help:      "Queued pushes that have not started, across all things.",
		}, pending),
	}
}

func (c *collectors) register(reg prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.pulls, c.sourceFailures, c.pushes, c.things, c.pending} {
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("register runner metrics: %w", err)
		}
	}
	return nil
}

func (c *collectors) forget(thingID string) {
	c.pulls.DeleteLabelValues(thingID)
	c.sourceFailures.DeleteLabelValues(thingID)
}
