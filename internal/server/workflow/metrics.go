package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/shar-workflow/taskflow/model"
)

type metrics struct {
	models    prometheus.Counter
	instances *prometheus.CounterVec
	nodes     *prometheus.CounterVec
}

func newMetrics(r prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		models: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskflow_models_published_total",
			Help: "Total number of process models published.",
		}),
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_process_instances_total",
			Help: "Process instance state changes by state.",
		}, []string{"state"}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_node_instances_total",
			Help: "Node instance state changes by kind and state.",
		}, []string{"kind", "state"}),
	}
	if r != nil {
		for _, c := range []prometheus.Collector{m.models, m.instances, m.nodes} {
			if err := r.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *metrics) instance(s model.InstanceState) {
	m.instances.WithLabelValues(s.String()).Inc()
}

func (m *metrics) node(k model.NodeKind, s model.TaskState) {
	m.nodes.WithLabelValues(k.String(), s.String()).Inc()
}
