package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 引擎指标, 为 nil 时不记录
type Metrics struct {
	InstancesStarted   *prometheus.CounterVec
	InstancesCompleted *prometheus.CounterVec
	TasksCompleted     *prometheus.CounterVec
}

// NewMetrics 创建并注册指标, reg 为 nil 时只创建不注册
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstancesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowchain_process_instances_started_total",
			Help: "Total number of started process instances",
		}, []string{"process_key"}),
		InstancesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowchain_process_instances_completed_total",
			Help: "Total number of process instances that reached an end event",
		}, []string{"process_key"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowchain_tasks_completed_total",
			Help: "Total number of completed user tasks",
		}, []string{"process_key", "node_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.InstancesStarted, m.InstancesCompleted, m.TasksCompleted)
	}
	return m
}

func (m *Metrics) instanceStarted(processKey string) {
	if m == nil {
		return
	}
	m.InstancesStarted.WithLabelValues(processKey).Inc()
}

func (m *Metrics) instanceCompleted(processKey string) {
	if m == nil {
		return
	}
	m.InstancesCompleted.WithLabelValues(processKey).Inc()
}

func (m *Metrics) taskCompleted(processKey string, nodeID string) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(processKey, nodeID).Inc()
}
