package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		EventAppendTotal, EventAppendDuplicates,
		QueueDepth, LeaseTotal, JobRetryTotal, JobDeadTotal,
		BrokerEvalDuration, TaskDuration,
		GateLimit, GateRejectTotal,
	)
}

// EventAppendTotal 事件写入总数（按事件类型）
var EventAppendTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_event_append_total",
		Help: "事件写入总数（按事件类型）",
	},
	[]string{"event_type"},
)

// EventAppendDuplicates 幂等写入命中数（重复 (execution_id, event_id)）
var EventAppendDuplicates = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "coflow_event_append_duplicates_total",
		Help: "幂等写入命中数",
	},
)

// QueueDepth 队列深度（按状态）
var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "coflow_queue_depth",
		Help: "队列深度（按状态）",
	},
	[]string{"status"}, // queued | leased | done | dead
)

// LeaseTotal 租约获取总数（按结果）
var LeaseTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_lease_total",
		Help: "租约获取总数（按结果）",
	},
	[]string{"result"}, // acquired | empty | error
)

// JobRetryTotal 步骤重试总数
var JobRetryTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "coflow_job_retry_total",
		Help: "步骤重试总数",
	},
)

// JobDeadTotal 重试耗尽进入 dead 的任务总数
var JobDeadTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "coflow_job_dead_total",
		Help: "重试耗尽进入 dead 的任务总数",
	},
)

// BrokerEvalDuration Broker 单次评估耗时（秒）
var BrokerEvalDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "coflow_broker_eval_duration_seconds",
		Help:    "Broker 单次评估耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"trigger"},
)

// TaskDuration Worker 任务执行耗时（秒，按任务类型）
var TaskDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "coflow_task_duration_seconds",
		Help:    "任务执行耗时（秒，按任务类型）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"task_type"},
)

// GateLimit Worker 自适应并发闸门当前上限
var GateLimit = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "coflow_gate_limit",
		Help: "自适应并发闸门当前上限",
	},
	[]string{"worker_id"},
)

// GateRejectTotal 服务端过载（503）触发的闸门收缩次数
var GateRejectTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "coflow_gate_reject_total",
		Help: "服务端过载触发的闸门收缩次数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
