// ============================================================================
// stageflow Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 orchestrator 狀態機與 stage worker 的指標，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - stageflow_run_transitions_total{status}: run 狀態轉換次數
//      - stageflow_job_transitions_total{stage,status}: job 狀態轉換次數
//      - stageflow_dispatches_total{stage}: 派發訊息數
//      - stageflow_retries_total{stage}: 重試派發數 (attempt > 1)
//      - stageflow_messages_discarded_total{reason}: 丟棄的訊息 (stale / duplicate / anomaly)
//
//   2. 分佈 (Histogram):
//      - stageflow_stage_duration_seconds{stage,outcome}: worker 執行時間
//
//   3. 瞬時值 (Gauge):
//      - stageflow_jobs{status}: 目前各狀態的 job 數 (store 統計)
//      - stageflow_recovery_time_seconds: 最近一次 file store 恢復時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成的 run
//   rate(stageflow_run_transitions_total{status="FINISHED"}[1m])
//
//   # 重試比例
//   sum(rate(stageflow_retries_total[5m])) / sum(rate(stageflow_dispatches_total[5m]))
//
//   # 95 分位階段耗時
//   histogram_quantile(0.95, sum by (le, stage) (rate(stageflow_stage_duration_seconds_bucket[5m])))
//
// 註冊:
//   NewCollector 註冊到 prometheus.DefaultRegisterer；一個 process 只建立一個 Collector。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/stageflow/pkg/types"
)

const namespace = "stageflow"

// Collector Prometheus 指標收集器
type Collector struct {
	// 狀態機
	runTransitions *prometheus.CounterVec
	jobTransitions *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	retries        *prometheus.CounterVec
	discarded      *prometheus.CounterVec

	// 效能指標
	stageDuration *prometheus.HistogramVec
	recoveryTime  prometheus.Gauge

	// 狀態指標
	jobs *prometheus.GaugeVec
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run status transitions by target status",
		}, []string{"status"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions by stage type and target status",
		}, []string{"stage", "status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch messages accepted by the transport",
		}, []string{"stage"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Dispatches of a second or later attempt",
		}, []string{"stage"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_discarded_total",
			Help:      "Messages acknowledged without effect",
		}, []string{"reason"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time measured by workers",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage", "outcome"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore the store on startup",
		}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs by status",
		}, []string{"status"}),
	}

	// 註冊所有指標
	prometheus.MustRegister(
		c.runTransitions,
		c.jobTransitions,
		c.dispatches,
		c.retries,
		c.discarded,
		c.stageDuration,
		c.recoveryTime,
		c.jobs,
	)
	return c
}

// RunTransition 記錄 run 狀態轉換
func (c *Collector) RunTransition(status types.RunStatus) {
	c.runTransitions.WithLabelValues(string(status)).Inc()
}

// JobTransition 記錄 job 狀態轉換
func (c *Collector) JobTransition(stage types.StageType, status types.JobStatus) {
	c.jobTransitions.WithLabelValues(string(stage), string(status)).Inc()
}

// Dispatched 記錄派發；attempt > 1 同時計入重試
func (c *Collector) Dispatched(stage types.StageType, attempt int) {
	c.dispatches.WithLabelValues(string(stage)).Inc()
	if attempt > 1 {
		c.retries.WithLabelValues(string(stage)).Inc()
	}
}

// Discarded 記錄被丟棄的訊息
func (c *Collector) Discarded(reason string) {
	c.discarded.WithLabelValues(reason).Inc()
}

// ObserveExecution 記錄 worker 端的階段執行時間
func (c *Collector) ObserveExecution(stage types.StageType, success bool, d time.Duration) {
	outcome := "succeeded"
	if !success {
		outcome = "failed"
	}
	c.stageDuration.WithLabelValues(string(stage), outcome).Observe(d.Seconds())
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// UpdateJobStats 以 store 統計 (memory.Store.Stats 的格式) 覆寫各狀態 job 數
func (c *Collector) UpdateJobStats(stats map[string]int) {
	for _, status := range []string{"scheduled", "running", "finished", "failed"} {
		c.jobs.WithLabelValues(status).Set(float64(stats[status]))
	}
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
