// ============================================================================
// dumpdriver Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露排程核心的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - dumpdriver_dumps_assigned_total: 分派給 dumper 的次數
//      - dumpdriver_dumps_completed_total: dump 完成次數
//      - dumpdriver_dumps_failed_total{reason}: dump 失敗次數
//      - dumpdriver_dumps_requeued_total: 退回 pending 的次數
//      - dumpdriver_degraded_plans_total: 改用 degraded plan 的次數
//      - dumpdriver_dumped_kb_total: 寫入 holding disk 的 KB
//      - dumpdriver_tape_writes_total{result}: taper 結果
//      - dumpdriver_unknown_serial_total: 丟棄的未知 serial 訊息
//      - dumpdriver_persistence_failures_total: 歷史資料庫寫入失敗
//
//   2. 分佈 (Histogram)：
//      - dumpdriver_dump_duration_seconds: 單次 dump 時間
//
//   3. 狀態 (Gauge)：
//      - dumpdriver_records{status}: 各狀態記錄數
//      - dumpdriver_holding_allocated_kb{disk} / dumpdriver_holding_writers{disk}
//      - dumpdriver_slots_busy / dumpdriver_slots_down
//
// Prometheus 查詢示例:
//
//   # holding disk 使用率
//   dumpdriver_holding_allocated_kb / on(disk) dumpdriver_holding_capacity_kb
//
//   # 失敗率
//   rate(dumpdriver_dumps_failed_total[1h]) / rate(dumpdriver_dumps_assigned_total[1h])
//
// 所有 Record* 方法允許 nil receiver，未啟用 metrics 時直接略過
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/dumpdriver/pkg/types"
)

const namespace = "dumpdriver"

// Collector Prometheus 指標收集器
type Collector struct {
	// dump 相關
	dumpsAssigned  prometheus.Counter
	dumpsCompleted prometheus.Counter
	dumpsFailed    *prometheus.CounterVec
	dumpsRequeued  prometheus.Counter
	degraded       prometheus.Counter
	dumpedKB       prometheus.Counter
	dumpDuration   prometheus.Histogram

	// taper 與協定
	tapeWrites     *prometheus.CounterVec
	unknownSerial  prometheus.Counter
	persistFailure prometheus.Counter

	// 狀態
	records          *prometheus.GaugeVec
	holdingAllocated *prometheus.GaugeVec
	holdingCapacity  *prometheus.GaugeVec
	holdingWriters   *prometheus.GaugeVec
	slotsBusy        prometheus.Gauge
	slotsDown        prometheus.Gauge
}

// NewCollector 建立並註冊所有指標；reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		dumpsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dumps_assigned_total",
			Help:      "Total number of dumps assigned to dumpers",
		}),
		dumpsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dumps_completed_total",
			Help:      "Total number of dumps written to holding disk",
		}),
		dumpsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dumps_failed_total",
			Help:      "Total number of failed dumps by reason",
		}, []string{"reason"}),
		dumpsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dumps_requeued_total",
			Help:      "Total number of dumps returned to the pending queue",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_plans_total",
			Help:      "Total number of records placed with their degraded plan",
		}),
		dumpedKB: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dumped_kb_total",
			Help:      "Total KB written to holding disk",
		}),
		dumpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dump_duration_seconds",
			Help:      "Dump duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		tapeWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tape_writes_total",
			Help:      "Total number of taper results by outcome",
		}, []string{"result"}),
		unknownSerial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_serial_total",
			Help:      "Messages dropped because their serial was not registered",
		}),
		persistFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "History database writes that failed",
		}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "records",
			Help:      "Current number of schedule records by status",
		}, []string{"status"}),
		holdingAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "holding_allocated_kb",
			Help:      "Reserved plus used KB per holding disk",
		}, []string{"disk"}),
		holdingCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "holding_capacity_kb",
			Help:      "Configured capacity per holding disk",
		}, []string{"disk"}),
		holdingWriters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "holding_writers",
			Help:      "Active writers per holding disk",
		}, []string{"disk"}),
		slotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_busy",
			Help:      "Dumper slots currently working",
		}),
		slotsDown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "slots_down",
			Help:      "Slots that are down for the rest of the run",
		}),
	}

	reg.MustRegister(
		c.dumpsAssigned,
		c.dumpsCompleted,
		c.dumpsFailed,
		c.dumpsRequeued,
		c.degraded,
		c.dumpedKB,
		c.dumpDuration,
		c.tapeWrites,
		c.unknownSerial,
		c.persistFailure,
		c.records,
		c.holdingAllocated,
		c.holdingCapacity,
		c.holdingWriters,
		c.slotsBusy,
		c.slotsDown,
	)
	return c
}

// RecordAssigned 記錄一次 dump 分派
func (c *Collector) RecordAssigned(degraded bool) {
	if c == nil {
		return
	}
	c.dumpsAssigned.Inc()
	if degraded {
		c.degraded.Inc()
	}
}

// RecordDumped 記錄一次 dump 完成
func (c *Collector) RecordDumped(kb int64, d time.Duration) {
	if c == nil {
		return
	}
	c.dumpsCompleted.Inc()
	c.dumpedKB.Add(float64(kb))
	c.dumpDuration.Observe(d.Seconds())
}

// RecordDumpFailed 記錄 dump 失敗
func (c *Collector) RecordDumpFailed(reason string) {
	if c == nil {
		return
	}
	c.dumpsFailed.WithLabelValues(reason).Inc()
}

// RecordRequeued 記錄退回 pending
func (c *Collector) RecordRequeued() {
	if c == nil {
		return
	}
	c.dumpsRequeued.Inc()
}

// RecordTape 記錄 taper 結果（done, failed, tape_error）
func (c *Collector) RecordTape(result string) {
	if c == nil {
		return
	}
	c.tapeWrites.WithLabelValues(result).Inc()
}

// RecordUnknownSerial 記錄被丟棄的訊息
func (c *Collector) RecordUnknownSerial() {
	if c == nil {
		return
	}
	c.unknownSerial.Inc()
}

// RecordPersistenceFailure 記錄歷史資料庫寫入失敗
func (c *Collector) RecordPersistenceFailure() {
	if c == nil {
		return
	}
	c.persistFailure.Inc()
}

// UpdateState 依快照更新所有 gauge
func (c *Collector) UpdateState(counts map[types.RecordStatus]int, holding []types.HoldingView, slots []types.SlotView) {
	if c == nil {
		return
	}
	for status, n := range counts {
		c.records.WithLabelValues(string(status)).Set(float64(n))
	}
	for _, h := range holding {
		c.holdingAllocated.WithLabelValues(h.Name).Set(float64(h.AllocatedKB))
		c.holdingCapacity.WithLabelValues(h.Name).Set(float64(h.CapacityKB))
		c.holdingWriters.WithLabelValues(h.Name).Set(float64(h.Writers))
	}
	busy, down := 0, 0
	for _, s := range slots {
		if s.Busy && s.Kind == "dumper" {
			busy++
		}
		if s.Down {
			down++
		}
	}
	c.slotsBusy.Set(float64(busy))
	c.slotsDown.Set(float64(down))
}

// Handler /metrics 的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServer 建立 metrics HTTP 伺服器（呼叫端負責 ListenAndServe 與 Shutdown）
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
