package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "IntentArena/internal/errors"
)

const namespace = "intentarena"

// Metrics 汇总服务的全部 Prometheus 指标，使用独立的注册表。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpErrors     *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
	competitions   *prometheus.CounterVec
	competitionDur prometheus.Histogram
	priceTiers     *prometheus.CounterVec
	riskOutcomes   *prometheus.CounterVec
	admission      *prometheus.CounterVec
	ledgerOps      *prometheus.CounterVec
	settlements    *prometheus.CounterVec
}

// New 创建并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_request_errors_total",
			Help: "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		competitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "competition_runs_total",
			Help: "Completed competition runs by outcome.",
		}, []string{"outcome"}),
		competitionDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "competition_duration_seconds",
			Help:    "Wall time of a competition run including risk analysis.",
			Buckets: prometheus.DefBuckets,
		}),
		priceTiers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "price_resolutions_total",
			Help: "Resolved prices by reliability tier.",
		}, []string{"tier"}),
		riskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "risk_gate_total",
			Help: "Risk gate invocations by outcome.",
		}, []string{"outcome"}),
		admission: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_rejections_total",
			Help: "Requests rejected by admission control.",
		}, []string{"route"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ledger_operations_total",
			Help: "Ledger operations by result code.",
		}, []string{"op", "result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_jobs_total",
			Help: "Settlement jobs by final status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpErrors, m.httpLatency,
		m.competitions, m.competitionDur,
		m.priceTiers, m.riskOutcomes, m.admission,
		m.ledgerOps, m.settlements,
	)
	return m
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// CompetitionCompleted 记录一次竞价的结果类别与耗时。
func (m *Metrics) CompetitionCompleted(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.competitions.WithLabelValues(outcome).Inc()
	m.competitionDur.Observe(duration.Seconds())
}

// PriceTier 记录一次价格解析的可靠性分级。
func (m *Metrics) PriceTier(tier string) {
	if m == nil {
		return
	}
	m.priceTiers.WithLabelValues(tier).Inc()
}

// RiskOutcome 记录风险闸门的结果。
func (m *Metrics) RiskOutcome(outcome string) {
	if m == nil {
		return
	}
	m.riskOutcomes.WithLabelValues(outcome).Inc()
}

// AdmissionRejected 记录一次准入拒绝。
func (m *Metrics) AdmissionRejected(route string) {
	if m == nil {
		return
	}
	m.admission.WithLabelValues(route).Inc()
}

// LedgerOperation 实现 ledger.Recorder。
func (m *Metrics) LedgerOperation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(xerrors.CodeOf(err))
	}
	m.ledgerOps.WithLabelValues(op, result).Inc()
}

// SettlementJob 记录结算任务的最终状态。
func (m *Metrics) SettlementJob(status string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(status).Inc()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
