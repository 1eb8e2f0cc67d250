package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/televisit/pkg/consultation"
	"github.com/arzzra/televisit/pkg/quality"
	"github.com/arzzra/televisit/pkg/recovery"
)

// metrics Prometheus метрики менеджера. Регистрируются в собственном
// Registerer менеджера, поэтому несколько менеджеров не конфликтуют.
type metrics struct {
	sessionsActive   prometheus.Gauge
	transitions      *prometheus.CounterVec
	qualityChanges   *prometheus.CounterVec
	securityDenials  *prometheus.CounterVec
	recoveryAttempts prometheus.Counter
	recoveryOutcomes *prometheus.CounterVec
	auditFailures    prometheus.Counter
	startDuration    prometheus.Histogram
	panics           *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	const namespace = "consultd"

	return &metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Количество консультаций в нетерминальном состоянии",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Переходы жизненного цикла консультаций",
		}, []string{"from", "to"}),
		qualityChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quality",
			Name:      "changes_total",
			Help:      "Смены уровня качества по новому уровню",
		}, []string{"level"}),
		securityDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "denials_total",
			Help:      "Отказы проверки безопасности по причине",
		}, []string{"reason"}),
		recoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Попытки восстановления связи",
		}),
		recoveryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "outcomes_total",
			Help:      "Итоги восстановления связи",
		}, []string{"outcome"}),
		auditFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Записи журнала аудита, которые не удалось сохранить",
		}),
		startDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "start_duration_seconds",
			Help:      "Время от start() до in_progress",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		panics: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "panics_total",
			Help:      "Восстановленные паники по компонентам",
		}, []string{"component"}),
	}
}

func (m *metrics) recordTransition(t Transition) {
	m.transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()
	switch {
	case t.From == consultation.StateSecurityValidation && t.To == consultation.StateConnecting:
		m.sessionsActive.Inc()
	case t.To.IsTerminal() && t.From != consultation.StateSecurityValidation:
		m.sessionsActive.Dec()
	}
}

func (m *metrics) recordQuality(level quality.Level) {
	m.qualityChanges.WithLabelValues(level.String()).Inc()
}

func (m *metrics) recordDenial(reason consultation.Code) {
	m.securityDenials.WithLabelValues(string(reason)).Inc()
}

func (m *metrics) recordOutcome(o recovery.Outcome) {
	m.recoveryOutcomes.WithLabelValues(o.String()).Inc()
}

func (m *metrics) observeStart(d time.Duration) {
	m.startDuration.Observe(d.Seconds())
}
