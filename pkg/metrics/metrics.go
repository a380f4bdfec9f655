// Package metrics собирает Prometheus метрики софтфона.
//
// Каждый Collector регистрирует метрики в собственном реестре, поэтому
// несколько экземпляров (например, в тестах) не конфликтуют.
// Методы безопасны для nil получателя: выключенные метрики не требуют проверок.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config конфигурация метрик
type Config struct {
	Enabled   bool
	Namespace string
	Subsystem string
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{Enabled: true, Namespace: "phonify", Subsystem: "client"}
}

// Состояния регистрации в порядке значений gauge
var registrationStates = []string{"unregistered", "registering", "registered", "failed"}

// Collector набор метрик
type Collector struct {
	registry *prometheus.Registry

	registrationState  *prometheus.GaugeVec
	registrationsTotal *prometheus.CounterVec
	callsTotal         *prometheus.CounterVec
	callsActive        prometheus.Gauge
	callDuration       prometheus.Histogram
	stateTransitions   *prometheus.CounterVec
	noticesTotal       *prometheus.CounterVec
}

// New создает сборщик. При выключенных метриках возвращает nil.
func New(cfg Config) *Collector {
	if !cfg.Enabled {
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		registrationState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "registration_state",
			Help:      "Current SIP registration state (1 for the active state)",
		}, []string{"state"}),
		registrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "registrations_total",
			Help:      "Registration attempts by result",
		}, []string{"result"}),
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls_total",
			Help:      "Finished calls by direction and outcome",
		}, []string{"direction", "outcome"}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "calls_active",
			Help:      "Number of calls in active state",
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "call_duration_seconds",
			Help:      "Duration of answered calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "call_state_transitions_total",
			Help:      "Call session state transitions",
		}, []string{"from", "to"}),
		noticesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "notices_total",
			Help:      "User notices by severity",
		}, []string{"severity"}),
	}
}

// Registry реестр метрик
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler HTTP обработчик для /metrics
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RegistrationState отмечает текущее состояние регистрации
func (c *Collector) RegistrationState(state string) {
	if c == nil {
		return
	}
	for _, s := range registrationStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.registrationState.WithLabelValues(s).Set(v)
	}
}

// RegistrationResult учитывает результат попытки регистрации
func (c *Collector) RegistrationResult(ok bool) {
	if c == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "registered"
	}
	c.registrationsTotal.WithLabelValues(result).Inc()
}

// StateTransition учитывает переход состояния звонка
func (c *Collector) StateTransition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// CallActive звонок перешел в активное состояние
func (c *Collector) CallActive() {
	if c == nil {
		return
	}
	c.callsActive.Inc()
}

// CallFinished учитывает завершенный звонок. answered - был ли звонок активным.
func (c *Collector) CallFinished(direction, outcome string, answered bool, d time.Duration) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(direction, outcome).Inc()
	if answered {
		c.callsActive.Dec()
		c.callDuration.Observe(d.Seconds())
	}
}

// Notice учитывает уведомление пользователю
func (c *Collector) Notice(severity string) {
	if c == nil {
		return
	}
	c.noticesTotal.WithLabelValues(severity).Inc()
}
