// Package registration управляет регистрацией софтфона на SIP сервере.
//
// Состояние меняется только в цикле событий: явными командами Register,
// Unregister и событиями транспорта. Автоматических повторов после отказа нет.
package registration

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/phonify/pkg/callerr"
	"github.com/arzzra/phonify/pkg/eventloop"
	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/metrics"
	"github.com/arzzra/phonify/pkg/notify"
	"github.com/arzzra/phonify/pkg/transport"
)

// State состояние регистрации
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
	StateFailed       State = "failed"
)

func (s State) String() string { return string(s) }

// Event событие автомата регистрации
type Event string

const (
	EventStart   Event = "start"
	EventSucceed Event = "succeed"
	EventReject  Event = "reject"
	EventReset   Event = "reset"
)

// Status снимок состояния регистрации
type Status struct {
	State  State
	Reason string
	Code   int
}

// Registered зарегистрирован ли клиент
func (s Status) Registered() bool { return s.State == StateRegistered }

// Config параметры контроллера
type Config struct {
	// Timeout ожидания результата регистрации
	Timeout time.Duration
	// UnregisterTimeout ограничение фонового снятия регистрации
	UnregisterTimeout time.Duration
}

// DefaultConfig параметры по умолчанию
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second, UnregisterTimeout: 5 * time.Second}
}

// Controller контроллер регистрации
type Controller struct {
	cfg      Config
	loop     *eventloop.Loop
	tr       transport.Transport
	log      logger.StructuredLogger
	notifier notify.Notifier
	metrics  *metrics.Collector

	// принадлежит циклу
	fsm      *fsm.FSM
	attempt  uint64
	timer    *time.Timer
	reason   string
	code     int
	onChange []func(Status)

	mu     sync.RWMutex
	status Status
}

// Option опция контроллера
type Option func(*Controller)

func WithLogger(l logger.StructuredLogger) Option { return func(c *Controller) { c.log = l } }
func WithNotifier(n notify.Notifier) Option       { return func(c *Controller) { c.notifier = n } }
func WithMetrics(m *metrics.Collector) Option     { return func(c *Controller) { c.metrics = m } }
func WithConfig(cfg Config) Option                { return func(c *Controller) { c.cfg = cfg } }

// New создает контроллер в состоянии Unregistered
func New(loop *eventloop.Loop, tr transport.Transport, opts ...Option) *Controller {
	c := &Controller{
		cfg:      DefaultConfig(),
		loop:     loop,
		tr:       tr,
		log:      logger.NewNop(),
		notifier: notify.Discard,
		status:   Status{State: StateUnregistered},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("registration")

	c.fsm = fsm.NewFSM(
		string(StateUnregistered),
		fsm.Events{
			{Name: string(EventStart), Src: []string{string(StateUnregistered), string(StateFailed)}, Dst: string(StateRegistering)},
			{Name: string(EventSucceed), Src: []string{string(StateRegistering)}, Dst: string(StateRegistered)},
			{Name: string(EventReject), Src: []string{string(StateRegistering), string(StateRegistered)}, Dst: string(StateFailed)},
			{Name: string(EventReset), Src: []string{string(StateRegistering), string(StateRegistered), string(StateFailed)}, Dst: string(StateUnregistered)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) { c.onEnterState(ctx, e) },
		},
	)
	c.metrics.RegistrationState(string(StateUnregistered))
	return c
}

// OnChange добавляет наблюдателя. Вызывается в цикле событий. Регистрировать до запуска.
func (c *Controller) OnChange(fn func(Status)) {
	c.onChange = append(c.onChange, fn)
}

// Status потокобезопасный снимок
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Registered потокобезопасная проверка регистрации
func (c *Controller) Registered() bool {
	return c.Status().Registered()
}

// Register начинает регистрацию. В состояниях Registering и Registered ничего не делает.
// Вызов транспорта выполняется в горутине вызывающего, вне цикла.
func (c *Controller) Register(ctx context.Context) error {
	var (
		started bool
		attempt uint64
	)
	if err := c.loop.Do(ctx, func() {
		if !c.fsm.Can(string(EventStart)) {
			return
		}
		c.attempt++
		attempt = c.attempt
		c.fire(context.Background(), EventStart, "", 0)
		c.armTimeout(attempt)
		started = true
	}); err != nil {
		return err
	}
	if !started {
		c.log.Debug(ctx, "register ignored", logger.String("state", c.Status().State.String()))
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	err := c.tr.Register(rctx)
	if err == nil {
		return nil
	}

	code, reason := transport.StatusOf(err)
	_ = c.loop.Do(context.Background(), func() {
		if c.attempt != attempt || c.State() != StateRegistering {
			return
		}
		c.fire(context.Background(), EventReject, reason, code)
	})
	return callerr.TransportRejected("register", err)
}

// Unregister немедленно переводит контроллер в Unregistered.
// Снятие регистрации на сервере выполняется в фоне с ограничением по времени.
func (c *Controller) Unregister(ctx context.Context) error {
	var wasActive bool
	if err := c.loop.Do(ctx, func() { wasActive = c.Reset() }); err != nil {
		return err
	}
	if wasActive {
		go c.unregisterRemote()
	}
	return nil
}

func (c *Controller) unregisterRemote() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.UnregisterTimeout)
	defer cancel()
	if err := c.tr.Unregister(ctx); err != nil {
		c.log.Debug(ctx, "remote unregister failed", logger.Err(err))
	}
}

// Reset переводит контроллер в Unregistered из любого состояния.
// Только из цикла событий. Возвращает true, если клиент был (или становился) зарегистрирован.
func (c *Controller) Reset() bool {
	prev := c.State()
	c.attempt++
	c.stopTimeout()
	if c.fsm.Can(string(EventReset)) {
		c.fire(context.Background(), EventReset, "", 0)
	}
	return prev == StateRegistered || prev == StateRegistering
}

// State текущее состояние. Только из цикла событий.
func (c *Controller) State() State {
	return State(c.fsm.Current())
}

// Apply применяет событие транспорта. Только из цикла событий.
func (c *Controller) Apply(ev transport.RegistrationEvent) {
	ctx := context.Background()
	switch ev.Phase {
	case transport.RegistrationRegistering:
		if c.fsm.Can(string(EventStart)) {
			c.attempt++
			c.fire(ctx, EventStart, "", 0)
			c.armTimeout(c.attempt)
		}
	case transport.RegistrationRegistered:
		c.fire(ctx, EventSucceed, "", 0)
	case transport.RegistrationRejected:
		c.fire(ctx, EventReject, ev.Reason, ev.Code)
	case transport.RegistrationUnregistered:
		c.Reset()
	}
}

// fire: ctx не должен быть отменен, иначе fsm прервет переход
func (c *Controller) fire(ctx context.Context, ev Event, reason string, code int) {
	c.reason, c.code = reason, code
	err := c.fsm.Event(ctx, string(ev))
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	c.log.Debug(ctx, "registration event ignored",
		logger.String("event", string(ev)),
		logger.String("state", c.fsm.Current()),
		logger.Err(err))
}

func (c *Controller) onEnterState(ctx context.Context, e *fsm.Event) {
	st := Status{State: State(e.Dst)}
	if st.State == StateFailed {
		st.Reason, st.Code = c.reason, c.code
		if st.Reason == "" {
			st.Reason = "registration rejected"
		}
	}
	if st.State != StateRegistering {
		c.stopTimeout()
	}

	c.mu.Lock()
	c.status = st
	c.mu.Unlock()

	c.log.Info(ctx, "registration state changed",
		logger.String("from", e.Src),
		logger.String("to", e.Dst),
		logger.String("reason", st.Reason))

	c.metrics.RegistrationState(e.Dst)
	switch st.State {
	case StateRegistered:
		c.metrics.RegistrationResult(true)
	case StateFailed:
		c.metrics.RegistrationResult(false)
		c.notifier.Notify(notify.Notice{Message: notify.MsgRegisterFailed, Severity: notify.SeverityError})
	}

	for _, fn := range c.onChange {
		fn(st)
	}
}

func (c *Controller) armTimeout(attempt uint64) {
	c.stopTimeout()
	if c.cfg.Timeout <= 0 {
		return
	}
	c.timer = time.AfterFunc(c.cfg.Timeout, func() {
		c.loop.Post(func() {
			if c.attempt != attempt || c.State() != StateRegistering {
				return
			}
			c.fire(context.Background(), EventReject, "registration timeout", 408)
		})
	})
}

func (c *Controller) stopTimeout() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
