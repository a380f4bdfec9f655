// Package call реализует машину состояний единственной сессии звонка.
//
// Машина принимает команды пользователя (позвонить, ответить, отклонить,
// завершить, выключить микрофон) и события транспорта, проверяет их по
// таблице переходов и управляет побочными эффектами: сигналами вызова,
// счетчиком длительности и приемником звука.
//
// Все состояние принадлежит циклу событий (eventloop.Loop). Публичные методы
// потокобезопасны: они переходят в цикл через Do, а блокирующие вызовы
// транспорта и запрос доступа к микрофону выполняют в горутине вызывающего.
// После каждого такого вызова продолжение проверяет, что сессия все еще
// актуальна, поэтому устаревший ответ не может оживить завершенный звонок.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/arzzra/phonify/pkg/callerr"
	"github.com/arzzra/phonify/pkg/eventloop"
	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/media"
	"github.com/arzzra/phonify/pkg/metrics"
	"github.com/arzzra/phonify/pkg/notify"
	"github.com/arzzra/phonify/pkg/tone"
	"github.com/arzzra/phonify/pkg/transport"
)

// historyLimit размер журнала переходов
const historyLimit = 20

// Config зависимости машины. Loop, Transport и Registration обязательны.
type Config struct {
	Loop         *eventloop.Loop
	Transport    transport.Transport
	Registration Registrar
	Permissions  media.Permissions
	Sink         Sink
	Ringback     tone.Generator
	Ringtone     tone.Generator
	Tracker      Tracker
	Notifier     notify.Notifier
	Logger       logger.StructuredLogger
	Metrics      *metrics.Collector

	// Domain SIP домен для построения URI исходящего звонка
	Domain string
	// HangupTimeout ограничение фоновых BYE и отказов
	HangupTimeout time.Duration
	// Now источник времени для StartedAt
	Now func() time.Time
	// NewSessionID генератор идентификаторов сессий
	NewSessionID func() transport.SessionID
}

// Machine машина состояний звонка
type Machine struct {
	loop     *eventloop.Loop
	tr       transport.Transport
	reg      Registrar
	perms    media.Permissions
	sink     Sink
	ringback tone.Generator
	ringtone tone.Generator
	tracker  Tracker
	notifier notify.Notifier
	log      logger.StructuredLogger
	metrics  *metrics.Collector

	domain        string
	hangupTimeout time.Duration
	now           func() time.Time
	newID         func() transport.SessionID

	// принадлежит циклу
	fsm          *fsm.FSM
	session      *Session
	seq          uint64
	pendingTrack media.Track
	answering    bool
	remoteEnding bool
	outcome      string
	onChange     []func(View)

	mu      sync.RWMutex
	view    View
	history []Transition
}

// New создает машину в состоянии Idle
func New(cfg Config) (*Machine, error) {
	if cfg.Loop == nil || cfg.Transport == nil || cfg.Registration == nil {
		return nil, errors.New("call: loop, transport and registration are required")
	}

	m := &Machine{
		loop:          cfg.Loop,
		tr:            cfg.Transport,
		reg:           cfg.Registration,
		perms:         cfg.Permissions,
		sink:          cfg.Sink,
		ringback:      cfg.Ringback,
		ringtone:      cfg.Ringtone,
		tracker:       cfg.Tracker,
		notifier:      cfg.Notifier,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		domain:        cfg.Domain,
		hangupTimeout: cfg.HangupTimeout,
		now:           cfg.Now,
		newID:         cfg.NewSessionID,
		view:          View{State: StateIdle},
	}
	if m.perms == nil {
		m.perms = media.StaticPermission{Granted: true}
	}
	if m.sink == nil {
		m.sink = nopSink{}
	}
	if m.ringback == nil {
		m.ringback = silentTone{}
	}
	if m.ringtone == nil {
		m.ringtone = silentTone{}
	}
	if m.tracker == nil {
		m.tracker = nopTracker{}
	}
	if m.notifier == nil {
		m.notifier = notify.Discard
	}
	if m.log == nil {
		m.log = logger.NewNop()
	}
	if m.hangupTimeout <= 0 {
		m.hangupTimeout = 5 * time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = func() transport.SessionID { return transport.SessionID(uuid.NewString()) }
	}
	m.log = m.log.WithComponent("call")

	live := []string{string(StateConnecting), string(StateRinging), string(StateIncoming), string(StateActive)}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: string(EventDial), Src: []string{string(StateIdle), string(StateTerminated)}, Dst: string(StateConnecting)},
			{Name: string(EventProgress), Src: []string{string(StateConnecting)}, Dst: string(StateRinging)},
			{Name: string(EventInvite), Src: []string{string(StateIdle), string(StateTerminated)}, Dst: string(StateIncoming)},
			{Name: string(EventAnswer), Src: []string{string(StateIncoming)}, Dst: string(StateActive)},
			{Name: string(EventEstablish), Src: []string{string(StateConnecting), string(StateRinging)}, Dst: string(StateActive)},
			{Name: string(EventAbort), Src: []string{string(StateConnecting)}, Dst: string(StateIdle)},
			{Name: string(EventTerminate), Src: live, Dst: string(StateTerminated)},
			{Name: string(EventReset), Src: append(live, string(StateTerminated)), Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_" + string(StateRinging):    func(_ context.Context, _ *fsm.Event) { m.ringback.Start() },
			"enter_" + string(StateIncoming):   func(_ context.Context, _ *fsm.Event) { m.ringtone.Start() },
			"enter_" + string(StateActive):     func(_ context.Context, _ *fsm.Event) { m.onActive() },
			"enter_" + string(StateTerminated): func(_ context.Context, e *fsm.Event) { m.onTerminated(e) },
			"enter_" + string(StateIdle):       func(_ context.Context, e *fsm.Event) { m.onIdle(e) },
			"enter_state":                      func(_ context.Context, e *fsm.Event) { m.onEnterState(e) },
		},
	)
	return m, nil
}

// OnChange добавляет наблюдателя снимков. Вызывается в цикле событий. Регистрировать до запуска.
func (m *Machine) OnChange(fn func(View)) {
	m.onChange = append(m.onChange, fn)
}

// View потокобезопасный снимок
func (m *Machine) View() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.view
}

// History последние переходы, от старых к новым
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}

// State текущее состояние. Только из цикла событий.
func (m *Machine) State() State {
	return State(m.fsm.Current())
}

// StartCall начинает исходящий звонок на target.
//
// Без регистрации возвращает NotRegistered, при живой сессии SessionBusy.
// Отказ в доступе к микрофону возвращает машину в Idle.
func (m *Machine) StartCall(ctx context.Context, target string) error {
	var (
		id    transport.SessionID
		token uint64
		err   error
	)
	if derr := m.loop.Do(ctx, func() {
		switch {
		case !m.reg.Registered():
			err = callerr.NotRegistered()
			m.notice(notify.MsgNotRegistered, notify.SeverityError)
		case m.State().Live():
			err = callerr.SessionBusy(string(m.session.ID))
			m.notice(notify.MsgCallBusy, notify.SeverityWarning)
		case target == "":
			err = callerr.InvalidTransition("start_call", "empty target")
		default:
			id = m.newID()
			token = m.beginSession(&Session{
				ID:        id,
				Direction: Outbound,
				Remote:    CallerForTarget(target, m.domain),
			})
			m.fire(EventDial)
		}
	}); derr != nil {
		return derr
	}
	if err != nil {
		m.log.Info(ctx, "call not started", logger.Err(err))
		return err
	}

	log := m.log.WithFields(logger.String("session_id", string(id)))

	if perr := m.perms.RequestMicrophone(ctx); perr != nil {
		_ = m.loop.Do(context.Background(), func() {
			if !m.current(token, StateConnecting) {
				return
			}
			m.outcome = "failed"
			m.fire(EventAbort)
		})
		if errors.Is(perr, callerr.ErrPermissionDenied) {
			log.Warn(ctx, "microphone permission denied", logger.Err(perr))
			m.notice(notify.MsgPermissionDenied, notify.SeverityError)
			return callerr.PermissionDenied(perr).WithSession(string(id))
		}
		log.LogError(ctx, perr, "microphone setup failed")
		m.notice(notify.MsgCallFailed, notify.SeverityError)
		if callerr.CodeOf(perr) != "" {
			return perr
		}
		return callerr.ResourceSetupFailure("microphone", perr).WithSession(string(id))
	}

	// пользователь мог завершить звонок, пока шел запрос доступа
	var proceed bool
	_ = m.loop.Do(context.Background(), func() {
		proceed = m.current(token, StateConnecting)
		if proceed && ctx.Err() != nil {
			proceed = false
			m.outcome = "failed"
			m.fire(EventAbort)
		}
	})
	if cerr := ctx.Err(); cerr != nil {
		log.Debug(ctx, "call cancelled by caller context", logger.Err(cerr))
		return cerr
	}
	if !proceed {
		log.Debug(ctx, "call cancelled before invite")
		return nil
	}

	if ierr := m.tr.Invite(ctx, id, target); ierr != nil {
		_ = m.loop.Do(context.Background(), func() {
			if m.seq != token || !m.State().Live() {
				return
			}
			m.outcome = "failed"
			m.fire(EventTerminate)
		})
		log.LogError(ctx, ierr, "invite failed")
		m.notice(notify.MsgCallFailed, notify.SeverityError)
		return callerr.TransportRejected("invite", ierr).WithSession(string(id))
	}

	// звонок мог завершиться во время отправки INVITE
	var stale bool
	_ = m.loop.Do(context.Background(), func() { stale = m.seq != token || !m.State().Live() })
	if stale {
		log.Debug(ctx, "invite completed for a finished session, hanging up")
		m.hangupAsync(id, false)
	}
	return nil
}

// AnswerCall отвечает на входящий звонок. Вне состояния Incoming ничего не делает.
func (m *Machine) AnswerCall(ctx context.Context) error {
	var (
		id    transport.SessionID
		token uint64
		ok    bool
	)
	if err := m.loop.Do(ctx, func() {
		if m.State() != StateIncoming || m.answering {
			m.ignored("answer")
			return
		}
		m.answering = true
		id, token, ok = m.session.ID, m.seq, true
		m.ringtone.Stop()
		m.publish()
	}); err != nil || !ok {
		return err
	}

	aerr := m.tr.Accept(ctx, id)

	var applied bool
	_ = m.loop.Do(context.Background(), func() {
		if !m.current(token, StateIncoming) {
			return
		}
		m.answering = false
		applied = true
		if aerr != nil {
			m.outcome = "failed"
			m.fire(EventTerminate)
			return
		}
		m.fire(EventAnswer)
	})

	if aerr != nil {
		m.log.LogError(ctx, aerr, "answer failed", logger.String("session_id", string(id)))
		m.notice(notify.MsgAnswerFailed, notify.SeverityError)
		if applied {
			m.hangupAsync(id, true)
		}
		return callerr.TransportRejected("answer", aerr).WithSession(string(id))
	}
	if !applied {
		// звонящий отменил вызов, пока мы отвечали
		m.log.Debug(ctx, "answer completed for a finished session", logger.String("session_id", string(id)))
		m.hangupAsync(id, false)
	}
	return nil
}

// RejectCall отклоняет входящий звонок. Вне состояния Incoming ничего не делает.
func (m *Machine) RejectCall(ctx context.Context) error {
	var (
		id transport.SessionID
		ok bool
	)
	if err := m.loop.Do(ctx, func() {
		if m.State() != StateIncoming {
			m.ignored("reject")
			return
		}
		id, ok = m.session.ID, true
		m.outcome = "rejected"
		m.fire(EventTerminate)
	}); err != nil || !ok {
		return err
	}

	if err := m.tr.Reject(ctx, id); err != nil {
		m.log.Warn(ctx, "reject failed", logger.String("session_id", string(id)), logger.Err(err))
	}
	return nil
}

// EndCall завершает звонок в любом незавершенном состоянии. Повторный вызов ничего не делает.
//
// BYE отправляется, только если транспорт еще не завершает сессию сам.
// Входящий звонок, на который не ответили, отклоняется.
func (m *Machine) EndCall(ctx context.Context) error {
	var (
		id     transport.SessionID
		action hangup
	)
	if err := m.loop.Do(ctx, func() { id, action = m.end() }); err != nil {
		return err
	}
	m.hangup(ctx, id, action)
	return nil
}

// Cleanup сбрасывает машину в Idle из любого состояния. Сигнализация завершается в фоне.
func (m *Machine) Cleanup(ctx context.Context) error {
	return m.loop.Do(ctx, m.Reset)
}

// Reset сбрасывает машину в Idle. Только из цикла событий.
func (m *Machine) Reset() {
	id, action := m.end()
	if action != hangupNone {
		m.hangupAsync(id, action == hangupReject)
	}
	if m.State() != StateIdle {
		m.fire(EventReset)
	}
}

// Mute выключает передачу голоса
func (m *Machine) Mute(ctx context.Context) error {
	return m.setMuted(ctx, func(bool) bool { return true })
}

// Unmute включает передачу голоса
func (m *Machine) Unmute(ctx context.Context) error {
	return m.setMuted(ctx, func(bool) bool { return false })
}

// ToggleMute переключает передачу голоса
func (m *Machine) ToggleMute(ctx context.Context) error {
	return m.setMuted(ctx, func(cur bool) bool { return !cur })
}

// setMuted применяет mute только в Active. Ошибка транспорта логируется, флаг не меняется.
func (m *Machine) setMuted(ctx context.Context, next func(bool) bool) error {
	var (
		id     transport.SessionID
		token  uint64
		target bool
		ok     bool
	)
	if err := m.loop.Do(ctx, func() {
		if m.State() != StateActive {
			m.ignored("mute")
			return
		}
		target = next(m.session.Muted)
		if target == m.session.Muted {
			return
		}
		id, token, ok = m.session.ID, m.seq, true
	}); err != nil || !ok {
		return err
	}

	if err := m.tr.Mute(ctx, id, target); err != nil {
		m.log.Warn(ctx, "mute failed", logger.String("session_id", string(id)), logger.Bool("muted", target), logger.Err(err))
		return nil
	}

	return m.loop.Do(context.Background(), func() {
		if !m.current(token, StateActive) {
			return
		}
		m.session.Muted = target
		m.log.Debug(ctx, "mute changed", logger.Bool("muted", target))
		m.publish()
	})
}

// HandleEvent применяет событие транспорта в цикле событий
func (m *Machine) HandleEvent(ctx context.Context, ev transport.Event) error {
	return m.loop.Do(ctx, func() { m.Apply(ev) })
}

// Apply единая точка разбора событий транспорта. Только из цикла событий.
func (m *Machine) Apply(ev transport.Event) {
	switch e := ev.(type) {
	case transport.RegistrationEvent:
		m.reg.Apply(e)
	case transport.SessionEvent:
		m.applySession(e)
	case transport.IncomingInvite:
		m.applyInvite(e)
	case transport.TrackEvent:
		m.applyTrack(e)
	case transport.ConnectionStateEvent:
		m.log.Debug(context.Background(), "media connection state",
			logger.String("session_id", string(e.Session)),
			logger.String("connection_state", e.State))
	default:
		m.log.Warn(context.Background(), "unknown transport event", logger.Any("event", ev))
	}
}

func (m *Machine) applySession(e transport.SessionEvent) {
	ctx := context.Background()
	if m.session == nil || m.session.ID != e.Session {
		m.log.Debug(ctx, "event for unknown session ignored",
			logger.String("session_id", string(e.Session)),
			logger.Stringer("session_state", e.State))
		return
	}

	switch e.State {
	case transport.SessionConnecting:
	case transport.SessionEstablishing:
		if m.State() == StateConnecting {
			m.fire(EventProgress)
		}
	case transport.SessionEstablished:
		switch m.State() {
		case StateConnecting, StateRinging:
			m.fire(EventEstablish)
		default:
			m.ignored("establish")
		}
	case transport.SessionTerminating:
		m.remoteEnding = true
	case transport.SessionTerminated:
		m.remoteEnding = true
		st := m.State()
		if !st.Live() {
			return
		}
		switch {
		case st == StateIncoming:
			m.outcome = "missed"
		case st != StateActive && m.session.Direction == Outbound:
			m.outcome = "failed"
			m.log.Info(ctx, "call failed",
				logger.String("session_id", string(e.Session)),
				logger.Int("code", e.Code),
				logger.String("reason", e.Reason))
			m.notice(notify.MsgCallFailed, notify.SeverityError)
		}
		m.fire(EventTerminate)
	}
}

func (m *Machine) applyInvite(e transport.IncomingInvite) {
	ctx := context.Background()
	if m.State().Live() {
		m.log.Info(ctx, "incoming call rejected, session busy",
			logger.String("session_id", string(e.Session)),
			logger.String("active_session", string(m.session.ID)))
		m.hangupAsync(e.Session, true)
		return
	}

	caller := CallerFromIdentity(e.Remote)
	m.beginSession(&Session{ID: e.Session, Direction: Inbound, Remote: caller})
	m.fire(EventInvite)
	m.notice("Incoming call from "+caller.Name, notify.SeverityInfo)
}

func (m *Machine) applyTrack(e transport.TrackEvent) {
	if m.session == nil || m.session.ID != e.Session || e.Track == nil {
		return
	}
	if m.State() == StateActive {
		if err := m.sink.Attach(e.Track); err != nil {
			m.log.Warn(context.Background(), "failed to attach remote audio", logger.Err(err))
		}
		return
	}
	m.pendingTrack = e.Track
}

type hangup int

const (
	hangupNone hangup = iota
	hangupBye
	hangupReject
)

// end переводит живую сессию в Terminated и решает, что отправить транспорту
func (m *Machine) end() (transport.SessionID, hangup) {
	st := m.State()
	if m.session == nil || !st.Live() {
		m.ignored("end")
		return "", hangupNone
	}
	id := m.session.ID
	action := hangupBye
	switch {
	case st == StateIncoming:
		action = hangupReject
		m.outcome = "rejected"
	case m.remoteEnding:
		action = hangupNone
	default:
		// транспорт еще не видел сессию (ждем доступа к микрофону) или уже завершает ее
		if ts := m.tr.SessionState(id); ts == transport.SessionUnknown || ts.Ending() {
			action = hangupNone
		}
	}
	if st == StateConnecting || st == StateRinging {
		m.outcome = "cancelled"
	}
	m.fire(EventTerminate)
	return id, action
}

func (m *Machine) hangup(ctx context.Context, id transport.SessionID, action hangup) {
	var err error
	switch action {
	case hangupBye:
		err = m.tr.Bye(ctx, id)
	case hangupReject:
		err = m.tr.Reject(ctx, id)
	default:
		return
	}
	if err != nil {
		m.log.Warn(ctx, "hangup failed", logger.String("session_id", string(id)), logger.Err(err))
	}
}

// hangupAsync завершает сессию на стороне транспорта в фоне, с таймаутом
func (m *Machine) hangupAsync(id transport.SessionID, reject bool) {
	action := hangupBye
	if reject {
		action = hangupReject
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.hangupTimeout)
		defer cancel()
		m.hangup(ctx, id, action)
	}()
}

func (m *Machine) beginSession(s *Session) uint64 {
	m.seq++
	m.session = s
	m.pendingTrack = nil
	m.answering = false
	m.remoteEnding = false
	m.outcome = ""
	return m.seq
}

// current сессия token все еще текущая и находится в состоянии st
func (m *Machine) current(token uint64, st State) bool {
	return m.seq == token && m.State() == st
}

func (m *Machine) fire(ev Event) {
	err := m.fsm.Event(context.Background(), string(ev))
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	m.log.Debug(context.Background(), "transition rejected",
		logger.String("event", string(ev)),
		logger.String("state", m.fsm.Current()),
		logger.Err(err))
}

func (m *Machine) ignored(command string) {
	err := callerr.InvalidTransition(command, m.fsm.Current())
	m.log.Debug(context.Background(), "command ignored", logger.Err(err))
}

func (m *Machine) notice(msg string, sev notify.Severity) {
	m.notifier.Notify(notify.Notice{Message: msg, Severity: sev})
}

func (m *Machine) onActive() {
	m.ringback.Stop()
	m.ringtone.Stop()
	m.session.StartedAt = m.now()
	m.tracker.Start(m.session.StartedAt)
	if m.pendingTrack != nil {
		if err := m.sink.Attach(m.pendingTrack); err != nil {
			m.log.Warn(context.Background(), "failed to attach remote audio", logger.Err(err))
		}
		m.pendingTrack = nil
	}
	m.metrics.CallActive()
}

// teardown порядок: сигналы, счетчик, медиа, затем сброс данных сессии
func (m *Machine) teardown() {
	m.ringback.Stop()
	m.ringtone.Stop()
	m.tracker.Stop()
	m.sink.Detach()
	m.pendingTrack = nil
	m.answering = false
}

func (m *Machine) onTerminated(e *fsm.Event) {
	m.teardown()
	if m.session == nil {
		return
	}
	answered := !m.session.StartedAt.IsZero()
	outcome := m.outcome
	if outcome == "" {
		outcome = "completed"
	}
	var d time.Duration
	if answered {
		d = m.now().Sub(m.session.StartedAt)
	}
	m.metrics.CallFinished(string(m.session.Direction), outcome, answered, d)
	m.log.Info(context.Background(), "call ended",
		logger.String("session_id", string(m.session.ID)),
		logger.String("from", e.Src),
		logger.String("outcome", outcome),
		logger.Duration("duration", d))

	m.session.Remote = Caller{}
	m.session.Muted = false
	m.session.StartedAt = time.Time{}
}

func (m *Machine) onIdle(e *fsm.Event) {
	m.teardown()
	if e.Src == string(StateConnecting) && m.session != nil {
		m.metrics.CallFinished(string(m.session.Direction), "failed", false, 0)
	}
	m.session = nil
}

func (m *Machine) onEnterState(e *fsm.Event) {
	tr := Transition{From: State(e.Src), To: State(e.Dst), Event: Event(e.Event), At: m.now()}
	m.mu.Lock()
	m.history = append(m.history, tr)
	if len(m.history) > historyLimit {
		m.history = append(m.history[:0:0], m.history[len(m.history)-historyLimit:]...)
	}
	m.mu.Unlock()

	m.metrics.StateTransition(e.Src, e.Dst)
	fields := []logger.Field{
		logger.String("from", e.Src),
		logger.String("to", e.Dst),
		logger.String("event", e.Event),
	}
	if m.session != nil {
		fields = append(fields, logger.String("session_id", string(m.session.ID)))
	}
	m.log.Info(context.Background(), "call state changed", fields...)
	m.publish()
}

// publish обновляет снимок и уведомляет наблюдателей
func (m *Machine) publish() {
	st := m.State()
	v := View{State: st}
	if m.session != nil {
		v.SessionID = m.session.ID
		v.Direction = m.session.Direction
		v.Caller = m.session.Remote
		v.StartedAt = m.session.StartedAt
		v.Muted = m.session.Muted
	}
	v.Ringing = st == StateRinging || (st == StateIncoming && !m.answering)

	m.mu.Lock()
	m.view = v
	m.mu.Unlock()

	for _, fn := range m.onChange {
		fn(v)
	}
}

type nopSink struct{}

func (nopSink) Attach(media.Track) error { return nil }
func (nopSink) Detach()                  {}

type silentTone struct{}

func (silentTone) Start()            {}
func (silentTone) Stop()             {}
func (silentTone) State() tone.State { return tone.Silent }

type nopTracker struct{}

func (nopTracker) Start(time.Time) {}
func (nopTracker) Stop()           {}
func (nopTracker) Seconds() int    { return 0 }
