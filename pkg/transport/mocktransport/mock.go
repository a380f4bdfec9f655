// Package mocktransport программируемый транспорт в памяти.
//
// Записывает все вызовы, позволяет подменять ошибки операций, задерживать
// операции до явного освобождения и вручную публиковать события. В режиме
// Auto отвечает как доброжелательный сервер: регистрирует, соединяет, завершает.
package mocktransport

import (
	"context"
	"errors"
	"sync"

	"github.com/arzzra/phonify/pkg/transport"
)

// Операции транспорта
const (
	OpRegister   = "register"
	OpUnregister = "unregister"
	OpInvite     = "invite"
	OpAccept     = "accept"
	OpReject     = "reject"
	OpBye        = "bye"
	OpMute       = "mute"
)

// ErrClosed транспорт закрыт
var ErrClosed = errors.New("mock transport closed")

// Call запись о вызове
type Call struct {
	Op      string
	Session transport.SessionID
	Target  string
	Muted   bool
}

// Transport программируемый транспорт
type Transport struct {
	// Auto автоматически публикует ожидаемые события успешных операций
	Auto bool

	mu     sync.Mutex
	events chan transport.Event
	calls  []Call
	errs   map[string]error
	gates  map[string]chan struct{}
	states map[transport.SessionID]transport.SessionState
	closed bool
	done   chan struct{}
	notify chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New создает транспорт с буфером событий
func New() *Transport {
	return &Transport{
		events: make(chan transport.Event, 256),
		errs:   make(map[string]error),
		gates:  make(map[string]chan struct{}),
		states: make(map[transport.SessionID]transport.SessionState),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// NewAuto создает транспорт в режиме Auto
func NewAuto() *Transport {
	t := New()
	t.Auto = true
	return t
}

// SetError задает ошибку операции. nil снимает ошибку.
func (t *Transport) SetError(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.errs, op)
		return
	}
	t.errs[op] = err
}

// Hold задерживает операцию op до вызова release. Вызов уже записан к моменту ожидания.
func (t *Transport) Hold(op string) (release func()) {
	ch := make(chan struct{})
	t.mu.Lock()
	t.gates[op] = ch
	t.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.gates[op] == ch {
				delete(t.gates, op)
			}
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Emit публикует событие
func (t *Transport) Emit(ev transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.events <- ev
}

// SetSessionState задает состояние, которое вернет SessionState
func (t *Transport) SetSessionState(id transport.SessionID, st transport.SessionState) {
	t.mu.Lock()
	t.states[id] = st
	t.mu.Unlock()
}

// Calls копия журнала вызовов
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallsOf вызовы указанной операции
func (t *Transport) CallsOf(op string) []Call {
	var out []Call
	for _, c := range t.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count количество вызовов операции
func (t *Transport) Count(op string) int {
	return len(t.CallsOf(op))
}

// Called канал, который сигналит после каждого записанного вызова
func (t *Transport) Called() <-chan struct{} {
	return t.notify
}

func (t *Transport) record(ctx context.Context, c Call) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.calls = append(t.calls, c)
	gate := t.gates[c.Op]
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-t.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errs[c.Op]
}

func (t *Transport) setState(id transport.SessionID, st transport.SessionState) {
	t.mu.Lock()
	t.states[id] = st
	t.mu.Unlock()
}

func (t *Transport) auto(evs ...transport.Event) {
	if !t.Auto {
		return
	}
	for _, ev := range evs {
		t.Emit(ev)
	}
}

func (t *Transport) Register(ctx context.Context) error {
	if err := t.record(ctx, Call{Op: OpRegister}); err != nil {
		t.auto(transport.RegistrationEvent{Phase: transport.RegistrationRejected, Reason: err.Error()})
		return err
	}
	t.auto(transport.RegistrationEvent{Phase: transport.RegistrationRegistered})
	return nil
}

func (t *Transport) Unregister(ctx context.Context) error {
	if err := t.record(ctx, Call{Op: OpUnregister}); err != nil {
		return err
	}
	t.auto(transport.RegistrationEvent{Phase: transport.RegistrationUnregistered})
	return nil
}

func (t *Transport) Invite(ctx context.Context, id transport.SessionID, target string) error {
	t.setState(id, transport.SessionConnecting)
	if err := t.record(ctx, Call{Op: OpInvite, Session: id, Target: target}); err != nil {
		t.setState(id, transport.SessionTerminated)
		return err
	}
	t.auto(
		transport.SessionEvent{Session: id, State: transport.SessionEstablishing},
		transport.SessionEvent{Session: id, State: transport.SessionEstablished},
	)
	if t.Auto {
		t.setState(id, transport.SessionEstablished)
	}
	return nil
}

func (t *Transport) Accept(ctx context.Context, id transport.SessionID) error {
	if err := t.record(ctx, Call{Op: OpAccept, Session: id}); err != nil {
		return err
	}
	t.setState(id, transport.SessionEstablished)
	t.auto(transport.SessionEvent{Session: id, State: transport.SessionEstablished})
	return nil
}

func (t *Transport) Reject(ctx context.Context, id transport.SessionID) error {
	if err := t.record(ctx, Call{Op: OpReject, Session: id}); err != nil {
		return err
	}
	t.setState(id, transport.SessionTerminated)
	t.auto(transport.SessionEvent{Session: id, State: transport.SessionTerminated})
	return nil
}

func (t *Transport) Bye(ctx context.Context, id transport.SessionID) error {
	t.setState(id, transport.SessionTerminating)
	if err := t.record(ctx, Call{Op: OpBye, Session: id}); err != nil {
		return err
	}
	t.setState(id, transport.SessionTerminated)
	t.auto(transport.SessionEvent{Session: id, State: transport.SessionTerminated})
	return nil
}

func (t *Transport) Mute(ctx context.Context, id transport.SessionID, muted bool) error {
	return t.record(ctx, Call{Op: OpMute, Session: id, Muted: muted})
}

func (t *Transport) SessionState(id transport.SessionID) transport.SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[id]
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

// Close закрывает поток событий. Повторный вызов безопасен.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	close(t.events)
	return nil
}
