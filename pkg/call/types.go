package call

import (
	"fmt"
	"strings"
	"time"

	"github.com/arzzra/phonify/pkg/media"
	"github.com/arzzra/phonify/pkg/transport"
)

// State состояние звонка
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateRinging    State = "ringing"
	StateIncoming   State = "incoming"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

func (s State) String() string { return string(s) }

// Live есть ли незавершенная сессия в этом состоянии
func (s State) Live() bool {
	switch s {
	case StateConnecting, StateRinging, StateIncoming, StateActive:
		return true
	}
	return false
}

// Event событие автомата звонка
type Event string

const (
	EventDial      Event = "dial"
	EventProgress  Event = "progress"
	EventInvite    Event = "invite"
	EventAnswer    Event = "answer"
	EventEstablish Event = "establish"
	EventAbort     Event = "abort"
	EventTerminate Event = "terminate"
	EventReset     Event = "reset"
)

// Direction направление звонка
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Caller данные собеседника для отображения
type Caller struct {
	Name        string
	Number      string
	URI         string
	DisplayName string
}

const (
	unknownCallerName = "Unknown Caller"
	unknownDisplay    = "Unknown"
)

// CallerFromIdentity данные входящего звонящего
func CallerFromIdentity(id transport.Identity) Caller {
	c := Caller{
		Name:        id.DisplayName,
		Number:      id.Number,
		URI:         id.URI,
		DisplayName: id.DisplayName,
	}
	if c.Name == "" {
		c.Name = unknownCallerName
	}
	if c.DisplayName == "" {
		c.DisplayName = unknownDisplay
	}
	return c
}

// CallerForTarget данные вызываемого абонента при исходящем звонке
func CallerForTarget(target, domain string) Caller {
	uri := target
	if !hasScheme(target) && domain != "" {
		uri = fmt.Sprintf("sip:%s@%s", target, domain)
	}
	number := target
	if parsed := transport.ParseIdentity("", uri); parsed.Number != "" {
		number = parsed.Number
	}
	return Caller{Name: target, Number: number, URI: uri, DisplayName: target}
}

func hasScheme(s string) bool {
	return strings.HasPrefix(s, "sip:") || strings.HasPrefix(s, "sips:")
}

// Session данные текущей сессии. Принадлежит циклу событий.
type Session struct {
	ID        transport.SessionID
	Direction Direction
	Remote    Caller
	StartedAt time.Time
	Muted     bool
}

// View потокобезопасный снимок звонка для UI
type View struct {
	State     State
	SessionID transport.SessionID
	Direction Direction
	Caller    Caller
	StartedAt time.Time
	Muted     bool
	// Ringing звучит сигнал вызова (входящий звонок или гудок исходящего)
	Ringing bool
}

// Active звонок в активном состоянии
func (v View) Active() bool { return v.State == StateActive }

// Transition запись журнала переходов
type Transition struct {
	From  State
	To    State
	Event Event
	At    time.Time
}

// Registrar то, что машине нужно от контроллера регистрации
type Registrar interface {
	Registered() bool
	Apply(ev transport.RegistrationEvent)
}

// Sink приемник удаленного звука
type Sink interface {
	Attach(track media.Track) error
	Detach()
}

// Tracker счетчик длительности
type Tracker interface {
	Start(epoch time.Time)
	Stop()
	Seconds() int
}
