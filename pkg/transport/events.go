package transport

import (
	"github.com/arzzra/phonify/pkg/media"
)

// Event событие транспорта. Набор реализаций закрыт.
type Event interface {
	isEvent()
}

// RegistrationPhase фаза регистрации
type RegistrationPhase int

const (
	RegistrationRegistering RegistrationPhase = iota
	RegistrationRegistered
	RegistrationRejected
	RegistrationUnregistered
)

func (p RegistrationPhase) String() string {
	switch p {
	case RegistrationRegistering:
		return "registering"
	case RegistrationRegistered:
		return "registered"
	case RegistrationRejected:
		return "rejected"
	case RegistrationUnregistered:
		return "unregistered"
	default:
		return "unknown"
	}
}

// RegistrationEvent изменение состояния регистрации
type RegistrationEvent struct {
	Phase  RegistrationPhase
	Reason string
	Code   int
}

// SessionState состояние сессии на стороне транспорта
type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionConnecting
	SessionEstablishing
	SessionEstablished
	SessionTerminating
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionEstablishing:
		return "establishing"
	case SessionEstablished:
		return "established"
	case SessionTerminating:
		return "terminating"
	case SessionTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Ending сессия завершается или уже завершена
func (s SessionState) Ending() bool {
	return s == SessionTerminating || s == SessionTerminated
}

// SessionEvent изменение состояния сессии
type SessionEvent struct {
	Session SessionID
	State   SessionState
	// Code финальный SIP код для Terminated (0, если завершено BYE/CANCEL)
	Code   int
	Reason string
}

// IncomingInvite входящий звонок. Session назначен транспортом.
type IncomingInvite struct {
	Session SessionID
	Remote  Identity
}

// TrackEvent удаленный аудио трек стал доступен
type TrackEvent struct {
	Session SessionID
	Track   media.Track
}

// ConnectionStateEvent диагностическое состояние медиа соединения
type ConnectionStateEvent struct {
	Session SessionID
	State   string
}

func (RegistrationEvent) isEvent()    {}
func (SessionEvent) isEvent()         {}
func (IncomingInvite) isEvent()       {}
func (TrackEvent) isEvent()           {}
func (ConnectionStateEvent) isEvent() {}
