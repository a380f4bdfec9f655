// Package callerr описывает таксономию ошибок контроллера звонков.
//
// Каждая ошибка несет код, по которому работает errors.Is, уровень
// критичности и признак видимости пользователю. Сообщение для пользователя
// (Notice) формирует вызывающая сторона.
package callerr

import (
	"errors"
	"fmt"
	"time"
)

// Code код ошибки
type Code string

const (
	// Пользователь отказал в доступе к микрофону
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// Исходящий звонок без активной регистрации
	CodeNotRegistered Code = "NOT_REGISTERED"
	// Транспорт отклонил регистрацию, invite, answer и т.п.
	CodeTransportRejected Code = "TRANSPORT_REJECTED"
	// Команда не допустима в текущем состоянии
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	// Не удалось подготовить медиа ресурс
	CodeResourceSetupFailure Code = "RESOURCE_SETUP_FAILURE"
	// Уже есть активная сессия
	CodeSessionBusy Code = "SESSION_BUSY"
)

func (c Code) String() string { return string(c) }

// Severity уровень критичности ошибки
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Error структурированная ошибка с контекстом
type Error struct {
	Code     Code     `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`

	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Fields      map[string]interface{} `json:"fields,omitempty"`
	Cause       error                  `json:"-"`
	UserVisible bool                   `json:"user_visible"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session: %s)", e.SessionID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap позволяет использовать errors.Is и errors.As для исходной ошибки
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithField добавляет дополнительное поле к ошибке
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSession привязывает ошибку к сессии
func (e *Error) WithSession(id string) *Error {
	e.SessionID = id
	return e
}

// WithState фиксирует состояние, в котором произошла ошибка
func (e *Error) WithState(state string) *Error {
	e.State = state
	return e
}

// New создает новую структурированную ошибку
func New(code Code, message string, severity Severity) *Error {
	return &Error{
		Code:        code,
		Message:     message,
		Severity:    severity,
		Timestamp:   time.Now(),
		UserVisible: severity == SeverityError,
	}
}

// Сентинелы для errors.Is
var (
	ErrPermissionDenied     = &Error{Code: CodePermissionDenied}
	ErrNotRegistered        = &Error{Code: CodeNotRegistered}
	ErrTransportRejected    = &Error{Code: CodeTransportRejected}
	ErrInvalidTransition    = &Error{Code: CodeInvalidTransition}
	ErrResourceSetupFailure = &Error{Code: CodeResourceSetupFailure}
	ErrSessionBusy          = &Error{Code: CodeSessionBusy}
)

// Предопределенные конструкторы

func PermissionDenied(cause error) *Error {
	return New(CodePermissionDenied, "microphone permission denied", SeverityError).WithCause(cause)
}

func NotRegistered() *Error {
	return New(CodeNotRegistered, "not registered to SIP server", SeverityError)
}

func TransportRejected(op string, cause error) *Error {
	return New(CodeTransportRejected, op+" rejected by transport", SeverityError).
		WithCause(cause).
		WithField("operation", op)
}

func InvalidTransition(command, state string) *Error {
	e := New(CodeInvalidTransition, fmt.Sprintf("%s is not allowed in state %s", command, state), SeverityInfo).
		WithField("command", command).
		WithState(state)
	e.UserVisible = false
	return e
}

func ResourceSetupFailure(resource string, cause error) *Error {
	e := New(CodeResourceSetupFailure, resource+" setup failed", SeverityWarning).
		WithCause(cause).
		WithField("resource", resource)
	return e
}

func SessionBusy(active string) *Error {
	return New(CodeSessionBusy, "another call is in progress", SeverityWarning).WithSession(active)
}

// CodeOf возвращает код ошибки или пустую строку для посторонних ошибок
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
