// Package notify доставляет пользовательские уведомления (toast) в UI слой.
package notify

import (
	"sync"
)

// Severity уровень уведомления
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// Тексты уведомлений, которые показывает UI
const (
	MsgNotRegistered    = "Not registered to SIP server. Please wait for registration."
	MsgPermissionDenied = "Microphone permission denied. Please allow microphone access to make calls."
	MsgCallFailed       = "Call failed. Please try again."
	MsgAnswerFailed     = "Failed to answer call"
	MsgRegisterFailed   = "SIP registration failed"
	MsgCallBusy         = "Another call is already in progress."
)

// Notice одно уведомление
type Notice struct {
	Message  string
	Severity Severity
}

// Notifier принимает уведомления. Реализации не должны блокировать вызывающего.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc адаптер функции к Notifier
type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Discard отбрасывает уведомления
var Discard Notifier = NotifierFunc(func(Notice) {})

// Channel буферизованная очередь уведомлений.
// При переполнении самое старое уведомление вытесняется.
type Channel struct {
	mu     sync.Mutex
	ch     chan Notice
	closed bool
	onSend func(Notice)
}

// NewChannel создает очередь заданной емкости
func NewChannel(capacity int) *Channel {
	if capacity <= 0 {
		capacity = 16
	}
	return &Channel{ch: make(chan Notice, capacity)}
}

// OnSend регистрирует наблюдателя, вызываемого для каждого уведомления (например, метрики)
func (c *Channel) OnSend(fn func(Notice)) {
	c.mu.Lock()
	c.onSend = fn
	c.mu.Unlock()
}

// Notify кладет уведомление в очередь без блокировки
func (c *Channel) Notify(n Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.onSend != nil {
		c.onSend(n)
	}
	for {
		select {
		case c.ch <- n:
			return
		default:
		}
		select {
		case <-c.ch:
		default:
		}
	}
}

// C канал для чтения уведомлений
func (c *Channel) C() <-chan Notice {
	return c.ch
}

// Close закрывает канал. Повторный вызов безопасен.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
