// Package transport описывает возможности сигнального транспорта, которыми
// пользуется контроллер звонков, и типизированный поток его событий.
//
// Конкретная реализация поверх SIP находится в пакете sipua.
package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// SessionID идентификатор сессии транспорта. Генерируется контроллером.
type SessionID string

// Transport узкий интерфейс сигнального стека.
//
// Все методы, кроме SessionState и Events, могут блокироваться на время сетевого
// обмена и должны вызываться вне цикла событий контроллера.
type Transport interface {
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error

	// Invite начинает исходящий звонок на target (номер или SIP URI)
	Invite(ctx context.Context, id SessionID, target string) error
	// Accept отвечает на входящий звонок
	Accept(ctx context.Context, id SessionID) error
	// Reject отклоняет входящий звонок
	Reject(ctx context.Context, id SessionID) error
	// Bye завершает установленный или устанавливаемый звонок
	Bye(ctx context.Context, id SessionID) error
	// Mute включает или выключает передачу исходящего аудио
	Mute(ctx context.Context, id SessionID, muted bool) error

	// SessionState неблокирующий запрос состояния сессии на стороне транспорта
	SessionState(id SessionID) SessionState

	// Events поток событий. Закрывается после Close.
	Events() <-chan Event
	Close() error
}

// Identity данные удаленной стороны
type Identity struct {
	DisplayName string
	URI         string
	Number      string
}

var numberRe = regexp.MustCompile(`^sips?:([^@;]+)@`)

// ParseIdentity собирает Identity из display name и URI.
// Номер берется из user части URI.
func ParseIdentity(displayName, uri string) Identity {
	id := Identity{DisplayName: displayName, URI: uri}
	if m := numberRe.FindStringSubmatch(uri); m != nil {
		id.Number = m[1]
	}
	return id
}

// StatusError финальный отказ удаленной стороны или регистратора
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

// StatusOf извлекает код и причину из ошибки транспорта
func StatusOf(err error) (code int, reason string) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, se.Reason
	}
	if err != nil {
		return 0, err.Error()
	}
	return 0, ""
}
