// Package interaction разносит жесты пользователя (клик, касание, нажатие клавиши).
//
// Воспроизведение звука разрешается только после первого жеста, поэтому
// компоненты, которым отказали в воспроизведении, подписываются на следующий
// жест одноразово через Once.
package interaction

import (
	"sync"
	"time"
)

// Kind тип жеста
type Kind int

const (
	Click Kind = iota
	Touch
	KeyPress
)

// AllKinds жесты, снимающие блокировку воспроизведения
var AllKinds = []Kind{Click, Touch, KeyPress}

func (k Kind) String() string {
	switch k {
	case Click:
		return "click"
	case Touch:
		return "touchstart"
	case KeyPress:
		return "keydown"
	default:
		return "unknown"
	}
}

// Event жест пользователя
type Event struct {
	Kind Kind
	At   time.Time
}

type listener struct {
	id    uint64
	kinds map[Kind]struct{}
	fn    func(Event)
}

// Bus шина жестов. Потокобезопасна.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []*listener
}

// NewBus создает пустую шину
func NewBus() *Bus {
	return &Bus{}
}

// Subscription одноразовая подписка
type Subscription struct {
	bus *Bus
	id  uint64
}

// Cancel снимает подписку. Безопасно для nil и повторного вызова.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.id)
}

// Once регистрирует fn на первый жест любого из kinds (по умолчанию AllKinds).
// После срабатывания подписка снимается со всех видов жестов сразу.
func (b *Bus) Once(fn func(Event), kinds ...Kind) *Subscription {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	l := &listener{kinds: make(map[Kind]struct{}, len(kinds)), fn: fn}
	for _, k := range kinds {
		l.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	l.id = b.nextID
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()

	return &Subscription{bus: b, id: l.id}
}

// Dispatch доставляет жест подписчикам в порядке регистрации.
// Обработчики вызываются вне блокировки и могут подписываться повторно.
func (b *Bus) Dispatch(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	var fire []*listener
	kept := b.listeners[:0]
	for _, l := range b.listeners {
		if _, ok := l.kinds[ev.Kind]; ok {
			fire = append(fire, l)
			continue
		}
		kept = append(kept, l)
	}
	for i := len(kept); i < len(b.listeners); i++ {
		b.listeners[i] = nil
	}
	b.listeners = kept
	b.mu.Unlock()

	for _, l := range fire {
		l.fn(ev)
	}
}

// Len количество активных подписок
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}
