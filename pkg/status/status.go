// Package status собирает отображаемое состояние телефона в один снимок.
//
// Projector получает изменения регистрации, звонка и длительности из цикла
// событий и рассылает подписчикам последний снимок. Медленный подписчик не
// блокирует цикл: в его канале всегда лежит только самый свежий снимок.
package status

import (
	"sync"

	"github.com/arzzra/phonify/pkg/call"
	"github.com/arzzra/phonify/pkg/duration"
	"github.com/arzzra/phonify/pkg/registration"
)

// Snapshot состояние для UI
type Snapshot struct {
	Registration       registration.State `json:"registration"`
	RegistrationReason string             `json:"registration_reason,omitempty"`
	Initialized        bool               `json:"initialized"`

	Call         call.State     `json:"call"`
	Active       bool           `json:"active"`
	Direction    call.Direction `json:"direction,omitempty"`
	Caller       call.Caller    `json:"caller"`
	Muted        bool           `json:"muted"`
	Ringing      bool           `json:"ringing"`
	Duration     int            `json:"duration"`
	DurationText string         `json:"duration_text"`
}

// Registered клиент зарегистрирован
func (s Snapshot) Registered() bool {
	return s.Registration == registration.StateRegistered
}

// Projector хранит текущий снимок и рассылает его подписчикам
type Projector struct {
	mu     sync.Mutex
	cur    Snapshot
	subs   map[int]chan Snapshot
	nextID int
}

// NewProjector создает проектор с начальным снимком
func NewProjector() *Projector {
	return &Projector{
		cur: Snapshot{
			Registration: registration.StateUnregistered,
			Call:         call.StateIdle,
			DurationText: duration.Format(0),
		},
		subs: make(map[int]chan Snapshot),
	}
}

// Current последний снимок
func (p *Projector) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// SetRegistration применяет статус регистрации
func (p *Projector) SetRegistration(st registration.Status) {
	p.update(func(s *Snapshot) {
		s.Registration = st.State
		s.RegistrationReason = st.Reason
	})
}

// SetInitialized отмечает завершение инициализации
func (p *Projector) SetInitialized(v bool) {
	p.update(func(s *Snapshot) { s.Initialized = v })
}

// SetCall применяет снимок звонка. Вне Active длительность обнуляется.
func (p *Projector) SetCall(v call.View) {
	p.update(func(s *Snapshot) {
		s.Call = v.State
		s.Active = v.Active()
		s.Direction = v.Direction
		s.Caller = v.Caller
		s.Muted = v.Muted
		s.Ringing = v.Ringing
		if !s.Active {
			s.Duration = 0
			s.DurationText = duration.Format(0)
		}
	})
}

// SetDuration применяет значение счетчика длительности
func (p *Projector) SetDuration(seconds int) {
	p.update(func(s *Snapshot) {
		s.Duration = seconds
		s.DurationText = duration.Format(seconds)
	})
}

// Subscribe возвращает канал снимков и функцию отписки.
// Текущий снимок доступен в канале сразу.
func (p *Projector) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	ch <- p.cur
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Projector) update(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cur
	fn(&next)
	if next == p.cur {
		return
	}
	p.cur = next
	for _, ch := range p.subs {
		// вытесняем непрочитанный снимок
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}
