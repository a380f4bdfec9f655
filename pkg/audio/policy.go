package audio

import (
	"sync/atomic"

	"github.com/arzzra/phonify/pkg/interaction"
)

// Policy политика автозапуска: до первого жеста пользователя воспроизведение запрещено.
type Policy struct {
	unlocked atomic.Bool
	sub      *interaction.Subscription
}

// NewPolicy создает политику. При requireGesture=false звук разрешен сразу.
//
// Политика подписывается на шину при создании, поэтому ее разблокировка
// срабатывает раньше подписчиков, зарегистрированных позже на тот же жест.
func NewPolicy(bus *interaction.Bus, requireGesture bool) *Policy {
	p := &Policy{}
	if !requireGesture || bus == nil {
		p.unlocked.Store(true)
		return p
	}
	p.sub = bus.Once(func(interaction.Event) {
		p.unlocked.Store(true)
	})
	return p
}

// Unlocked разрешено ли воспроизведение
func (p *Policy) Unlocked() bool {
	return p.unlocked.Load()
}

// Unlock снимает блокировку вручную
func (p *Policy) Unlock() {
	p.unlocked.Store(true)
	p.sub.Cancel()
}

// Gate оборачивает устройство: Play возвращает ErrAutoplayBlocked, пока политика заблокирована
func (p *Policy) Gate(out Output) Output {
	return &gatedOutput{Output: out, policy: p}
}

type gatedOutput struct {
	Output
	policy *Policy
}

func (g *gatedOutput) Play() error {
	if !g.policy.Unlocked() {
		return ErrAutoplayBlocked
	}
	return g.Output.Play()
}
