// Package tone генерирует звуковые сигналы вызова: гудок обратного вызова
// (ringback) для исходящих и мелодию звонка для входящих.
package tone

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/interaction"
	"github.com/arzzra/phonify/pkg/logger"
)

// State состояние генератора
type State int

const (
	Silent State = iota
	Ringing
)

func (s State) String() string {
	if s == Ringing {
		return "ringing"
	}
	return "silent"
}

// FrameDuration длительность одного фрейма
const FrameDuration = 20 * time.Millisecond

// FrameSamples отсчетов во фрейме
const FrameSamples = audio.SampleRate / 1000 * 20

// Generator сигнал вызова.
// Start идемпотентен. Stop освобождает устройство и безопасен без Start.
type Generator interface {
	Start()
	Stop()
	State() State
}

// Source выдает PCM16 для n-го фрейма
type Source interface {
	Frame(n int) []byte
}

// Option опция плеера
type Option func(*Player)

// WithFrameInterval задает период выдачи фреймов (в тестах ускоряет воспроизведение)
func WithFrameInterval(d time.Duration) Option {
	return func(p *Player) { p.interval = d }
}

// WithLogger задает логгер
func WithLogger(l logger.StructuredLogger) Option {
	return func(p *Player) { p.log = l }
}

// Player проигрывает Source в устройство вывода с учетом политики автозапуска
type Player struct {
	name     string
	out      audio.Output
	bus      *interaction.Bus
	src      Source
	interval time.Duration
	log      logger.StructuredLogger

	mu    sync.Mutex
	state State
	stop  chan struct{}
	done  chan struct{}
	retry *interaction.Subscription
}

var _ Generator = (*Player)(nil)

// NewPlayer создает плеер. bus может быть nil, тогда повтор после жеста не выполняется.
func NewPlayer(name string, src Source, out audio.Output, bus *interaction.Bus, opts ...Option) *Player {
	p := &Player{
		name:     name,
		out:      out,
		bus:      bus,
		src:      src,
		interval: FrameDuration,
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithComponent("tone").WithFields(logger.String("tone", name))
	return p
}

// Start начинает воспроизведение. Повторный вызов ничего не делает.
func (p *Player) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Ringing {
		return
	}
	p.state = Ringing

	if err := p.out.Play(); err != nil {
		if errors.Is(err, audio.ErrAutoplayBlocked) && p.bus != nil {
			p.log.Info(context.Background(), "playback blocked, waiting for user interaction")
			p.retry = p.bus.Once(p.onGesture)
		} else {
			p.log.LogError(context.Background(), err, "failed to start playback")
		}
	}

	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.stop, p.done)
}

// Stop останавливает воспроизведение и ждет завершения горутины фреймов
func (p *Player) Stop() {
	p.mu.Lock()
	if p.state == Silent {
		p.mu.Unlock()
		return
	}
	p.state = Silent
	p.retry.Cancel()
	p.retry = nil
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	p.out.Pause()
}

// State текущее состояние
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// pendingRetry есть ли подписка на жест пользователя
func (p *Player) pendingRetry() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retry != nil
}

func (p *Player) onGesture(interaction.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Ringing || p.retry == nil {
		return
	}
	p.retry = nil
	if err := p.out.Play(); err != nil {
		p.log.Warn(context.Background(), "playback retry failed", logger.Err(err))
		return
	}
	p.log.Debug(context.Background(), "playback resumed after user interaction")
}

func (p *Player) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		if _, err := p.out.Write(p.src.Frame(n)); err != nil {
			p.log.Debug(context.Background(), "tone write failed", logger.Err(err))
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
