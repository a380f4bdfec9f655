// Package phone собирает контроллеры софтфона в один объект для UI слоя.
//
// Phone владеет циклом событий, контроллером регистрации, машиной звонка,
// сигналами вызова, приемником звука и счетчиком длительности. UI читает
// состояние через Status/Subscribe, получает уведомления из Notices и
// передает жесты пользователя через Interact.
package phone

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/call"
	"github.com/arzzra/phonify/pkg/duration"
	"github.com/arzzra/phonify/pkg/eventloop"
	"github.com/arzzra/phonify/pkg/interaction"
	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/media"
	"github.com/arzzra/phonify/pkg/metrics"
	"github.com/arzzra/phonify/pkg/notify"
	"github.com/arzzra/phonify/pkg/registration"
	"github.com/arzzra/phonify/pkg/status"
	"github.com/arzzra/phonify/pkg/tone"
	"github.com/arzzra/phonify/pkg/transport"
)

// Options зависимости телефона. Transport обязателен.
type Options struct {
	Transport   transport.Transport
	Permissions media.Permissions

	// Output создает устройство вывода. Вызывается для приемника звонка и каждого сигнала.
	Output media.OutputFactory
	// RequireGesture запрещает звук до первого жеста пользователя
	RequireGesture bool
	Ringback       tone.SynthConfig
	// Ringtone мелодия входящего звонка. nil - синтезированный сигнал.
	Ringtone *audio.Clip

	Domain        string
	Registration  registration.Config
	HangupTimeout time.Duration
	NoticeBuffer  int

	Clock   duration.Clock
	Logger  logger.StructuredLogger
	Metrics *metrics.Collector
}

// Phone фасад софтфона
type Phone struct {
	log     logger.StructuredLogger
	metrics *metrics.Collector

	loop      *eventloop.Loop
	bus       *interaction.Bus
	policy    *audio.Policy
	tr        transport.Transport
	reg       *registration.Controller
	machine   *call.Machine
	sink      *media.SinkManager
	ringback  tone.Generator
	ringtone  tone.Generator
	tracker   *duration.Tracker
	projector *status.Projector
	notices   *notify.Channel

	mu          sync.Mutex
	initialized bool
	closed      bool
	cancel      context.CancelFunc
	pump        sync.WaitGroup
	priming     *interaction.Subscription
}

// New собирает телефон и запускает цикл событий с приемом событий транспорта.
func New(opts Options) (*Phone, error) {
	if opts.Transport == nil {
		return nil, errors.New("phone: transport is required")
	}
	if opts.Output == nil {
		opts.Output = func() (audio.Output, error) { return audio.NewDiscard(), nil }
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = duration.SystemClock{}
	}
	if len(opts.Ringback.Frequencies) == 0 {
		opts.Ringback = tone.DefaultRingback()
	}
	if opts.Registration.Timeout == 0 {
		opts.Registration = registration.DefaultConfig()
	}

	p := &Phone{
		log:       opts.Logger.WithComponent("phone"),
		metrics:   opts.Metrics,
		loop:      eventloop.New(),
		bus:       interaction.NewBus(),
		tr:        opts.Transport,
		projector: status.NewProjector(),
		notices:   notify.NewChannel(opts.NoticeBuffer),
	}
	p.notices.OnSend(func(n notify.Notice) { p.metrics.Notice(string(n.Severity)) })
	p.policy = audio.NewPolicy(p.bus, opts.RequireGesture)

	gated := func() (audio.Output, error) {
		out, err := opts.Output()
		if err != nil {
			return nil, err
		}
		return p.policy.Gate(out), nil
	}

	ringbackOut, err := gated()
	if err != nil {
		return nil, err
	}
	ringtoneOut, err := gated()
	if err != nil {
		_ = ringbackOut.Close()
		return nil, err
	}
	toneOpts := []tone.Option{tone.WithLogger(opts.Logger)}
	p.ringback = tone.NewRingback(opts.Ringback, ringbackOut, p.bus, toneOpts...)
	if opts.Ringtone != nil {
		p.ringtone = tone.NewRingtone(opts.Ringtone, ringtoneOut, p.bus, toneOpts...)
	} else {
		p.ringtone = tone.NewPlayer("ringtone", tone.NewSynth(opts.Ringback), ringtoneOut, p.bus, toneOpts...)
	}

	p.sink = media.NewSinkManager(gated, p.bus, opts.Logger)
	p.tracker = duration.NewTracker(
		duration.WithClock(opts.Clock),
		duration.WithOnTick(p.postTick),
	)

	p.reg = registration.New(p.loop, p.tr,
		registration.WithLogger(opts.Logger),
		registration.WithNotifier(p.notices),
		registration.WithMetrics(opts.Metrics),
		registration.WithConfig(opts.Registration),
	)
	p.reg.OnChange(p.projector.SetRegistration)

	p.machine, err = call.New(call.Config{
		Loop:          p.loop,
		Transport:     p.tr,
		Registration:  p.reg,
		Permissions:   opts.Permissions,
		Sink:          p.sink,
		Ringback:      p.ringback,
		Ringtone:      p.ringtone,
		Tracker:       p.tracker,
		Notifier:      p.notices,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		Domain:        opts.Domain,
		HangupTimeout: opts.HangupTimeout,
		Now:           opts.Clock.Now,
	})
	if err != nil {
		return nil, err
	}
	p.machine.OnChange(p.projector.SetCall)

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.loop.Start(runCtx)
	p.pump.Add(1)
	go p.pumpEvents(runCtx)
	return p, nil
}

// postTick передает тик счетчика в снимок через цикл событий.
// Тик прошлого звонка, дошедший до цикла после старта следующего, отбрасывается.
func (p *Phone) postTick(gen uint64, seconds int) {
	p.loop.Post(func() {
		if p.tracker.Current(gen) {
			p.projector.SetDuration(seconds)
		}
	})
}

// Initialize готовит вывод звука к первому жесту и регистрирует аккаунт.
// Повторный вызов только повторяет регистрацию, если она не активна.
func (p *Phone) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return eventloop.ErrClosed
	}
	if p.priming == nil {
		p.priming = p.bus.Once(p.primeAudio)
	}
	p.mu.Unlock()

	if err := p.reg.Register(ctx); err != nil {
		p.log.Warn(ctx, "initial registration failed", logger.Err(err))
		return err
	}

	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	return p.loop.Do(context.Background(), func() { p.projector.SetInitialized(true) })
}

// primeAudio создает приемник звука на первом жесте, пока воспроизведение разрешено
func (p *Phone) primeAudio(ev interaction.Event) {
	if _, err := p.sink.EnsureSink(); err != nil {
		p.log.Warn(context.Background(), "audio priming failed", logger.Err(err))
		return
	}
	p.log.Debug(context.Background(), "audio primed", logger.String("gesture", ev.Kind.String()))
}

// pumpEvents передает события транспорта в машину звонка до закрытия канала
func (p *Phone) pumpEvents(ctx context.Context) {
	defer p.pump.Done()
	events := p.tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.machine.HandleEvent(ctx, ev); err != nil {
				if errors.Is(err, eventloop.ErrClosed) || ctx.Err() != nil {
					return
				}
				p.log.Debug(ctx, "transport event dropped", logger.Err(err))
			}
		}
	}
}

// Status текущий снимок состояния
func (p *Phone) Status() status.Snapshot { return p.projector.Current() }

// Subscribe канал снимков состояния и функция отписки
func (p *Phone) Subscribe() (<-chan status.Snapshot, func()) { return p.projector.Subscribe() }

// Notices уведомления для пользователя
func (p *Phone) Notices() <-chan notify.Notice { return p.notices.C() }

// History последние переходы машины звонка
func (p *Phone) History() []call.Transition { return p.machine.History() }

// Initialized завершена ли инициализация
func (p *Phone) Initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

// Interact сообщает о жесте пользователя (клик, касание, клавиша)
func (p *Phone) Interact(kind interaction.Kind) {
	p.bus.Dispatch(interaction.Event{Kind: kind})
}

func (p *Phone) StartCall(ctx context.Context, target string) error {
	return p.machine.StartCall(ctx, target)
}

func (p *Phone) AnswerCall(ctx context.Context) error { return p.machine.AnswerCall(ctx) }
func (p *Phone) RejectCall(ctx context.Context) error { return p.machine.RejectCall(ctx) }
func (p *Phone) EndCall(ctx context.Context) error    { return p.machine.EndCall(ctx) }
func (p *Phone) Mute(ctx context.Context) error       { return p.machine.Mute(ctx) }
func (p *Phone) Unmute(ctx context.Context) error     { return p.machine.Unmute(ctx) }
func (p *Phone) ToggleMute(ctx context.Context) error { return p.machine.ToggleMute(ctx) }

// Cleanup завершает звонок, снимает регистрацию и сбрасывает флаг инициализации.
// Телефон можно инициализировать заново.
func (p *Phone) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.initialized = false
	p.mu.Unlock()
	if closed {
		return nil
	}

	err := errors.Join(
		p.machine.Cleanup(ctx),
		p.reg.Unregister(ctx),
		p.loop.Do(ctx, func() { p.projector.SetInitialized(false) }),
	)
	p.log.Info(ctx, "phone cleaned up")
	return err
}

// Close освобождает все ресурсы. После Close телефон не используется.
func (p *Phone) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cleanupErr := p.Cleanup(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stop := p.cancel
	p.mu.Unlock()

	p.priming.Cancel()
	p.ringback.Stop()
	p.ringtone.Stop()
	p.tracker.Stop()

	trErr := p.tr.Close()
	stop()
	p.pump.Wait()
	p.loop.Close()
	sinkErr := p.sink.Close()
	p.notices.Close()
	return errors.Join(cleanupErr, trErr, sinkErr)
}
