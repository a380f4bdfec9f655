package media

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/callerr"
	"github.com/arzzra/phonify/pkg/interaction"
	"github.com/arzzra/phonify/pkg/logger"
)

// OutputFactory создает устройство вывода для приемника
type OutputFactory func() (audio.Output, error)

// Sink скрытый приемник удаленного звука. Один на процесс, переиспользуется между звонками.
type Sink struct {
	out audio.Output
	bus *interaction.Bus
	log logger.StructuredLogger

	mu    sync.Mutex
	track Track
	gen   uint64
	retry *interaction.Subscription
}

// Track подключенный трек или nil
func (s *Sink) Track() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Muted приемник не воспроизводит звук (нет трека или автозапуск заблокирован)
func (s *Sink) Muted() bool {
	return !s.out.Playing()
}

func (s *Sink) attach(track Track) {
	s.mu.Lock()
	s.retry.Cancel()
	s.retry = nil
	s.gen++
	gen := s.gen
	s.track = track

	if err := s.out.Play(); err != nil {
		if errors.Is(err, audio.ErrAutoplayBlocked) && s.bus != nil {
			s.log.Info(context.Background(), "remote audio blocked, waiting for user interaction",
				logger.String("track", track.ID()))
			s.retry = s.bus.Once(func(interaction.Event) { s.resume(gen) })
		} else {
			s.log.LogError(context.Background(), err, "failed to play remote audio",
				logger.String("track", track.ID()))
		}
	}
	s.mu.Unlock()

	go s.pump(track, gen)
}

func (s *Sink) resume(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.retry == nil {
		return
	}
	s.retry = nil
	if err := s.out.Play(); err != nil {
		s.log.Warn(context.Background(), "remote audio retry failed", logger.Err(err))
	}
}

func (s *Sink) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retry.Cancel()
	s.retry = nil
	s.gen++
	s.track = nil
	s.out.Pause()
}

func (s *Sink) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// pump читает пакеты трека, пока трек подключен
func (s *Sink) pump(track Track, gen uint64) {
	buf := newReorderBuffer(reorderDepth)
	defer func() {
		if buf.dropped > 0 {
			s.log.Debug(context.Background(), "late packets dropped",
				logger.String("track", track.ID()),
				logger.Int64("dropped", int64(buf.dropped)))
		}
	}()

	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug(context.Background(), "track read failed", logger.Err(err))
			}
			if s.current(gen) {
				s.playAll(buf.Flush())
			}
			return
		}
		if !s.current(gen) {
			return
		}
		s.playAll(buf.Push(pkt))
	}
}

func (s *Sink) playAll(pkts []*rtp.Packet) {
	for _, pkt := range pkts {
		s.play(pkt)
	}
}

func (s *Sink) play(pkt *rtp.Packet) {
	codec, ok := audio.CodecByPayloadType(pkt.PayloadType)
	if !ok {
		return
	}
	if _, err := s.out.Write(codec.Decode(pkt.Payload)); err != nil {
		s.log.Debug(context.Background(), "sink write failed", logger.Err(err))
	}
}

// SinkManager создает приемник лениво и подключает к нему треки звонков
type SinkManager struct {
	newOutput OutputFactory
	bus       *interaction.Bus
	log       logger.StructuredLogger

	mu   sync.Mutex
	sink *Sink
}

// NewSinkManager создает менеджер. Устройство создается при первом EnsureSink.
func NewSinkManager(factory OutputFactory, bus *interaction.Bus, log logger.StructuredLogger) *SinkManager {
	if log == nil {
		log = logger.NewNop()
	}
	return &SinkManager{
		newOutput: factory,
		bus:       bus,
		log:       log.WithComponent("media_sink"),
	}
}

// EnsureSink возвращает единственный приемник, создавая его при первом вызове
func (m *SinkManager) EnsureSink() (*Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sink != nil {
		return m.sink, nil
	}
	out, err := m.newOutput()
	if err != nil {
		return nil, callerr.ResourceSetupFailure("audio sink", err)
	}
	m.sink = &Sink{out: out, bus: m.bus, log: m.log}
	m.log.Debug(context.Background(), "audio sink created")
	return m.sink, nil
}

// Attach подключает трек к приемнику и запускает воспроизведение.
// Отказ автозапуска не является ошибкой: звук включится после жеста пользователя.
func (m *SinkManager) Attach(track Track) error {
	if track == nil {
		return nil
	}
	sink, err := m.EnsureSink()
	if err != nil {
		m.log.LogError(context.Background(), err, "cannot attach track")
		return err
	}
	sink.attach(track)
	m.log.Debug(context.Background(), "track attached", logger.String("track", track.ID()))
	return nil
}

// Detach отключает трек. Приемник сохраняется для следующих звонков.
func (m *SinkManager) Detach() {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink == nil {
		return
	}
	sink.detach()
}

// Close освобождает устройство вывода
func (m *SinkManager) Close() error {
	m.mu.Lock()
	sink := m.sink
	m.sink = nil
	m.mu.Unlock()
	if sink == nil {
		return nil
	}
	sink.detach()
	return sink.out.Close()
}
