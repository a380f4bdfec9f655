package sipua

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/phonify/pkg/audio"
	"github.com/arzzra/phonify/pkg/logger"
	"github.com/arzzra/phonify/pkg/media"
)

// frameSamples отсчетов в одном RTP пакете (20 мс при 8 кГц)
const frameSamples = audio.SampleRate * ptime / 1000

// Source исходящий голос: PCM16 фрейм номер n
type Source interface {
	Frame(n int) []byte
}

type silence struct{}

func (silence) Frame(int) []byte { return make([]byte, frameSamples*2) }

// stream двунаправленный RTP поток одного звонка
type stream struct {
	conn     net.PacketConn
	track    *media.ChanTrack
	log      logger.StructuredLogger
	interval time.Duration

	muted atomic.Bool

	mu      sync.Mutex
	remote  net.Addr
	codec   audio.Codec
	src     Source
	started bool
	ssrc    uint32
	seq     uint16
	ts      uint32

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	sent     atomic.Uint64
	received atomic.Uint64
}

func newStream(conn net.PacketConn, id string, log logger.StructuredLogger) *stream {
	s := &stream{
		conn:     conn,
		track:    media.NewChanTrack(id, 64),
		log:      log,
		interval: ptime * time.Millisecond,
		ssrc:     rand.Uint32(),
		seq:      uint16(rand.UintN(1 << 16)),
		ts:       rand.Uint32(),
		stop:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.receive()
	return s
}

// LocalAddr адрес, который указывается в SDP
func (s *stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Start начинает передачу на remote. Повторный вызов меняет только адрес и кодек.
func (s *stream) Start(remote net.Addr, codec audio.Codec, src Source) {
	if src == nil {
		src = silence{}
	}
	s.mu.Lock()
	s.remote, s.codec, s.src = remote, codec, src
	start := !s.started
	s.started = true
	s.mu.Unlock()

	if start {
		s.wg.Add(1)
		go s.send()
	}
}

// SetMuted вместо голоса передается тишина. Поток пакетов не прерывается.
func (s *stream) SetMuted(muted bool) {
	s.muted.Store(muted)
}

func (s *stream) Muted() bool { return s.muted.Load() }

// Close останавливает поток и закрывает сокет
func (s *stream) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.conn.Close()
		s.wg.Wait()
		s.track.Close()
		s.log.Debug(context.Background(), "rtp stream closed",
			logger.Int64("sent", int64(s.sent.Load())),
			logger.Int64("received", int64(s.received.Load())))
	})
}

func (s *stream) send() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		if err := s.writeFrame(n); err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.log.Debug(context.Background(), "rtp write failed", logger.Err(err))
		}
	}
}

func (s *stream) writeFrame(n int) error {
	s.mu.Lock()
	remote, codec, src := s.remote, s.codec, s.src
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         n == 0,
			PayloadType:    codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
	}
	s.seq++
	s.ts += frameSamples
	s.mu.Unlock()

	var pcm []byte
	if s.muted.Load() {
		pcm = silence{}.Frame(n)
	} else {
		pcm = src.Frame(n)
	}
	pkt.Payload = codec.Encode(pcm)

	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(raw, remote); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

func (s *stream) receive() {
	defer s.wg.Done()
	buf := make([]byte, 1500)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.log.Debug(context.Background(), "rtp read failed", logger.Err(err))
			return
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			continue
		}
		if _, ok := audio.CodecByPayloadType(pkt.PayloadType); !ok {
			continue
		}
		s.received.Add(1)
		_ = s.track.Push(pkt)
	}
}
