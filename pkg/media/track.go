// Package media управляет выводом входящего аудио звонка и доступом к микрофону.
package media

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
)

// Track входящий аудио поток звонка
type Track interface {
	ID() string
	// ReadRTP блокируется до следующего пакета. После закрытия возвращает io.EOF.
	ReadRTP() (*rtp.Packet, error)
}

// ChanTrack трек поверх канала пакетов. Используется транспортом и тестами.
type ChanTrack struct {
	id        string
	packets   chan *rtp.Packet
	closed    chan struct{}
	closeOnce sync.Once
}

var _ Track = (*ChanTrack)(nil)

// NewChanTrack создает трек с буфером на size пакетов
func NewChanTrack(id string, size int) *ChanTrack {
	return &ChanTrack{
		id:      id,
		packets: make(chan *rtp.Packet, size),
		closed:  make(chan struct{}),
	}
}

func (t *ChanTrack) ID() string { return t.id }

func (t *ChanTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

// Push кладет пакет. Если буфер полон, пакет отбрасывается (как потерянный в сети).
func (t *ChanTrack) Push(p *rtp.Packet) error {
	select {
	case <-t.closed:
		return ErrTrackClosed
	default:
	}
	select {
	case t.packets <- p:
	default:
	}
	return nil
}

// Close завершает трек
func (t *ChanTrack) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// ErrTrackClosed трек закрыт
var ErrTrackClosed = errors.New("track closed")
