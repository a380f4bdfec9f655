// Package audio описывает устройства вывода звука и политику автозапуска.
//
// Звук пишется как PCM16 little-endian mono 8 кГц. Устройство может отказать
// в воспроизведении до первого жеста пользователя (ErrAutoplayBlocked).
package audio

import (
	"errors"
	"io"
	"sync"
)

// SampleRate частота дискретизации всех потоков
const SampleRate = 8000

// ErrAutoplayBlocked воспроизведение запрещено до жеста пользователя
var ErrAutoplayBlocked = errors.New("audio playback blocked until user interaction")

// ErrClosed устройство закрыто
var ErrClosed = errors.New("audio output closed")

// Output устройство вывода
type Output interface {
	// Play начинает или возобновляет воспроизведение
	Play() error
	// Pause приостанавливает воспроизведение, записанные данные отбрасываются
	Pause()
	// Write принимает PCM16 фреймы. В паузе данные отбрасываются без ошибки.
	Write(pcm []byte) (int, error)
	Playing() bool
	Close() error
}

// WriterOutput выводит PCM в произвольный io.Writer (файл, stdout, пайп к aplay)
type WriterOutput struct {
	mu      sync.Mutex
	w       io.Writer
	playing bool
	closed  bool
}

// NewWriterOutput создает устройство поверх w
func NewWriterOutput(w io.Writer) *WriterOutput {
	return &WriterOutput{w: w}
}

func (o *WriterOutput) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.playing = true
	return nil
}

func (o *WriterOutput) Pause() {
	o.mu.Lock()
	o.playing = false
	o.mu.Unlock()
}

func (o *WriterOutput) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

func (o *WriterOutput) Write(pcm []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}
	if !o.playing {
		return len(pcm), nil
	}
	return o.w.Write(pcm)
}

// Close закрывает устройство и нижележащий writer, если он io.Closer
func (o *WriterOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.playing = false
	if c, ok := o.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewDiscard устройство, которое принимает и выбрасывает звук
func NewDiscard() *WriterOutput {
	return NewWriterOutput(io.Discard)
}
