// Package audiotest содержит записывающее устройство вывода для тестов.
package audiotest

import (
	"sync"

	"github.com/arzzra/phonify/pkg/audio"
)

// Output записывает вызовы и данные. Может имитировать блокировку автозапуска.
type Output struct {
	mu       sync.Mutex
	blocked  bool
	playing  bool
	closed   bool
	plays    int
	blocks   int
	pauses   int
	written  []byte
	writeErr error
	onWrite  func()
}

var _ audio.Output = (*Output)(nil)

// New создает устройство. blocked=true - Play возвращает ErrAutoplayBlocked до Unblock.
func New(blocked bool) *Output {
	return &Output{blocked: blocked}
}

// Unblock разрешает воспроизведение
func (o *Output) Unblock() {
	o.mu.Lock()
	o.blocked = false
	o.mu.Unlock()
}

// OnWrite вызывается после каждой записи
func (o *Output) OnWrite(fn func()) {
	o.mu.Lock()
	o.onWrite = fn
	o.mu.Unlock()
}

func (o *Output) Play() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return audio.ErrClosed
	}
	if o.blocked {
		o.blocks++
		return audio.ErrAutoplayBlocked
	}
	o.plays++
	o.playing = true
	return nil
}

func (o *Output) Pause() {
	o.mu.Lock()
	o.pauses++
	o.playing = false
	o.mu.Unlock()
}

func (o *Output) Write(pcm []byte) (int, error) {
	o.mu.Lock()
	if o.writeErr != nil {
		o.mu.Unlock()
		return 0, o.writeErr
	}
	if o.playing {
		o.written = append(o.written, pcm...)
	}
	fn := o.onWrite
	o.mu.Unlock()
	if fn != nil {
		fn()
	}
	return len(pcm), nil
}

func (o *Output) Playing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.playing
}

func (o *Output) Close() error {
	o.mu.Lock()
	o.closed = true
	o.playing = false
	o.mu.Unlock()
	return nil
}

// Plays количество успешных Play
func (o *Output) Plays() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.plays
}

// Blocks количество отказов Play
func (o *Output) Blocks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.blocks
}

// Pauses количество вызовов Pause
func (o *Output) Pauses() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pauses
}

// Written копия записанных во время воспроизведения данных
func (o *Output) Written() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.written...)
}

// Closed закрыто ли устройство
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
