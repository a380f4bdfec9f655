// Package eventloop реализует единственный логический поток исполнения
// для состояния контроллера.
//
// Все изменения состояния регистрации и звонка выполняются функциями,
// поставленными в очередь Loop. Блокирующие операции (транспорт, разрешения)
// выполняются вне цикла, а их продолжения возвращаются в цикл через Do или Post.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed цикл остановлен, задача не будет выполнена
var ErrClosed = errors.New("event loop closed")

// Loop очередь задач с одним исполнителем
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	started   bool
}

// New создает цикл. Задачи начинают исполняться после Run.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run исполняет задачи до отмены ctx или Close. Блокирует вызывающего.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("event loop already running")
	}
	l.started = true
	l.mu.Unlock()

	defer l.Close()

	for {
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}
	}
}

// Start запускает Run в отдельной горутине
func (l *Loop) Start(ctx context.Context) {
	go func() { _ = l.Run(ctx) }()
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || len(l.pending) == 0 {
		return nil, false
	}
	fn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return fn, true
}

// Post ставит задачу в очередь и не ждет ее выполнения.
// Безопасно вызывать из самого цикла. Возвращает false, если цикл остановлен.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Состояния задачи Do
const (
	taskQueued int32 = iota
	taskRunning
	taskCancelled
)

// Do выполняет fn в цикле и ждет завершения.
// Нельзя вызывать из задачи, которая сама исполняется в цикле.
// Ошибка означает, что fn не выполнялась и не будет выполнена: задача,
// отмененная через ctx до начала исполнения, пропускается циклом.
// Уже начатая задача дожидается завершения, и Do возвращает nil.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var state atomic.Int32
	finished := make(chan struct{})
	if !l.Post(func() {
		if !state.CompareAndSwap(taskQueued, taskRunning) {
			return
		}
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		if state.CompareAndSwap(taskQueued, taskCancelled) {
			return ctx.Err()
		}
	case <-l.done:
		if state.CompareAndSwap(taskQueued, taskCancelled) {
			return ErrClosed
		}
	}
	<-finished
	return nil
}

// Close останавливает цикл. Неисполненные задачи отбрасываются.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.pending = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done закрывается после остановки цикла
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
