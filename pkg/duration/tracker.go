// Package duration считает длительность активного звонка.
//
// Длительность пересчитывается раз в секунду по разнице настенного времени
// и стартовой отметки, а не накоплением тиков. Значение никогда не уменьшается.
package duration

import (
	"fmt"
	"sync"
	"time"
)

// Tracker счетчик длительности звонка
type Tracker struct {
	clock    Clock
	interval time.Duration
	onTick   func(gen uint64, seconds int)

	mu      sync.Mutex
	running bool
	started time.Time
	seconds int
	gen     uint64
	stop    chan struct{}
}

// Option опция трекера
type Option func(*Tracker)

// WithClock задает источник времени
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithOnTick вызывается вне блокировок при каждом изменении значения.
// gen поколение отсчета, см. Current.
func WithOnTick(fn func(gen uint64, seconds int)) Option {
	return func(t *Tracker) { t.onTick = fn }
}

// NewTracker создает остановленный трекер
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{clock: SystemClock{}, interval: time.Second}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start запускает отсчет от epoch. Повторный запуск не создает второй таймер.
func (t *Tracker) Start(epoch time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.started = epoch
	t.seconds = 0
	t.gen++
	t.stop = make(chan struct{})
	t.recompute()

	ticker := t.clock.NewTicker(t.interval)
	go t.loop(ticker, t.stop, t.gen)
}

// Stop останавливает отсчет и сбрасывает значение в ноль. Не ждет завершения горутины.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seconds = 0
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	close(t.stop)
}

// Running идет ли отсчет
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Current идет ли еще отсчет поколения gen. Тик, доставленный с опозданием,
// может относиться к уже остановленному или перезапущенному отсчету.
func (t *Tracker) Current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && t.gen == gen
}

// Generation поколение текущего отсчета. Меняется при каждом Start и Stop.
func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Seconds текущая длительность в секундах
func (t *Tracker) Seconds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.recompute()
	}
	return t.seconds
}

// recompute вызывается под блокировкой. Возвращает true, если значение изменилось.
func (t *Tracker) recompute() bool {
	elapsed := int(t.clock.Now().Sub(t.started) / time.Second)
	if elapsed <= t.seconds {
		return false
	}
	t.seconds = elapsed
	return true
}

func (t *Tracker) loop(ticker Ticker, stop <-chan struct{}, gen uint64) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
		}

		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		changed := t.recompute()
		seconds := t.seconds
		t.mu.Unlock()

		if changed && t.onTick != nil {
			t.onTick(gen, seconds)
		}
	}
}

// Format форматирует длительность как MM:SS или H:MM:SS
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
