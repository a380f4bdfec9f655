package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		l.Close()
	})
	l.Start(ctx)
	return l
}

func TestLoop_DoRunsSerially(t *testing.T) {
	l := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Do(context.Background(), func() {
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
			}))
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter, "задачи должны исполняться последовательно")
}

func TestLoop_PostFromLoopDoesNotDeadlock(t *testing.T) {
	l := startLoop(t)

	done := make(chan struct{})
	require.NoError(t, l.Do(context.Background(), func() {
		l.Post(func() { close(done) })
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("вложенная задача не выполнилась")
	}
}

func TestLoop_PreservesOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	require.NoError(t, l.Do(context.Background(), func() {}))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoop_ClosedRejectsWork(t *testing.T) {
	l := New()
	l.Close()

	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrClosed)
}

func TestLoop_DoHonorsContext(t *testing.T) {
	// цикл не запущен, задача не выполнится
	l := New()
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Do(ctx, func() {}), context.DeadlineExceeded)
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run не завершился")
	}
	<-l.Done()
}

func TestLoop_DoSkipsCancelledTask(t *testing.T) {
	l := startLoop(t)

	// задача-блокировка держит цикл, пока Do ждет в очереди
	release := make(chan struct{})
	l.Post(func() { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	var ran bool
	errCh := make(chan error, 1)
	go func() { errCh <- l.Do(ctx, func() { ran = true }) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do не вернулся после отмены")
	}

	close(release)
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, ran, "отмененная задача не должна исполняться")
}

func TestLoop_DoWaitsForStartedTask(t *testing.T) {
	l := startLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var finished bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Do(ctx, func() {
			close(started)
			time.Sleep(20 * time.Millisecond)
			finished = true
		})
	}()

	<-started
	cancel()
	require.NoError(t, <-errCh)
	assert.True(t, finished)
}

func TestLoop_DoRejectsCancelledContext(t *testing.T) {
	l := startLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran bool
	assert.ErrorIs(t, l.Do(ctx, func() { ran = true }), context.Canceled)
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.False(t, ran)
}
