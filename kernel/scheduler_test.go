package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/kernelmesh/core"
	"github.com/hupe1980/kernelmesh/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type orderLog struct {
	mu    sync.Mutex
	items []string
}

func (l *orderLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, s)
}

func (l *orderLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.items...)
}

func (l *orderLog) op(s string) Operation {
	return func(context.Context) error {
		l.add(s)
		return nil
	}
}

func TestScheduler_FIFO(t *testing.T) {
	s := NewScheduler("test", logging.NoOpLogger{}, nil)
	log := &orderLog{}

	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Schedule(context.Background(), func(context.Context) error {
			close(started)
			<-release
			log.add("first")
			return nil
		})
	}()
	<-started

	for i, name := range []string{"second", "third"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Schedule(context.Background(), log.op(name))
		}()
		require.Eventually(t, func() bool { return s.Len() == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()

	assert.Equal(t, []string{"first", "second", "third"}, log.list())
	require.NoError(t, s.Wait(context.Background()))
}

func TestScheduler_ReentrantScheduleRunsInline(t *testing.T) {
	s := NewScheduler("test", nil, nil)
	log := &orderLog{}

	err := s.Schedule(context.Background(), func(ctx context.Context) error {
		log.add("outer-start")
		if err := s.Schedule(ctx, log.op("inner")); err != nil {
			return err
		}
		log.add("outer-end")
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"outer-start", "inner", "outer-end"}, log.list())
}

func TestScheduler_CancelledBeforeStartIsSkipped(t *testing.T) {
	s := NewScheduler("test", nil, nil)
	log := &orderLog{}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.Schedule(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		cancelled <- s.Schedule(ctx, log.op("never"))
	}()
	require.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-cancelled, context.Canceled)
	assert.Equal(t, 0, s.Len())

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, s.Wait(context.Background()))
	assert.Empty(t, log.list())
}

func TestScheduler_PanicBecomesError(t *testing.T) {
	s := NewScheduler("test", nil, nil)

	err := s.Schedule(context.Background(), func(context.Context) error {
		panic("boom")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnhandledMiddleware)

	// The worker survives the panic.
	require.NoError(t, s.Schedule(context.Background(), func(context.Context) error { return nil }))
}

func TestScheduler_ErrorIsReturned(t *testing.T) {
	s := NewScheduler("test", nil, nil)
	want := errors.New("failed")

	err := s.Schedule(context.Background(), func(context.Context) error { return want })

	assert.ErrorIs(t, err, want)
}

func TestScheduler_Deferred(t *testing.T) {
	t.Run("queued ahead of the next operation", func(t *testing.T) {
		s := NewScheduler("test", nil, nil)
		log := &orderLog{}

		s.Defer(context.Background(), log.op("deferred-1"))
		s.Defer(context.Background(), log.op("deferred-2"))
		assert.Equal(t, 2, s.DeferredCount())

		require.NoError(t, s.RunDeferred(context.Background()))
		require.NoError(t, s.Schedule(context.Background(), log.op("live")))

		assert.Equal(t, []string{"deferred-1", "deferred-2", "live"}, log.list())
		assert.Equal(t, 0, s.DeferredCount())
	})

	t.Run("inline from a running operation", func(t *testing.T) {
		s := NewScheduler("test", nil, nil)
		log := &orderLog{}

		s.Defer(context.Background(), log.op("deferred"))

		err := s.Schedule(context.Background(), func(ctx context.Context) error {
			if err := s.RunDeferred(ctx); err != nil {
				return err
			}
			log.add("live")
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"deferred", "live"}, log.list())
	})
}

func TestScheduler_CloseRejectsNewWork(t *testing.T) {
	s := NewScheduler("test", nil, nil)
	s.Close()

	err := s.Schedule(context.Background(), func(context.Context) error { return nil })

	assert.ErrorIs(t, err, core.ErrKernelDisposed)
}
