package tasks

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer zerolog 会被多个 worker 并发写入
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestGoKeyedPreservesOrder(t *testing.T) {
	r := New(4, 256, time.Second, zerolog.Nop())

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 200; i++ {
		i := i
		r.GoKeyed("u1_u2", "record", func(context.Context) error {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, r.Close(context.Background()))

	require.Len(t, got, 200)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestFailuresAndPanicsAreLogged(t *testing.T) {
	var buf syncBuffer
	r := New(2, 16, time.Second, zerolog.New(&buf))

	r.Go("fails", func(context.Context) error { return errors.New("push failed") })
	r.Go("panics", func(context.Context) error { panic("boom") })
	ran := make(chan struct{})
	r.Go("ok", func(context.Context) error { close(ran); return nil })

	require.NoError(t, r.Close(context.Background()))
	<-ran

	out := buf.String()
	assert.Contains(t, out, "push failed")
	assert.Contains(t, out, `"task":"fails"`)
	assert.Contains(t, out, "task panicked")
}

func TestTaskContextHasTimeout(t *testing.T) {
	r := New(1, 1, 50*time.Millisecond, zerolog.Nop())
	errc := make(chan error, 1)
	r.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return nil
	})
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task context never expired")
	}
	require.NoError(t, r.Close(context.Background()))
}

func TestQueueFullRunsDetached(t *testing.T) {
	r := New(1, 1, time.Second, zerolog.Nop())
	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		r.GoKeyed("k", "blocking", func(context.Context) error {
			defer wg.Done()
			<-block
			return nil
		})
	}
	close(block)
	wg.Wait()
	require.NoError(t, r.Close(context.Background()))
}

func TestSubmitAfterCloseRunsInline(t *testing.T) {
	r := New(1, 1, time.Second, zerolog.Nop())
	require.NoError(t, r.Close(context.Background()))

	ran := false
	r.Go("late", func(context.Context) error { ran = true; return nil })
	assert.True(t, ran)
}
