// Package tasks 执行请求主路径之外的后台副作用（投递、会话索引等）。
// 任务失败只记录日志，不影响调用方；同 key 任务按提交顺序串行执行。
package tasks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
)

type Func func(ctx context.Context) error

type job struct {
	name string
	fn   Func
}

type Runner struct {
	queues  []chan job
	timeout time.Duration
	log     zerolog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	rr     atomic.Uint64
}

// New 启动 workers 个常驻 worker，每个 worker 有独立的有界队列。
func New(workers, queueSize int, timeout time.Duration, log zerolog.Logger) *Runner {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Runner{
		queues:  make([]chan job, workers),
		timeout: timeout,
		log:     log.With().Str("component", "tasks").Logger(),
	}
	for i := range r.queues {
		r.queues[i] = make(chan job, queueSize)
		r.wg.Add(1)
		go r.worker(r.queues[i])
	}
	return r
}

// Go 提交一个无顺序要求的任务。
func (r *Runner) Go(name string, fn Func) {
	idx := int(r.rr.Add(1) % uint64(len(r.queues)))
	r.submit(idx, job{name: name, fn: fn})
}

// GoKeyed 同一 key 的任务固定落到同一 worker，保证按提交顺序执行。
// 队列满时退化为独立 goroutine 执行（此时不再保证顺序，但不阻塞调用方也不丢弃）。
func (r *Runner) GoKeyed(key, name string, fn Func) {
	idx := int(xxhash.Sum64String(key) % uint64(len(r.queues)))
	r.submit(idx, job{name: name, fn: fn})
}

func (r *Runner) submit(idx int, j job) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		// 关闭后仍有提交：同步执行，避免静默丢失
		r.run(j)
		return
	}
	select {
	case r.queues[idx] <- j:
	default:
		r.log.Warn().Str("task", j.name).Msg("task queue full, running detached")
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.run(j)
		}()
	}
}

func (r *Runner) worker(q <-chan job) {
	defer r.wg.Done()
	for j := range q {
		r.run(j)
	}
}

func (r *Runner) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("task", j.name).Str("panic", fmt.Sprint(p)).Msg("task panicked")
		}
	}()
	if err := j.fn(ctx); err != nil {
		r.log.Error().Err(err).Str("task", j.name).Msg("task failed")
	}
}

// Close 停止接收新任务并等待队列排空；ctx 到期则返回 ctx.Err()。
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, q := range r.queues {
			close(q)
		}
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
