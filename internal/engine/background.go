package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/vinmnit159/isms-backend/internal/metrics"
	"go.uber.org/zap"
)

// Background runs fire-and-forget tasks off the request path. Task errors
// go to an observed channel where they are logged and counted; they never
// reach the caller that started the task.
type Background struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	tasks sync.WaitGroup
	errs  chan error
	drain sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewBackground(log *zap.Logger) *Background {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Background{
		log:    log.Named("background"),
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan error, 16),
	}
	b.drain.Add(1)
	go func() {
		defer b.drain.Done()
		for err := range b.errs {
			metrics.BackgroundErrors.Inc()
			b.log.Error("background task failed", zap.Error(err))
		}
	}()
	return b
}

// Go starts fn unless the runner is closed. It reports whether fn started.
func (b *Background) Go(name string, fn func(ctx context.Context) error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		defer func() {
			if rec := recover(); rec != nil {
				b.errs <- fmt.Errorf("%s: panic: %v", name, rec)
			}
		}()
		if err := fn(b.ctx); err != nil {
			b.errs <- fmt.Errorf("%s: %w", name, err)
		}
	}()
	return true
}

// Close stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled and Close still waits for them to return.
func (b *Background) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.cancel()
		<-done
	}
	b.cancel()
	close(b.errs)
	b.drain.Wait()
}
