// Package eventloop runs closures on one goroutine so node state can be
// mutated without locks.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is submitted after the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Loop executes submitted tasks one at a time in submission order.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	log   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a loop whose queue holds up to buffer pending tasks.
func New(buffer int, logger *zap.Logger) *Loop {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
		log:   logger.Named("eventloop"),
	}
}

// Run processes tasks until ctx is cancelled or Stop is called. It must be
// called exactly once.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case task := <-l.tasks:
			l.exec(task)
		}
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// Stop makes Run return. Queued tasks are abandoned.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Submit queues a task. It blocks while the queue is full.
func (l *Loop) Submit(task func()) error {
	select {
	case <-l.done:
		return ErrStopped
	case <-l.stop:
		return ErrStopped
	default:
	}
	select {
	case l.tasks <- task:
		return nil
	case <-l.done:
		return ErrStopped
	case <-l.stop:
		return ErrStopped
	}
}

// Call runs task on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, task func()) error {
	finished := make(chan struct{})
	if err := l.Submit(func() {
		defer close(finished)
		task()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// Run may have exited with the task still queued.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}

// AfterFunc runs task on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, task func()) *time.Timer {
	return time.AfterFunc(d, func() {
		if err := l.Submit(task); err != nil {
			l.log.Debug("timer dropped", zap.Error(err))
		}
	})
}

// Every runs task on the loop at each interval until ctx is done.
func (l *Loop) Every(ctx context.Context, interval time.Duration, task func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.Submit(task); err != nil {
				return
			}
		}
	}
}
