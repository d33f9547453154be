package dispatcher

import (
	"context"
	"sync"

	"github.com/supportdesk/supportdesk/internal/common/logger"
)

// Task is a unit of best-effort background work.
type Task func(ctx context.Context)

// BestEffortQueue runs fire-and-forget persistence off the hot dispatch
// path. The backlog is bounded; on overflow the oldest task is dropped
// with a log line.
type BestEffortQueue struct {
	tasks  chan Task
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewBestEffortQueue creates a queue with the given backlog size.
func NewBestEffortQueue(size int, log *logger.Logger) *BestEffortQueue {
	if size <= 0 {
		size = 256
	}
	return &BestEffortQueue{
		tasks:  make(chan Task, size),
		logger: log.WithComponent("best-effort-queue"),
	}
}

// Start runs the worker until the context is cancelled.
func (q *BestEffortQueue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-ctx.Done():
				q.drain()
				return
			case task, ok := <-q.tasks:
				if !ok {
					return
				}
				task(context.Background())
			}
		}
	}()
}

// drain runs whatever is still queued at shutdown. Close may close the
// channel while we receive, so the ok check is load-bearing.
func (q *BestEffortQueue) drain() {
	for {
		select {
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			task(context.Background())
		default:
			return
		}
	}
}

// Submit enqueues a task. When the backlog is full the oldest queued task
// is dropped to make room.
func (q *BestEffortQueue) Submit(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	for {
		select {
		case q.tasks <- task:
			return
		default:
		}
		select {
		case <-q.tasks:
			q.logger.Warn("best-effort backlog full, dropped oldest task")
		default:
		}
	}
}

// Close stops accepting tasks and waits for the worker.
func (q *BestEffortQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}
