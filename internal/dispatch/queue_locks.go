package dispatch

import (
	"context"
	"sync"
)

// QueueLocks hands out one mutual-exclusion token per queue name so that at
// most one execution runs per named queue at a time.
type QueueLocks struct {
	mu    sync.Mutex
	locks map[string]*queueLock
}

type queueLock struct {
	token chan struct{}
	refs  int
}

func NewQueueLocks() *QueueLocks {
	return &QueueLocks{locks: make(map[string]*queueLock)}
}

// Acquire blocks until the queue's token is available or ctx is done. The
// returned release function must be called on every exit path; callers defer
// it immediately after a successful acquire.
func (q *QueueLocks) Acquire(ctx context.Context, name string) (func(), error) {
	q.mu.Lock()
	l, ok := q.locks[name]
	if !ok {
		l = &queueLock{token: make(chan struct{}, 1)}
		q.locks[name] = l
	}
	l.refs++
	q.mu.Unlock()

	select {
	case l.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.token
				q.put(name, l)
			})
		}, nil
	case <-ctx.Done():
		q.put(name, l)
		return nil, ctx.Err()
	}
}

func (q *QueueLocks) put(name string, l *queueLock) {
	q.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(q.locks, name)
	}
	q.mu.Unlock()
}
