package mutation

import (
	"context"
	"sync"
)

// keyedQueue admits one holder per key at a time, in arrival order.
type keyedQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	// onDrain runs with mu held when the last holder of a key releases it.
	onDrain func(key string)
}

func newKeyedQueue(onDrain func(key string)) *keyedQueue {
	return &keyedQueue{tails: map[string]chan struct{}{}, onDrain: onDrain}
}

// acquire waits for every earlier holder of key. The returned func must be
// called exactly once.
func (q *keyedQueue) acquire(ctx context.Context, key string) (func(), error) {
	q.mu.Lock()
	prev := q.tails[key]
	mine := make(chan struct{})
	q.tails[key] = mine
	q.mu.Unlock()

	release := func() {
		q.mu.Lock()
		if q.tails[key] == mine {
			delete(q.tails, key)
			if q.onDrain != nil {
				q.onDrain(key)
			}
		}
		q.mu.Unlock()
		close(mine)
	}
	if prev == nil {
		return release, nil
	}
	select {
	case <-prev:
		return release, nil
	case <-ctx.Done():
		// keep the chain intact for whoever queued behind us
		go func() {
			<-prev
			release()
		}()
		return nil, ctx.Err()
	}
}
