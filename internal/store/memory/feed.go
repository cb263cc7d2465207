package memory

import (
	"context"
	"jobflow/internal/job"
	"sync"
)

// subscriber buffers changes without bound so a write never blocks on a
// slow handler, and a handler may itself write to the store.
type subscriber struct {
	mu     sync.Mutex
	queue  []job.Change
	signal chan struct{}
}

func (sub *subscriber) push(c job.Change) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, c)
	sub.mu.Unlock()
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscriber) drain() []job.Change {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := sub.queue
	sub.queue = nil
	return out
}

func (s *Store) publish(c job.Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		sub.push(c)
	}
}

// Subscribe delivers every write made after the call, in order, until ctx is
// cancelled. An error from fn does not end the subscription.
func (s *Store) Subscribe(ctx context.Context, fn job.ChangeHandler) error {
	sub := &subscriber{signal: make(chan struct{}, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.signal:
			for _, c := range sub.drain() {
				if ctx.Err() != nil {
					return nil
				}
				_ = fn(ctx, c)
			}
		}
	}
}
