package dispatcher

import (
	"context"
	"sync"
)

// inflightSet 保证同一个协议 id 同一时刻最多只有一个探测在执行。
// 每个 id 对应一个容量为 1 的通道作为锁，等待方可以被 ctx 取消。
type inflightSet struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

func newInflightSet() *inflightSet {
	return &inflightSet{slots: make(map[string]*slot)}
}

func (s *inflightSet) ref(id string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{sem: make(chan struct{}, 1)}
		s.slots[id] = sl
	}
	sl.refs++
	return sl
}

func (s *inflightSet) unref(id string, sl *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(s.slots, id)
	}
}

// acquire blocks until id is free or ctx is done.
func (s *inflightSet) acquire(ctx context.Context, id string) (func(), error) {
	sl := s.ref(id)
	select {
	case sl.sem <- struct{}{}:
		return s.releaser(id, sl), nil
	case <-ctx.Done():
		s.unref(id, sl)
		return nil, ctx.Err()
	}
}

// tryAcquire takes id only if no probe for it is running.
func (s *inflightSet) tryAcquire(id string) (func(), bool) {
	sl := s.ref(id)
	select {
	case sl.sem <- struct{}{}:
		return s.releaser(id, sl), true
	default:
		s.unref(id, sl)
		return nil, false
	}
}

func (s *inflightSet) releaser(id string, sl *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.sem
			s.unref(id, sl)
		})
	}
}
