package fs

import "sync"

// WriteQueue serialises writers that target the same absolute path.
//
// Writers for one path run strictly in arrival order; each waits until the
// previous writer released its slot, whether it succeeded or failed. Writers
// for different paths never wait on each other. A path's entry is removed as
// soon as its last writer releases.
//
// Writers only serialise against each other when they share a queue, so one
// queue should be injected into every [AtomicWriter] of a process.
type WriteQueue struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// DefaultWriteQueue is the process-wide queue used by writers constructed
// without [WithWriteQueue].
var DefaultWriteQueue = NewWriteQueue()

// NewWriteQueue returns an empty queue.
func NewWriteQueue() *WriteQueue {
	return &WriteQueue{waiters: make(map[string][]chan struct{})}
}

// Acquire blocks until the caller owns path's slot and returns the release
// func. Release must be called exactly once.
func (q *WriteQueue) Acquire(path string) (release func()) {
	turn := make(chan struct{})

	q.mu.Lock()
	pending := q.waiters[path]
	q.waiters[path] = append(pending, turn)
	first := len(pending) == 0
	q.mu.Unlock()

	if !first {
		<-turn
	}

	var once sync.Once

	return func() {
		once.Do(func() { q.release(path) })
	}
}

func (q *WriteQueue) release(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rest := q.waiters[path][1:]
	if len(rest) == 0 {
		delete(q.waiters, path)

		return
	}

	q.waiters[path] = rest
	close(rest[0])
}

// Pending reports how many writers currently hold or wait for path.
func (q *WriteQueue) Pending(path string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.waiters[path])
}

// Len reports how many paths currently have writers.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.waiters)
}
