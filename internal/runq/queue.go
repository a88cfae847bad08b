// ABOUTME: Per-key FIFO operation queue, one mailbox worker per active key
// ABOUTME: Tasks under one key never interleave; keys run independently

package runq

import "sync"

// Queue serializes tasks per key. A worker goroutine is spawned for a key on
// first use and exits once its mailbox drains, so an idle queue holds no
// goroutines. Tasks for one key run strictly in submission order; a failing
// task does not block the ones behind it.
type Queue struct {
	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	tasks []func()
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{workers: make(map[string]*worker)}
}

// Do runs fn after every previously enqueued task for key has settled, and
// blocks until fn itself returns. Calls with distinct keys proceed
// concurrently.
func (q *Queue) Do(key string, fn func() error) error {
	done := make(chan error, 1)
	q.enqueue(key, func() {
		done <- fn()
	})
	return <-done
}

// Go enqueues fn without waiting for it.
func (q *Queue) Go(key string, fn func()) {
	q.enqueue(key, fn)
}

func (q *Queue) enqueue(key string, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w, ok := q.workers[key]; ok {
		w.tasks = append(w.tasks, fn)
		return
	}
	w := &worker{tasks: []func(){fn}}
	q.workers[key] = w
	go q.drain(key, w)
}

func (q *Queue) drain(key string, w *worker) {
	for {
		q.mu.Lock()
		if len(w.tasks) == 0 {
			delete(q.workers, key)
			q.mu.Unlock()
			return
		}
		fn := w.tasks[0]
		w.tasks = w.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}

// Len reports how many keys currently have a live worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Do runs fn on q under key and returns its typed result.
func Do[T any](q *Queue, key string, fn func() (T, error)) (T, error) {
	var out T
	err := q.Do(key, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
