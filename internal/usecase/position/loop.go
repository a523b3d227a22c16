package position

import "sync"

// loop is the single execution context for the position source. Every state
// transition, remote-call completion, timer expiry and caller notification
// runs on the loop goroutine, in the order posted. Posting never blocks the
// caller.
type loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// post enqueues fn for execution on the loop goroutine. Returns false when
// the loop has been closed; the function is then dropped.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *loop) run() {
	defer l.wg.Done()
	for {
		for _, fn := range l.take() {
			fn()
		}
		select {
		case <-l.wake:
		case <-l.done:
			for _, fn := range l.take() {
				fn()
			}
			return
		}
	}
}

func (l *loop) take() []func() {
	l.mu.Lock()
	q := l.queue
	l.queue = nil
	l.mu.Unlock()
	return q
}

// close stops accepting work, runs what is already queued, and waits for
// the loop goroutine to exit.
func (l *loop) close() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()
}
