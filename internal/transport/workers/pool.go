// Package workers runs one sequential task queue per remote endpoint.
package workers

import (
	"net/netip"
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool keeps one worker per address. Tasks for the same address run in
// submission order and never concurrently; different addresses run in
// parallel with no ordering between them.
type Pool struct {
	mu      sync.Mutex
	workers map[netip.AddrPort]*worker
	closed  bool
}

func NewPool() *Pool {
	return &Pool{workers: make(map[netip.AddrPort]*worker)}
}

// Open starts a worker for addr. It does nothing if one exists or the pool
// is closed.
func (p *Pool) Open(addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.workers[addr]; ok {
		return
	}
	w := newWorker(addr)
	p.workers[addr] = w
	go w.run()
}

// Execute queues task on addr's worker and reports whether a worker took it.
func (p *Pool) Execute(addr netip.AddrPort, task func()) bool {
	p.mu.Lock()
	w, ok := p.workers[addr]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return w.enqueue(task)
}

// Close stops addr's worker and drops its unexecuted tasks.
func (p *Pool) Close(addr netip.AddrPort) {
	p.mu.Lock()
	w, ok := p.workers[addr]
	delete(p.workers, addr)
	p.mu.Unlock()
	if ok {
		w.close()
	}
}

// CloseAll stops every worker. The pool rejects new workers afterwards.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	all := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		all = append(all, w)
	}
	clear(p.workers)
	p.mu.Unlock()

	for _, w := range all {
		w.close()
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

type worker struct {
	addr netip.AddrPort

	mu     sync.Mutex
	queue  []func()
	closed bool

	signal chan struct{}
	done   chan struct{}
}

func newWorker(addr netip.AddrPort) *worker {
	return &worker{
		addr:   addr,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *worker) enqueue(task func()) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, task)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return true
}

func (w *worker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.queue = nil
	close(w.done)
}

func (w *worker) next() (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || len(w.queue) == 0 {
		return nil, false
	}
	task := w.queue[0]
	w.queue[0] = nil
	w.queue = w.queue[1:]
	return task, true
}

func (w *worker) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}
		for {
			task, ok := w.next()
			if !ok {
				break
			}
			w.exec(task)
		}
	}
}

func (w *worker) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("addr", w.addr.String()).Interface("panic", r).Msg("worker task panicked")
		}
	}()
	task()
}
