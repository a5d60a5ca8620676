package worker

import "sync"

type delivery struct {
	data []byte
	err  error
}

// port is the worker-to-host half of the transport. Posted items are
// delivered in FIFO order by a single goroutine; close drops whatever is
// still queued.
type port struct {
	handlers Handlers

	mu     sync.Mutex
	queue  []delivery
	closed bool

	wake chan struct{}
	stop chan struct{}
}

func newPort(h Handlers) *port {
	p := &port{
		handlers: h,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go p.run()
	return p
}

// post queues a payload. It reports false once the port is closed.
func (p *port) post(data []byte) bool {
	return p.enqueue(delivery{data: data})
}

// fail queues an out-of-band failure.
func (p *port) fail(err error) bool {
	return p.enqueue(delivery{err: err})
}

func (p *port) enqueue(d delivery) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, d)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *port) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.queue = nil
	close(p.stop)
}

func (p *port) run() {
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}

		for {
			p.mu.Lock()
			if p.closed || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			d := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			p.deliver(d)
		}
	}
}

func (p *port) deliver(d delivery) {
	if d.err != nil {
		if p.handlers.OnError != nil {
			p.handlers.OnError(d.err)
		}
		return
	}
	if p.handlers.OnMessage != nil {
		p.handlers.OnMessage(d.data)
	}
}
