package stage

import "runtime"

// computePool is the single bounded worker pool AsyncBlock off-loads to,
// sized to CPU count per the design notes: only introduce a second pool if
// profiling shows stage workers starving compute tasks, which this module
// does not need to anticipate.
type computePool struct {
	work chan func()
	quit chan struct{}
}

func newComputePool(workers int) *computePool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	p := &computePool{
		work: make(chan func(), workers*4),
		quit: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *computePool) worker() {
	for {
		select {
		case <-p.quit:
			return
		case fn := <-p.work:
			fn()
		}
	}
}

// submit queues fn for off-executor execution. It blocks if every worker is
// busy and the queue is full — AsyncBlock callers accept this as the
// pool's bound, matching "a single bounded worker pool... sized to CPU
// count" rather than unbounded fan-out.
func (p *computePool) submit(fn func()) {
	select {
	case p.work <- fn:
	case <-p.quit:
	}
}

func (p *computePool) close() {
	close(p.quit)
}

// Submit is the exported form of submit, letting the compute pool double as
// an api.Pool for the API Dispatcher's handler fan-out.
func (p *computePool) Submit(fn func()) {
	p.submit(fn)
}
