package schedule

// SubPool bounds the total number of chunk-merge sub-workers running at
// once across every in-flight merge task (mergeChunkSubThreadNum). TryAcquire
// never blocks: a task that cannot get a slot runs its sub-work inline in
// its own goroutine instead, so a saturated sub-pool can never starve a
// task into deadlock (§4.9's second scheduling property).
type SubPool struct {
	sem chan struct{}
}

// NewSubPool builds a sub-pool with room for size concurrent sub-workers.
func NewSubPool(size int) *SubPool {
	if size <= 0 {
		size = 1
	}
	return &SubPool{sem: make(chan struct{}, size)}
}

// TryAcquire reserves one slot without blocking, reporting whether it got
// one.
func (p *SubPool) TryAcquire() bool {
	select {
	case p.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot acquired by TryAcquire.
func (p *SubPool) Release() {
	<-p.sem
}

// Run executes fn as a pooled sub-worker when a slot is free, or inline in
// the caller's goroutine when the pool is saturated.
func (p *SubPool) Run(fn func() error) error {
	if p.TryAcquire() {
		defer p.Release()
	}
	return fn()
}
