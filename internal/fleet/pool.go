package fleet

import "context"

// Pool bounds the number of host operations in flight across every sweep
// that shares it. A nil slots channel means unbounded.
type Pool struct {
	slots chan struct{}
}

// NewPool returns a pool admitting size concurrent operations; size <= 0
// disables the limit.
func NewPool(size int) *Pool {
	if size <= 0 {
		return &Pool{}
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// Acquire blocks until a slot is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) error {
	if p == nil || p.slots == nil {
		return ctx.Err()
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Release() {
	if p == nil || p.slots == nil {
		return
	}
	<-p.slots
}

// Size reports the limit, 0 when unbounded.
func (p *Pool) Size() int {
	if p == nil || p.slots == nil {
		return 0
	}
	return cap(p.slots)
}
