package bus

import (
	"sync"
)

// gate is the channel's backpressure condition. Wait parks the calling
// goroutine until the next Broadcast; the predicate (pending below capacity,
// or channel closed) is checked in a loop by the caller, which must hold the
// associated mutex.
type gate struct {
	cond *sync.Cond
}

func newGate(mu *sync.Mutex) *gate {
	return &gate{
		cond: sync.NewCond(mu),
	}
}

func (g *gate) Wait() {
	g.cond.Wait()
}

func (g *gate) Broadcast() {
	g.cond.Broadcast()
}
