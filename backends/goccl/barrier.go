package goccl

import "sync"

// barrier is a reusable (cyclic) synchronization barrier for a fixed number
// of parties. Each await blocks until all parties of the current generation
// arrived, then releases them together and starts a new generation.
type barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	waiting    int
	generation uint64
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// await blocks until all parties arrived at the barrier.
// There is no timeout: a missing party blocks the rest indefinitely.
func (b *barrier) await() {
	b.mu.Lock()
	defer b.mu.Unlock()
	generation := b.generation
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for generation == b.generation {
		b.cond.Wait()
	}
}
