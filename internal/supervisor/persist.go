package supervisor

import (
	"context"
	"log"
	"sync"

	"tuner/internal/state"
)

// persister writes Recovery Records in submission order on its own
// goroutine, so no store call ever runs under the supervisor lock. Only the
// newest unsaved record is kept; a newer submission supersedes it.
type persister struct {
	store state.Store
	log   *log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending *state.Record
	queued  uint64
	saved   uint64
	closing bool
	stopped bool
	done    chan struct{}
}

func newPersister(store state.Store, l *log.Logger) *persister {
	p := &persister{store: store, log: l, done: make(chan struct{})}
	p.cond = sync.NewCond(&p.mu)
	go p.run()
	return p
}

// submit queues rec and returns its sequence number for wait.
func (p *persister) submit(rec state.Record) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.log.Printf("[Supervisor] State not saved, supervisor is closed (status %s)", rec.Status)
		return p.saved
	}
	p.queued++
	p.pending = &rec
	p.cond.Broadcast()
	return p.queued
}

// latest is the sequence number of the newest submitted record.
func (p *persister) latest() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// wait blocks until the record numbered seq, or a newer one, has been
// written or has failed to write.
func (p *persister) wait(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.saved < seq && !p.stopped {
		p.cond.Wait()
	}
}

// close writes whatever is pending, then stops the goroutine.
func (p *persister) close() {
	p.mu.Lock()
	p.closing = true
	p.cond.Broadcast()
	p.mu.Unlock()
	<-p.done
}

func (p *persister) run() {
	defer close(p.done)
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for p.pending == nil && !p.closing {
			p.cond.Wait()
		}
		if p.pending == nil {
			p.stopped = true
			p.cond.Broadcast()
			return
		}
		rec, seq := *p.pending, p.queued
		p.pending = nil
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := p.store.Save(ctx, rec); err != nil {
			p.log.Printf("[Supervisor] Failed to save state: %v", err)
		}
		cancel()

		p.mu.Lock()
		p.saved = seq
		p.cond.Broadcast()
	}
}
