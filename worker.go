package broker

import (
	"golang.org/x/sync/errgroup"
)

// DefaultWorkerPoolSize is the routing worker pool size used when
// NewServer is given a workerPoolSize of zero or less
// (spec §5: "a bounded pool of worker tasks sized at configuration
// time (typical 20)").
const DefaultWorkerPoolSize = 20

// workerPool dispatches Publish/Subscribe/Unsubscribe processing to a
// bounded number of concurrent goroutines. Grounded on the teacher's
// errgroup.WithContext fan-out in TopicSubscribed.Exchange, replacing its
// unbounded one-goroutine-per-recipient spawn with errgroup's SetLimit so
// the pool never exceeds the configured size.
type workerPool struct {
	group *errgroup.Group
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = DefaultWorkerPoolSize
	}
	g := new(errgroup.Group)
	g.SetLimit(size)
	return &workerPool{group: g}
}

// submit enqueues fn. If every worker slot is busy, submit blocks the
// caller until one frees up, applying natural backpressure on the
// reader loop that dispatches routing work.
func (p *workerPool) submit(fn func()) {
	p.group.Go(func() error {
		fn()
		return nil
	})
}

// drain blocks until every submitted job has completed. Used during
// shutdown, after the accept loop and all reader loops have stopped.
func (p *workerPool) drain() {
	_ = p.group.Wait()
}
