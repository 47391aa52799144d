package storage

import (
	"time"

	"github.com/fhirstore/resourceserver/internal/fhirerr"
	"github.com/fhirstore/resourceserver/internal/metrics"
)

// DefaultPoolWidth and DefaultQueueDepth match the Batch/Transaction
// Processor's default sizing: a fixed worker count serializes submitted
// batches onto the store's single writeMu without letting an unbounded
// number of goroutines pile up waiting on it.
const (
	DefaultPoolWidth    = 20
	DefaultQueueDepth   = 100
	DefaultWriteTimeout = 10 * time.Second
)

// writeJob is one WriteBatch call submitted through the pool.
type writeJob struct {
	mutations []Mutation
	result    chan writeJobResult
}

type writeJobResult struct {
	res WriteResult
	err error
}

// WritePool bounds how many WriteBatch calls run concurrently against a
// ResourceStore, modeled on the teacher's entryPool/bufferPool idiom in
// pkg/wal/pool.go: a fixed set of reusable units of work rather than a
// goroutine per caller. Where the teacher's pools reuse struct values to
// cut GC pressure, this pool reuses worker goroutines to cut contention
// on writeMu and to give the store a place to enforce a submit queue
// depth and a per-write deadline.
type WritePool struct {
	store   *ResourceStore
	jobs    chan writeJob
	timeout time.Duration
	done    chan struct{}
}

// NewWritePool starts width worker goroutines pulling from a queue of
// depth queueDepth. A queue that is already full when Submit is called
// rejects the write immediately with fhirerr.Busy rather than blocking
// the caller indefinitely.
func NewWritePool(store *ResourceStore, width, queueDepth int, timeout time.Duration) *WritePool {
	if width <= 0 {
		width = DefaultPoolWidth
	}
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	p := &WritePool{
		store:   store,
		jobs:    make(chan writeJob, queueDepth),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	for i := 0; i < width; i++ {
		go p.worker()
	}
	return p
}

func (p *WritePool) worker() {
	for {
		select {
		case job := <-p.jobs:
			res, err := p.store.WriteBatch(job.mutations)
			job.result <- writeJobResult{res: res, err: err}
		case <-p.done:
			return
		}
	}
}

// Submit enqueues one batch of mutations and blocks until it has been
// applied, timed out, or the queue was full. A full queue and an expired
// deadline both surface as fhirerr.Busy: the caller (the batch
// processor, ultimately the HTTP layer) maps that to a 429/503-style
// response rather than hanging.
func (p *WritePool) Submit(mutations []Mutation) (WriteResult, error) {
	job := writeJob{mutations: mutations, result: make(chan writeJobResult, 1)}

	metrics.WriteQueueDepth.Inc()
	defer metrics.WriteQueueDepth.Dec()

	select {
	case p.jobs <- job:
	default:
		metrics.WorkerPoolRejectionsTotal.Inc()
		return WriteResult{}, fhirerr.New(fhirerr.Busy, "throttled", "write pool queue is full")
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case r := <-job.result:
		return r.res, r.err
	case <-timer.C:
		metrics.WorkerPoolTimeoutsTotal.Inc()
		return WriteResult{}, fhirerr.New(fhirerr.Busy, "timeout", "write did not complete within the write pool deadline")
	}
}

// Close stops every worker goroutine. Jobs already queued are abandoned;
// callers still waiting on Submit will time out on their own deadline.
func (p *WritePool) Close() {
	close(p.done)
}
