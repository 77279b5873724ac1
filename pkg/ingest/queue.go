package ingest

import (
	"errors"
	"sync"
	"sync/atomic"

	"threadline/pkg/models"
	"threadline/pkg/telemetry"
)

var (
	ErrQueueFull   = errors.New("generation queue is full")
	ErrQueueClosed = errors.New("generation queue is closed")
)

// Job is one admitted turn waiting for generation.
type Job struct {
	Turn    models.Turn
	Message models.Message
	EnqSeq  uint64
	EnqTS   int64
}

// Queue is a bounded, non-blocking FIFO of jobs.
type Queue struct {
	ch       chan *Job
	capacity int
	dropped  uint64
	seq      uint64
	closed   int32

	enqWg     sync.WaitGroup
	closeOnce sync.Once
}

// NewQueue creates a Queue of the given capacity (>0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		panic("ingest.NewQueue: capacity must be > 0; ensure config.ValidateConfig() applied defaults")
	}
	return &Queue{ch: make(chan *Job, capacity), capacity: capacity}
}

// Enqueue offers j without blocking.
func (q *Queue) Enqueue(j *Job) error {
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrQueueClosed
	}
	q.enqWg.Add(1)
	defer q.enqWg.Done()
	if atomic.LoadInt32(&q.closed) == 1 {
		return ErrQueueClosed
	}

	j.EnqSeq = atomic.AddUint64(&q.seq, 1)
	select {
	case q.ch <- j:
		telemetry.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Close stops accepting jobs. Jobs already queued are still delivered.
func (q *Queue) Close() {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return
	}
	q.enqWg.Wait()
	q.closeOnce.Do(func() { close(q.ch) })
}

func (q *Queue) Len() int         { return len(q.ch) }
func (q *Queue) Cap() int         { return q.capacity }
func (q *Queue) Dropped() uint64  { return atomic.LoadUint64(&q.dropped) }
func (q *Queue) Out() <-chan *Job { return q.ch }

// RunWorker consumes jobs one by one until the queue is closed and drained
// or stop is closed.
func RunWorker(q *Queue, stop <-chan struct{}, handler func(*Job) error) {
	for {
		select {
		case j, ok := <-q.ch:
			if !ok {
				return
			}
			telemetry.QueueDepth.Set(float64(len(q.ch)))
			func(j *Job) {
				tr := telemetry.Track("ingest.worker_process")
				defer tr.Finish()
				_ = handler(j)
				tr.Mark("handler")
			}(j)
		case <-stop:
			return
		}
	}
}
