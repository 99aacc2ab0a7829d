package server

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull   = errors.New("worker queue full")
	ErrPoolStopped = errors.New("worker pool stopped")
)

// Job is one unit of work for the pool. A *Conn is a Job: one protocol
// step followed by re-arming its socket.
type Job interface {
	Process()
}

// WorkerPool runs jobs on a fixed set of goroutines fed from a bounded
// FIFO queue. Submit never blocks.
type WorkerPool struct {
	N int

	queue chan Job
	quit  chan struct{}

	mu      sync.RWMutex
	stopped bool

	wg  *sync.WaitGroup
	log zerolog.Logger
}

func NewWorkerPool(workers, maxRequests int, log zerolog.Logger) (*WorkerPool, error) {
	if workers <= 0 || maxRequests <= 0 {
		return nil, errors.Errorf("invalid worker pool size workers=%d queue=%d", workers, maxRequests)
	}
	p := &WorkerPool{
		N:     workers,
		queue: make(chan Job, maxRequests),
		quit:  make(chan struct{}),
		wg:    &sync.WaitGroup{},
		log:   log,
	}

	// start workers now
	for i := range p.N {
		p.wg.Go(func() {
			p.run(i)
		})
	}
	p.log.Debug().Int("workers", workers).Int("queue", maxRequests).Msg("worker pool started")
	return p, nil
}

func (p *WorkerPool) run(id int) {
	for {
		// stop wins over queued work
		select {
		case <-p.quit:
			return
		default:
		}

		select {
		case <-p.quit:
			return
		case job := <-p.queue:
			p.exec(id, job)
		}
	}
}

func (p *WorkerPool) exec(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", id).Interface("panic", r).Msg("job panicked")
		}
	}()
	job.Process()
}

// Submit queues job. It returns ErrQueueFull when the queue is at
// capacity and ErrPoolStopped after Stop.
func (p *WorkerPool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued jobs not yet picked up.
func (p *WorkerPool) Pending() int { return len(p.queue) }

// Stop refuses further submissions and waits for the jobs that workers
// already took. Jobs still queued are not run; their count is returned.
func (p *WorkerPool) Stop() int {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return 0
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()

	dropped := 0
	for {
		select {
		case <-p.queue:
			dropped++
		default:
			if dropped > 0 {
				p.log.Warn().Int("dropped", dropped).Msg("worker pool stopped with queued jobs")
			}
			return dropped
		}
	}
}
