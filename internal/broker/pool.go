package broker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// workerPool runs a fixed number of goroutines over a bounded job channel.
// The buffer lets the poll loop hand off a full fetch batch without waiting
// for slow handlers; when every worker is busy and the buffer is full the
// poll loop blocks, which is the intended backpressure.
type workerPool struct {
	jobs   chan []byte
	handle func(ctx context.Context, data []byte)
	log    *zap.Logger
	wg     sync.WaitGroup
}

func newWorkerPool(buffer int, handle func(ctx context.Context, data []byte), log *zap.Logger) *workerPool {
	return &workerPool{
		jobs:   make(chan []byte, buffer),
		handle: handle,
		log:    log,
	}
}

func (p *workerPool) start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for data := range p.jobs {
		p.run(ctx, data)
	}
}

// run executes one job, containing panics so a malformed message can never
// take down a worker loop.
func (p *workerPool) run(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("handler panic", zap.Any("panic", r))
		}
	}()
	p.handle(ctx, data)
}

// submit enqueues a job unless the context ends first.
func (p *workerPool) submit(ctx context.Context, data []byte) bool {
	select {
	case p.jobs <- data:
		return true
	case <-ctx.Done():
		return false
	}
}

// close stops accepting jobs and waits for in-flight handlers to finish.
func (p *workerPool) close() {
	close(p.jobs)
	p.wg.Wait()
}
