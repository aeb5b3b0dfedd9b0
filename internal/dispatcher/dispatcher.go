// Package dispatcher runs the worker pool that drains the source queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/baikalmedia/tourism-monitor/internal/metrics"
	"github.com/baikalmedia/tourism-monitor/internal/monitor"
)

// Handler consumes one queued source harvest. The pipeline Runner
// satisfies it.
type Handler interface {
	HandleSource(ctx context.Context, item monitor.QueueItem)
}

// Dispatcher fans queue items out to a fixed pool of workers.
type Dispatcher struct {
	queue   monitor.Queue
	handler Handler
	size    int
	logger  *zap.Logger
}

// New creates a Dispatcher with size workers.
func New(queue monitor.Queue, handler Handler, size int, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		handler: handler,
		size:    size,
		logger:  logger,
	}
}

// Run starts the pool and blocks until the context finishes and every
// worker has handed back its current item.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.size; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.work(ctx, id)
		}(i)
	}
	<-ctx.Done()
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, id int) {
	logger := d.logger.With(zap.Int("worker", id))
	for {
		item, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued source",
			zap.String("run_id", item.RunID),
			zap.String("source", item.Source.Name))
		metrics.IncActiveWorkers()
		d.handler.HandleSource(ctx, item)
		metrics.DecActiveWorkers()
	}
}
