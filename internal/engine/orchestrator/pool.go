package orchestrator

import (
	"context"
	"sync"

	"github.com/surge-downloader/hotupdate/internal/engine/task"
	"github.com/surge-downloader/hotupdate/internal/utils"
)

// workerPool runs tasks on a fixed number of workers in FIFO order
type workerPool struct {
	taskChan chan *task.Task
	wg       sync.WaitGroup
}

// newWorkerPool starts size workers. queueLen must cover every Add of the pass
// so that Add never blocks the event loop.
func newWorkerPool(ctx context.Context, size, queueLen int) *workerPool {
	pool := &workerPool{
		taskChan: make(chan *task.Task, queueLen),
	}
	for i := 0; i < size; i++ {
		pool.wg.Add(1)
		go pool.worker(ctx, i)
	}
	return pool
}

func (p *workerPool) Add(tk *task.Task) {
	p.taskChan <- tk
}

func (p *workerPool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tk := <-p.taskChan:
			if err := tk.Run(ctx); err != nil {
				utils.Debug("worker %d: %s: %v", n, tk.Info().FileName, err)
			}
		}
	}
}

// Wait blocks until every worker has returned. Workers return once ctx is done.
func (p *workerPool) Wait() {
	p.wg.Wait()
}
