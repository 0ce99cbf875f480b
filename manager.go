package dripflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Manager owns the worker goroutines of a Queue.
type Manager struct {
	cfg    *Config
	queue  *Queue
	ctx    context.Context
	cancel context.CancelFunc
	wg      sync.WaitGroup
	wakeup  chan struct{}
	workers []*Worker
}

func startWorkersInternal(ctx context.Context, count int, q *Queue) *Manager {
	mgrCtx, cancel := context.WithCancel(ctx)
	mgr := &Manager{
		cfg:    q.cfg,
		queue:  q,
		ctx:    mgrCtx,
		cancel: cancel,
		wakeup: make(chan struct{}, count),
	}

	q.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Starting %d workers on queue %s...", count, q.cfg.Queue),
	})

	for i := 0; i < count; i++ {
		w := &Worker{
			id:      fmt.Sprintf("worker-%d", i),
			cfg:     q.cfg,
			manager: mgr,
		}
		mgr.workers = append(mgr.workers, w)
		mgr.wg.Add(1)
		go func(worker *Worker) {
			defer mgr.wg.Done()
			worker.Run(mgr.ctx)
		}(w)
	}

	return mgr
}

// Shutdown attempts a graceful shutdown: cancel context, wait for workers up to 'timeout'.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.cfg.logInfo(LogEvent{Message: "Shutdown requested. Stopping workers..."})
	m.cancel()

	doneCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		m.cfg.logInfo(LogEvent{Message: "All workers exited cleanly."})
	case <-time.After(timeout):
		m.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Shutdown timed out after %v. Some workers may still be running.", timeout),
		})
	}
}

func (m *Manager) snapshot() []WorkerInfo {
	out := make([]WorkerInfo, len(m.workers))
	for i, w := range m.workers {
		out[i] = w.info()
	}
	return out
}
