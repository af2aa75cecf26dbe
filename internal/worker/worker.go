package worker

// Worker pulls conversion jobs off its channel until told to stop.
type Worker struct {
	manager    *Manager
	workerPool *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
}

func NewWorker(pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		manager:    manager,
		workerPool: pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			// Offer ourselves to the pool before waiting for work.
			w.workerPool.Release(w.jobChannel)
			select {
			case job := <-w.jobChannel:
				switch job.Type {
				case Convert:
					w.manager.handleConvert(job.Convert)
				case Stop:
					w.workerPool.retire(w.jobChannel)
					return
				}
			case <-w.quit:
				w.workerPool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) StopNow() {
	close(w.quit)
}
