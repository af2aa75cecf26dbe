package worker

import (
	"container/list"
	"sync"
	"time"
)

type projectQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher spreads conversion jobs across the worker pool with
// round-robin fairness per project, so one project's bulk upload cannot
// starve everyone else's conversions.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // entry point for outside jobs
	Manager  *Manager

	mu        sync.Mutex
	queues    map[string]*projectQueue // pending jobs per project
	ready     *list.List               // round-robin queue of project ids
	positions map[string]*list.Element
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

func NewDispatcher(cfg DispatcherConfig, manager *Manager) *Dispatcher {
	minWorkers := cfg.MinWorkers
	if minWorkers <= 0 {
		minWorkers = 1
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	pool := newJobChannelPool(minWorkers, maxWorkers, cfg.WorkerIdleTimeout, manager)
	jobQueue := make(chan Job, queueSize)

	d := &Dispatcher{
		queues:    make(map[string]*projectQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		pool:      pool,
		JobQueue:  jobQueue,
		Manager:   manager,
	}

	// Warm up the minimum worker count.
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the project at the front of the ring
		if !d.dispatchOne() {
			job := <-d.JobQueue // nothing pending, block for work
			d.enqueueJob(job)
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
		}
	}
}

// CancelProject drops all still-queued jobs of a project. In-flight
// conversions are unaffected; registry state stays consistent either way.
func (d *Dispatcher) CancelProject(projectID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.queues, projectID)
	if elem, ok := d.positions[projectID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, projectID)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	projectID := job.projectID()
	if projectID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[projectID]
	if q == nil {
		q = &projectQueue{}
		d.queues[projectID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(projectID)
	d.positions[projectID] = elem
}

// dispatchOne hands the front project's next job to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	for elem != nil {
		projectID := elem.Value.(string)
		q := d.queues[projectID]
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		if len(q.jobs) == 0 {
			q.enqueued = false
			d.ready.Remove(elem)
			delete(d.positions, projectID)
		} else {
			d.ready.MoveToBack(elem)
		}
		d.mu.Unlock()

		workerChan := d.pool.acquire()
		debugLog("[dispatcher] assign %s job for project %s", job.Type, projectID)
		workerChan <- job
		return true
	}
	d.mu.Unlock()
	return false
}
