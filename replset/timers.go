package replset

import (
	"sync"
	"time"
)

type timerTask struct {
	id     uint64
	host   string
	repeat bool
	stopCh chan struct{}
}

// timerRegistry owns every timer started by the topology.  Tasks remove
// themselves once they complete or are stopped, so the registry only ever
// holds live timers.
type timerRegistry struct {
	lock    sync.Mutex
	nextID  uint64
	tasks   map[uint64]*timerTask
	stopped bool
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{
		tasks: make(map[uint64]*timerTask),
	}
}

func (r *timerRegistry) register(host string, repeat bool) *timerTask {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.stopped {
		return nil
	}

	r.nextID++
	task := &timerTask{
		id:     r.nextID,
		host:   host,
		repeat: repeat,
		stopCh: make(chan struct{}),
	}
	r.tasks[task.id] = task
	return task
}

func (r *timerRegistry) deregister(task *timerTask) {
	r.lock.Lock()
	delete(r.tasks, task.id)
	r.lock.Unlock()
}

// after runs fn once after delay.  It returns false if the registry has
// already been stopped.
func (r *timerRegistry) after(host string, delay time.Duration, fn func()) bool {
	task := r.register(host, false)
	if task == nil {
		return false
	}

	go func() {
		defer r.deregister(task)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-task.stopCh:
			return
		}

		fn()
	}()

	return true
}

// every runs fn each interval until stopped.  Invocations for one task never
// overlap.
func (r *timerRegistry) every(host string, interval time.Duration, fn func()) bool {
	task := r.register(host, true)
	if task == nil {
		return false
	}

	go func() {
		defer r.deregister(task)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-task.stopCh:
				return
			}

			select {
			case <-task.stopCh:
				return
			default:
			}

			fn()
		}
	}()

	return true
}

// monitoring reports whether a repeating task already exists for host.
func (r *timerRegistry) monitoring(host string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	for _, task := range r.tasks {
		if task.repeat && task.host == host {
			return true
		}
	}
	return false
}

// stopAll cancels every task and refuses any later registration.
func (r *timerRegistry) stopAll() {
	r.lock.Lock()
	tasks := r.tasks
	r.tasks = make(map[uint64]*timerTask)
	r.stopped = true
	r.lock.Unlock()

	for _, task := range tasks {
		close(task.stopCh)
	}
}

func (r *timerRegistry) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()

	return len(r.tasks)
}
