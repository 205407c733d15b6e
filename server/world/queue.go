package world

// transaction is a deferred task waiting in the task queue of a World. The
// channel c is closed once the task has run.
type transaction struct {
	c chan struct{}
	f ExecFunc
}

// taskQueue is the bounded queue of deferred tasks of a World. Tasks are
// drained in submission order at the start of each tick, up to the per-tick
// drain cap. The queue never reorders tasks: priority only decides what
// happens to a submission once the queue is full.
type taskQueue struct {
	tasks chan transaction
}

func newTaskQueue(size int) *taskQueue {
	return &taskQueue{tasks: make(chan transaction, size)}
}

// push appends t to the queue and reports whether it was accepted. A
// high-priority push blocks until space frees up or closing is closed. A
// low-priority push gives up immediately when the queue is full.
func (q *taskQueue) push(t transaction, high bool, closing <-chan struct{}) bool {
	if !high {
		select {
		case q.tasks <- t:
			return true
		default:
			return false
		}
	}
	select {
	case q.tasks <- t:
		return true
	case <-closing:
		return false
	}
}

// pop removes the oldest task from the queue without blocking.
func (q *taskQueue) pop() (transaction, bool) {
	select {
	case t := <-q.tasks:
		return t, true
	default:
		return transaction{}, false
	}
}
