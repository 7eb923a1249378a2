package software

import (
	"sync"
	"time"

	"github.com/spaghettifunk/anima-streamer/engine/containers"
	"github.com/spaghettifunk/anima-streamer/engine/core"
)

type submission struct {
	ops     []func() error
	waits   []*semaphoreState
	signals []*semaphoreState
	fence   *fenceState
}

// queueState executes submissions in order. Pending submissions live in a
// bounded ring, QueueSubmit blocks while it is full.
type queueState struct {
	backend *Backend

	mutex   sync.Mutex
	cond    *sync.Cond
	pending *containers.RingQueue[*submission]
	busy    bool
	stopped bool
	done    chan struct{}
}

func newQueueState(b *Backend) *queueState {
	q := &queueState{
		backend: b,
		pending: containers.NewRingQueue[*submission](queueDepth),
		done:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *queueState) push(sub *submission) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for {
		if q.stopped {
			return core.ErrDeviceLost
		}
		err := q.pending.Enqueue(sub)
		if err == nil {
			q.cond.Broadcast()
			return nil
		}
		q.cond.Wait()
	}
}

func (q *queueState) run() {
	defer close(q.done)
	for {
		q.mutex.Lock()
		for q.pending.IsEmpty() && !q.stopped {
			q.cond.Wait()
		}
		if q.pending.IsEmpty() && q.stopped {
			q.mutex.Unlock()
			return
		}
		sub, _ := q.pending.Dequeue()
		q.busy = true
		q.cond.Broadcast()
		q.mutex.Unlock()

		q.execute(sub)

		q.mutex.Lock()
		q.busy = false
		q.cond.Broadcast()
		q.mutex.Unlock()
	}
}

func (q *queueState) execute(sub *submission) {
	b := q.backend

	b.mutex.Lock()
	for _, wait := range sub.waits {
		for !wait.signaled && b.initialized && !b.lost {
			b.cond.Wait()
		}
		wait.signaled = false
	}
	b.mutex.Unlock()

	if b.config.CopyLatency > 0 {
		time.Sleep(b.config.CopyLatency)
	}
	for _, op := range sub.ops {
		if err := op(); err != nil {
			core.LogError("software queue: %s", err)
		}
	}

	b.mutex.Lock()
	for _, s := range sub.signals {
		s.signaled = true
	}
	if sub.fence != nil {
		sub.fence.signaled = true
	}
	b.cond.Broadcast()
	b.mutex.Unlock()
}

func (q *queueState) waitIdle() {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for (!q.pending.IsEmpty() || q.busy) && !q.stopped {
		q.cond.Wait()
	}
}

// stop lets the queue drain what was already submitted, then ends its goroutine.
func (q *queueState) stop() {
	q.mutex.Lock()
	if q.stopped {
		q.mutex.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	q.cond.Broadcast()
	q.mutex.Unlock()
	<-q.done
}
