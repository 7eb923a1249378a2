package resourceloader

import (
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

// run is the streamer goroutine. It sleeps until there is something to
// stage, submit or retire and leaves once Exit was called and everything
// queued has completed.
func (l *ResourceLoader) run() {
	defer close(l.workerDone)
	core.LogDebug("resource loader worker started")
	for {
		l.mutex.Lock()
		for !l.hasWorkLocked() && !l.exiting {
			l.cond.Wait()
		}
		if l.exiting && !l.hasWorkLocked() {
			l.mutex.Unlock()
			core.LogDebug("resource loader worker stopped")
			return
		}
		l.mutex.Unlock()

		l.step(true)
	}
}

func (l *ResourceLoader) hasWork() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.hasWorkLocked()
}

func (l *ResourceLoader) hasWorkLocked() bool {
	if l.failed {
		return false
	}
	if len(l.requests) > 0 && !l.stalled {
		return true
	}
	for _, e := range l.engines {
		if e.hasWorkLocked() {
			return true
		}
	}
	return false
}

// step runs one streamer iteration: stage queued file loads, then flush and
// retire the copy sets of every node. With block set, a node that cannot
// make progress otherwise waits for its oldest in flight set. Reports
// whether anything moved.
func (l *ResourceLoader) step(block bool) bool {
	l.pumpMutex.Lock()
	defer l.pumpMutex.Unlock()

	progressed := l.processFileRequests()

	results := make([]bool, len(l.engines))
	var g errgroup.Group
	for i, e := range l.engines {
		g.Go(func() error {
			moved, err := l.flushEngine(e, block && !progressed)
			results[i] = moved
			return err
		})
	}
	if err := g.Wait(); err != nil {
		l.fail(err)
		return false
	}
	for _, moved := range results {
		progressed = progressed || moved
	}

	l.fireNotices()

	l.mutex.Lock()
	l.cond.Broadcast()
	idle := !l.idle && len(l.requests) == 0
	for _, e := range l.engines {
		idle = idle && e.idleLocked()
	}
	if idle {
		l.idle = true
	}
	l.mutex.Unlock()
	if idle && l.events != nil && l.AllResourceLoadsCompleted() {
		ctx := core.EventContext{}
		ctx.Data.U64[0] = uint64(l.tokens.lastCompleted())
		l.events.Fire(core.EVENT_CODE_LOADER_IDLE, l, ctx)
	}
	return progressed
}

// processFileRequests decodes and stages queued file loads in FIFO order.
// It stops at the first request that does not fit the staging ring.
func (l *ResourceLoader) processFileRequests() bool {
	progressed := false
	for {
		l.mutex.Lock()
		if len(l.requests) == 0 {
			l.mutex.Unlock()
			return progressed
		}
		r := l.requests[0]
		l.mutex.Unlock()

		if !r.prepared {
			var err error
			if r.kind == fileRequestTexture {
				err = l.prepareTextureFile(r)
			} else {
				err = l.prepareGeometryFile(r)
			}
			if err != nil {
				l.finishFileRequest(r, err)
				progressed = true
				continue
			}
			r.prepared = true
		}

		n, err := l.tryStage(r.node, r.token, r.parts[r.next:])
		r.next += n
		if n > 0 {
			progressed = true
		}
		if err != nil {
			l.finishFileRequest(r, err)
			continue
		}
		if r.next < len(r.parts) {
			l.mutex.Lock()
			l.stalled = true
			l.mutex.Unlock()
			return progressed
		}
		l.finishFileRequest(r, nil)
		progressed = true
	}
}

// finishFileRequest pops the head request and closes its token. A failed
// request completes with whatever it staged so far.
func (l *ResourceLoader) finishFileRequest(r *fileRequest, err error) {
	l.mutex.Lock()
	l.requests = l.requests[1:]
	if err == nil {
		l.notices = append(l.notices, loadNotice{token: r.token, name: r.name(), resourceType: r.resourceType(), payload: r.payload()})
	}
	l.mutex.Unlock()
	r.parts = nil
	l.tokens.close(r.token)

	if err != nil {
		core.LogError("failed to load %s %q: %s", r.resourceType(), r.name(), err)
		if l.events != nil {
			ctx := core.EventContext{}
			ctx.Data.U64[0] = uint64(r.token)
			ctx.Data.C[0] = r.name()
			ctx.Data.C[1] = err.Error()
			l.events.Fire(core.EVENT_CODE_RESOURCE_FAILED, l, ctx)
		}
	}
}

// fireNotices reports file loads whose tokens completed.
func (l *ResourceLoader) fireNotices() {
	l.mutex.Lock()
	var ready []loadNotice
	pending := l.notices[:0]
	for _, n := range l.notices {
		if l.tokens.reached(n.token, false) {
			ready = append(ready, n)
		} else {
			pending = append(pending, n)
		}
	}
	l.notices = pending
	l.mutex.Unlock()

	for _, n := range ready {
		core.LogDebug("%s %q loaded (token %d)", n.resourceType, n.name, n.token)
		if l.events != nil {
			ctx := core.EventContext{}
			ctx.Data.U64[0] = uint64(n.token)
			ctx.Data.C[0] = n.name
			ctx.Data.U32[0] = uint32(n.resourceType)
			ctx.Payload = n.payload
			l.events.Fire(core.EVENT_CODE_RESOURCE_LOADED, l, ctx)
		}
	}
}

// flushEngine submits the sets of e that are ready and retires completed
// ones. When wait is set and nothing could be submitted, or producers are
// waiting for space, it blocks on the oldest in flight set.
func (l *ResourceLoader) flushEngine(e *copyEngine, wait bool) (bool, error) {
	l.mutex.Lock()
	if e.open != nil && len(e.open.copies) > 0 {
		e.sealLocked()
	}
	var submit []*copySet
	for len(e.sealed) > 0 && e.sealed[0].reserved == 0 {
		set := e.sealed[0]
		e.sealed = e.sealed[1:]
		if len(set.copies) == 0 && len(set.tempBuffers) == 0 {
			set.state = setFree
			continue
		}
		set.state = setInFlight
		e.inFlight = append(e.inFlight, set)
		submit = append(submit, set)
	}
	l.mutex.Unlock()

	progressed := false
	for _, set := range submit {
		if err := e.recordSet(set); err != nil {
			return progressed, fmt.Errorf("node %d: submit staging set %d: %w", e.nodeIndex, set.index, err)
		}
		tokens := make([]SyncToken, len(set.copies))
		for i, c := range set.copies {
			c.state = metadata.UploadStateSubmitted
			tokens[i] = c.token
		}
		l.tokens.markSubmitted(tokens)

		l.mutex.Lock()
		e.lastSemaphore = set.semaphore
		l.mutex.Unlock()
		progressed = true
	}

	for {
		l.mutex.Lock()
		if len(e.inFlight) == 0 {
			l.mutex.Unlock()
			return progressed, nil
		}
		set := e.inFlight[0]
		needSpace := e.spaceWaiters > 0 || l.stalled
		l.mutex.Unlock()

		status, err := e.renderer.FenceStatus(set.fence)
		if err != nil {
			return progressed, fmt.Errorf("node %d: fence of staging set %d: %w", e.nodeIndex, set.index, err)
		}
		if status == metadata.FenceStatusIncomplete {
			if !(wait && !progressed) && !needSpace {
				return progressed, nil
			}
			if err := e.renderer.WaitForFences(set.fence); err != nil {
				return progressed, fmt.Errorf("node %d: wait staging set %d: %w", e.nodeIndex, set.index, err)
			}
		}
		l.completeSet(e, set)
		progressed = true
	}
}

// completeSet retires the oldest in flight set of e and frees it for reuse.
func (l *ResourceLoader) completeSet(e *copyEngine, set *copySet) {
	set.clock.Stop()
	tokens := make([]SyncToken, len(set.copies))
	for i, c := range set.copies {
		c.state = metadata.UploadStateCompleted
		tokens[i] = c.token
	}
	for _, temp := range set.tempBuffers {
		e.renderer.BufferDestroy(temp)
	}
	l.metrics.Update(set.clock.Elapsed(), set.bytes)

	l.mutex.Lock()
	e.inFlight = e.inFlight[1:]
	set.copies = nil
	set.tempBuffers = nil
	set.bytes = 0
	set.allocated = 0
	set.state = setFree
	l.stalled = false
	l.cond.Broadcast()
	l.mutex.Unlock()

	l.tokens.markCompleted(tokens)
}

// fail stops the loader after an unrecoverable backend error. Every waiter
// returns err from now on.
func (l *ResourceLoader) fail(err error) {
	if errors.Is(err, core.ErrDeviceLost) {
		core.LogError("resource loader: device lost: %s", err)
	} else {
		core.LogError("resource loader: %s", err)
	}
	l.mutex.Lock()
	l.failed = true
	l.cond.Broadcast()
	l.mutex.Unlock()
	l.tokens.fail(err)
}
