package resourceloader

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/anima-streamer/engine/assets/loaders"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/**
 * @brief Streams buffers, textures and geometry to one or more renderers.
 * Uploads go through a ring of staging buffers per renderer and are
 * submitted on a dedicated copy queue. Every upload returns a SyncToken.
 */
type ResourceLoader struct {
	desc    ResourceLoaderDesc
	engines []*copyEngine
	tokens  *tokenTracker
	metrics *core.UploadMetrics
	events  *core.EventSystem

	textureLoader  loaders.TextureLoader
	geometryLoader loaders.GeometryLoader

	// mutex guards the copy engines, the file request queue and the flags
	// below. cond is broadcast on every change producers or the worker wait on.
	mutex    sync.Mutex
	cond     *sync.Cond
	requests []*fileRequest
	notices  []loadNotice
	stalled  bool
	exiting  bool
	failed   bool
	idle     bool

	// pumpMutex serializes streamer iterations.
	pumpMutex  sync.Mutex
	workerDone chan struct{}
}

/**
 * @brief Initializes a resource loader for a single renderer.
 * @param r The renderer uploads are submitted to.
 * @param desc The loader configuration. Nil uses DefaultResourceLoaderDesc.
 * @param events Optional event system for resource and idle events.
 */
func Init(r renderer.RendererBackend, desc *ResourceLoaderDesc, events *core.EventSystem) (*ResourceLoader, error) {
	if r == nil {
		return nil, fmt.Errorf("resource loader init: %w", core.ErrInvalidDesc)
	}
	return InitUnlinked([]renderer.RendererBackend{r}, desc, events)
}

/**
 * @brief Initializes a resource loader driving several unlinked renderers.
 * Renderer i serves NodeIndex i.
 */
func InitUnlinked(renderers []renderer.RendererBackend, desc *ResourceLoaderDesc, events *core.EventSystem) (*ResourceLoader, error) {
	if len(renderers) == 0 {
		return nil, fmt.Errorf("resource loader init: no renderers: %w", core.ErrInvalidDesc)
	}
	d := DefaultResourceLoaderDesc
	if desc != nil {
		d = *desc
	}
	d = d.withDefaults()

	l := &ResourceLoader{
		desc:       d,
		engines:    make([]*copyEngine, len(renderers)),
		tokens:     newTokenTracker(),
		metrics:    core.NewUploadMetrics(),
		events:     events,
		idle:       true,
		workerDone: make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mutex)

	var g errgroup.Group
	for i, r := range renderers {
		g.Go(func() error {
			if r == nil {
				return fmt.Errorf("renderer %d: %w", i, core.ErrInvalidDesc)
			}
			e, err := newCopyEngine(r, d)
			if err != nil {
				return err
			}
			e.nodeIndex = uint32(i)
			l.engines[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, e := range l.engines {
			if e != nil {
				e.destroy()
			}
		}
		core.LogError("failed to initialize resource loader: %s", err)
		return nil, err
	}

	if !d.SingleThreaded {
		go l.run()
	} else {
		close(l.workerDone)
	}
	core.LogInfo("resource loader initialized: %d renderer(s), %d staging buffers of %d bytes, single threaded: %t",
		len(renderers), d.BufferCount, d.BufferSize, d.SingleThreaded)
	return l, nil
}

/**
 * @brief Drains every queued upload and releases the staging rings.
 * Resources created through the loader are owned by the caller and stay alive.
 */
func (l *ResourceLoader) Exit() error {
	l.mutex.Lock()
	if l.exiting {
		l.mutex.Unlock()
		return nil
	}
	l.exiting = true
	l.cond.Broadcast()
	l.mutex.Unlock()

	if l.desc.SingleThreaded {
		for l.hasWork() {
			if !l.step(true) && !l.hasWork() {
				break
			}
		}
	}
	<-l.workerDone

	for _, e := range l.engines {
		if err := e.renderer.QueueWaitIdle(e.queue); err != nil {
			core.LogWarn("node %d: wait for copy queue: %s", e.nodeIndex, err)
		}
		e.destroy()
	}
	l.tokens.fail(core.ErrLoaderShutdown)
	core.LogInfo("resource loader shut down (last token completed: %d)", l.tokens.lastCompleted())
	return nil
}

func (l *ResourceLoader) engine(nodeIndex uint32) (*copyEngine, error) {
	if int(nodeIndex) >= len(l.engines) {
		return nil, fmt.Errorf("node %d of %d: %w", nodeIndex, len(l.engines), core.ErrNodeIndexOutOfRange)
	}
	return l.engines[nodeIndex], nil
}

// usable reports whether new work can be accepted.
func (l *ResourceLoader) usable() error {
	l.mutex.Lock()
	exiting := l.exiting
	l.mutex.Unlock()
	if exiting {
		return core.ErrLoaderShutdown
	}
	return l.tokens.failure()
}

// Renderer returns the renderer serving nodeIndex.
func (l *ResourceLoader) Renderer(nodeIndex uint32) (renderer.RendererBackend, error) {
	e, err := l.engine(nodeIndex)
	if err != nil {
		return nil, err
	}
	return e.renderer, nil
}

func (l *ResourceLoader) NodeCount() uint32 {
	return uint32(len(l.engines))
}

func (l *ResourceLoader) IsSingleThreaded() bool {
	return l.desc.SingleThreaded
}

func (l *ResourceLoader) Desc() ResourceLoaderDesc {
	return l.desc
}

func (l *ResourceLoader) Metrics() *core.UploadMetrics {
	return l.metrics
}

func (l *ResourceLoader) GetLastTokenCompleted() SyncToken {
	return l.tokens.lastCompleted()
}

func (l *ResourceLoader) GetLastTokenSubmitted() SyncToken {
	return l.tokens.lastSubmitted()
}

func (l *ResourceLoader) IsTokenCompleted(token SyncToken) bool {
	return l.tokens.reached(token, false)
}

func (l *ResourceLoader) IsTokenSubmitted(token SyncToken) bool {
	return l.tokens.reached(token, true)
}

/**
 * @brief Blocks until every upload up to token finished on the GPU.
 * @return core.ErrLoaderShutdown or the device error if the token can no longer complete.
 */
func (l *ResourceLoader) WaitForToken(token SyncToken) error {
	return l.wait(context.Background(), token, false)
}

// WaitForTokenContext is WaitForToken bounded by ctx. Cancelling ctx ends the
// wait, not the upload.
func (l *ResourceLoader) WaitForTokenContext(ctx context.Context, token SyncToken) error {
	return l.wait(ctx, token, false)
}

/**
 * @brief Blocks until every upload up to token was submitted to the copy queue.
 * Work that depends on it must wait on GetLastSemaphoreCompleted on the GPU.
 */
func (l *ResourceLoader) WaitForTokenSubmitted(token SyncToken) error {
	return l.wait(context.Background(), token, true)
}

func (l *ResourceLoader) wait(ctx context.Context, token SyncToken, submittedOnly bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.desc.SingleThreaded {
		return l.tokens.wait(ctx, token, submittedOnly)
	}
	// Nobody else moves the streamer forward.
	for !l.tokens.reached(token, submittedOnly) {
		if err := l.tokens.failure(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.step(true) {
			continue
		}
		// Another goroutine owns the remaining work, sleep until it moves.
		l.mutex.Lock()
		for !l.hasWorkLocked() && !l.exiting && !l.tokens.reached(token, submittedOnly) {
			l.cond.Wait()
		}
		stuck := l.exiting && !l.hasWorkLocked()
		l.mutex.Unlock()
		if stuck && !l.tokens.reached(token, submittedOnly) {
			return core.ErrLoaderShutdown
		}
	}
	return nil
}

/**
 * @brief Returns true when every token issued so far completed.
 */
func (l *ResourceLoader) AllResourceLoadsCompleted() bool {
	return l.tokens.lastCompleted() >= l.tokens.lastIssued()
}

/**
 * @brief Waits for every token issued before the call. Uploads started by
 * other goroutines after the call began are not waited for.
 */
func (l *ResourceLoader) WaitForAllResourceLoads() error {
	return l.WaitForToken(l.tokens.lastIssued())
}

/**
 * @brief Returns the semaphore signaled by the last copy batch submitted on
 * nodeIndex, or nil if nothing was submitted yet.
 */
func (l *ResourceLoader) GetLastSemaphoreCompleted(nodeIndex uint32) *metadata.Semaphore {
	e, err := l.engine(nodeIndex)
	if err != nil {
		return nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return e.lastSemaphore
}

/**
 * @brief Updates the loader. Should happen once an update cycle: in single
 * threaded mode it advances pending uploads and file loads without blocking.
 */
func (l *ResourceLoader) Update() {
	l.pump()
}

// pump runs one streamer iteration on the calling goroutine in single
// threaded mode and wakes the worker otherwise.
func (l *ResourceLoader) pump() {
	if l.desc.SingleThreaded {
		l.step(false)
		return
	}
	l.mutex.Lock()
	l.cond.Broadcast()
	l.mutex.Unlock()
}

// acquire reserves staging memory on e, blocking while the ring is full.
// Reservations that are committed right away (update false) do not wait for
// updates the caller may still hold open.
func (l *ResourceLoader) acquire(e *copyEngine, size uint64, alignment uint32, update bool) (*stagingAllocation, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for {
		if l.exiting {
			return nil, core.ErrLoaderShutdown
		}
		if err := l.tokens.failure(); err != nil {
			return nil, err
		}
		alloc, ok, err := e.tryReserveLocked(size, alignment, !update)
		if err != nil {
			return nil, err
		}
		if ok {
			return alloc, nil
		}

		if l.desc.SingleThreaded {
			l.mutex.Unlock()
			progressed := l.step(true)
			l.mutex.Lock()
			if !progressed && e.openSetLocked() == nil {
				// Every set waits on an update that was begun and never ended.
				core.LogWarn("node %d: staging ring exhausted by unfinished updates", e.nodeIndex)
				return nil, fmt.Errorf("node %d staging ring: %w", e.nodeIndex, core.ErrQueueFull)
			}
			continue
		}

		e.spaceWaiters++
		l.cond.Broadcast()
		l.cond.Wait()
		e.spaceWaiters--
	}
}

// commit hands a filled reservation over to its set.
func (l *ResourceLoader) commit(alloc *stagingAllocation, req *uploadRequest) {
	req.src = alloc.Buffer
	req.srcOffset = alloc.Offset
	req.state = metadata.UploadStateCopiedToStaging

	l.mutex.Lock()
	l.tokens.addPart(req.token)
	alloc.set.copies = append(alloc.set.copies, req)
	alloc.set.bytes += uint64(len(alloc.Data))
	alloc.set.reserved--
	l.stalled = false
	l.idle = false
	l.cond.Broadcast()
	l.mutex.Unlock()
}

// release drops a reservation that will not be committed.
func (l *ResourceLoader) release(alloc *stagingAllocation) {
	l.mutex.Lock()
	alloc.set.reserved--
	l.cond.Broadcast()
	l.mutex.Unlock()
}

// stage reserves, fills and commits parts on the calling goroutine.
func (l *ResourceLoader) stage(e *copyEngine, token SyncToken, parts []stagingPart) error {
	for i := range parts {
		p := &parts[i]
		alloc, err := l.acquire(e, p.size, p.alignment, false)
		if err != nil {
			return err
		}
		if err := p.fill(alloc.Data); err != nil {
			l.release(alloc)
			return err
		}
		req := p.request
		req.token = token
		l.commit(alloc, &req)
	}
	return nil
}

// tryStage stages as many parts as fit without blocking and returns how
// many were committed.
func (l *ResourceLoader) tryStage(e *copyEngine, token SyncToken, parts []stagingPart) (int, error) {
	for i := range parts {
		p := &parts[i]
		l.mutex.Lock()
		alloc, ok, err := e.tryReserveLocked(p.size, p.alignment, false)
		l.mutex.Unlock()
		if err != nil {
			return i, err
		}
		if !ok {
			return i, nil
		}
		if err := p.fill(alloc.Data); err != nil {
			l.release(alloc)
			return i, err
		}
		req := p.request
		req.token = token
		l.commit(alloc, &req)
	}
	return len(parts), nil
}
