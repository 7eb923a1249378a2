package resourceloader

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

type setState int

const (
	setFree setState = iota
	// setOpen accepts reservations.
	setOpen
	// setSealed waits for its reservations to be committed before submission.
	setSealed
	// setInFlight was submitted, its fence is pending.
	setInFlight
)

// copySet is one staging buffer of the ring together with the command
// buffer and fence its copies are submitted with.
type copySet struct {
	index     int
	state     setState
	buffer    *metadata.Buffer
	allocated uint64
	reserved  int

	copies      []*uploadRequest
	tempBuffers []*metadata.Buffer
	bytes       uint64

	cmd       *metadata.Cmd
	fence     *metadata.Fence
	semaphore *metadata.Semaphore
	clock     core.Clock
}

// stagingAllocation is a reserved range of a staging or temporary buffer.
type stagingAllocation struct {
	MappedMemoryRange
	set *copySet
}

// copyEngine owns the staging ring and copy queue of one renderer. All of
// its mutable fields are guarded by the loader mutex.
type copyEngine struct {
	nodeIndex  uint32
	renderer   renderer.RendererBackend
	caps       metadata.GPUCapabilities
	queue      *metadata.Queue
	bufferSize uint64

	sets     []*copySet
	open     *copySet
	next     int
	sealed   []*copySet
	inFlight []*copySet

	spaceWaiters  int
	lastSemaphore *metadata.Semaphore
}

func newCopyEngine(r renderer.RendererBackend, desc ResourceLoaderDesc) (*copyEngine, error) {
	e := &copyEngine{
		nodeIndex:  r.NodeIndex(),
		renderer:   r,
		caps:       r.Capabilities(),
		bufferSize: desc.BufferSize,
	}
	queue, err := r.QueueCreate(metadata.QueueTypeTransfer)
	if err != nil {
		return nil, fmt.Errorf("node %d: create copy queue: %w", e.nodeIndex, err)
	}
	e.queue = queue

	for i := 0; i < int(desc.BufferCount); i++ {
		set := &copySet{index: i}
		e.sets = append(e.sets, set)
		set.buffer, err = r.BufferCreate(&metadata.BufferDesc{
			Name:        fmt.Sprintf("staging %d/%d", e.nodeIndex, i),
			Size:        desc.BufferSize,
			MemoryUsage: metadata.ResourceMemoryUsageCPUOnly,
			Flags:       metadata.BufferCreationFlagPersistentMap | metadata.BufferCreationFlagTransferOnly,
			StartState:  metadata.ResourceStateCopySource,
			NodeIndex:   e.nodeIndex,
		})
		if err == nil {
			set.cmd, err = r.CmdCreate(queue)
		}
		if err == nil {
			set.fence, err = r.FenceCreate()
		}
		if err == nil {
			set.semaphore, err = r.SemaphoreCreate()
		}
		if err != nil {
			e.destroy()
			return nil, fmt.Errorf("node %d: create staging set %d: %w", e.nodeIndex, i, err)
		}
	}
	core.LogDebug("node %d: staging ring of %d x %d bytes", e.nodeIndex, desc.BufferCount, desc.BufferSize)
	return e, nil
}

func (e *copyEngine) destroy() {
	for _, set := range e.sets {
		for _, temp := range set.tempBuffers {
			e.renderer.BufferDestroy(temp)
		}
		set.tempBuffers = nil
		if set.buffer != nil {
			e.renderer.BufferDestroy(set.buffer)
		}
		if set.cmd != nil {
			e.renderer.CmdDestroy(set.cmd)
		}
		if set.fence != nil {
			e.renderer.FenceDestroy(set.fence)
		}
		if set.semaphore != nil {
			e.renderer.SemaphoreDestroy(set.semaphore)
		}
	}
	e.sets = nil
	if e.queue != nil {
		e.renderer.QueueDestroy(e.queue)
		e.queue = nil
	}
}

// openSetLocked returns the open set, opening the next one of the ring
// when it is free. Nil means every set is busy.
func (e *copyEngine) openSetLocked() *copySet {
	if e.open != nil {
		return e.open
	}
	set := e.sets[e.next]
	if set.state != setFree {
		return nil
	}
	set.state = setOpen
	set.allocated = 0
	e.open = set
	e.next = (e.next + 1) % len(e.sets)
	return set
}

// sealLocked closes the open set to new reservations.
func (e *copyEngine) sealLocked() {
	if e.open == nil {
		return
	}
	e.open.state = setSealed
	e.sealed = append(e.sealed, e.open)
	e.open = nil
}

// tryReserveLocked reserves size bytes at the given alignment without
// blocking. A full open set is sealed and the next one tried. Requests
// larger than a staging buffer get a temporary buffer owned by the open set.
// With behindUpdates set, a ring held by unfinished updates also serves the
// request from a temporary buffer instead of reporting it full.
func (e *copyEngine) tryReserveLocked(size uint64, alignment uint32, behindUpdates bool) (*stagingAllocation, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		set := e.openSetLocked()
		if set == nil {
			if behindUpdates {
				return e.reserveBehindUpdatesLocked(size)
			}
			return nil, false, nil
		}

		if size > e.bufferSize {
			temp, err := e.createTempBuffer(size)
			if err != nil {
				return nil, false, err
			}
			set.tempBuffers = append(set.tempBuffers, temp)
			set.reserved++
			return &stagingAllocation{
				MappedMemoryRange: MappedMemoryRange{Data: temp.CPUMappedAddress[:size], Buffer: temp, Size: size},
				set:               set,
			}, true, nil
		}

		offset := alignUp(set.allocated, uint64(maxOf(alignment, 1)))
		if offset+size <= e.bufferSize {
			set.allocated = offset + size
			set.reserved++
			return &stagingAllocation{
				MappedMemoryRange: MappedMemoryRange{
					Data:   set.buffer.CPUMappedAddress[offset : offset+size],
					Buffer: set.buffer,
					Offset: offset,
					Size:   size,
				},
				set: set,
			}, true, nil
		}
		e.sealLocked()
	}
	return nil, false, nil
}

// reserveBehindUpdatesLocked places a reservation in the newest sealed set
// when the oldest set of the ring waits for an update that was begun and not
// ended. The set is submitted once that update ends, so the copy completes
// after it.
func (e *copyEngine) reserveBehindUpdatesLocked(size uint64) (*stagingAllocation, bool, error) {
	oldest := e.sets[e.next]
	if oldest.state != setSealed || oldest.reserved == 0 || len(e.sealed) == 0 {
		return nil, false, nil
	}
	set := e.sealed[len(e.sealed)-1]
	if size == 0 {
		set.reserved++
		return &stagingAllocation{MappedMemoryRange: MappedMemoryRange{Buffer: set.buffer}, set: set}, true, nil
	}
	temp, err := e.createTempBuffer(size)
	if err != nil {
		return nil, false, err
	}
	set.tempBuffers = append(set.tempBuffers, temp)
	set.reserved++
	return &stagingAllocation{
		MappedMemoryRange: MappedMemoryRange{Data: temp.CPUMappedAddress[:size], Buffer: temp, Size: size},
		set:               set,
	}, true, nil
}

func (e *copyEngine) createTempBuffer(size uint64) (*metadata.Buffer, error) {
	temp, err := e.renderer.BufferCreate(&metadata.BufferDesc{
		Name:        "temp upload " + uuid.NewString(),
		Size:        size,
		MemoryUsage: metadata.ResourceMemoryUsageCPUOnly,
		Flags:       metadata.BufferCreationFlagPersistentMap | metadata.BufferCreationFlagTransferOnly,
		StartState:  metadata.ResourceStateCopySource,
		NodeIndex:   e.nodeIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("node %d: temporary upload buffer of %d bytes: %w", e.nodeIndex, size, err)
	}
	core.LogDebug("node %d: %d byte upload does not fit the staging ring, using a temporary buffer", e.nodeIndex, size)
	return temp, nil
}

// hasWorkLocked reports whether flushing this engine can make progress.
func (e *copyEngine) hasWorkLocked() bool {
	if e.open != nil && len(e.open.copies) > 0 {
		return true
	}
	if len(e.sealed) > 0 && e.sealed[0].reserved == 0 {
		return true
	}
	return len(e.inFlight) > 0
}

// idleLocked reports whether nothing is staged or in flight.
func (e *copyEngine) idleLocked() bool {
	if e.open != nil && (len(e.open.copies) > 0 || e.open.reserved > 0) {
		return false
	}
	return len(e.sealed) == 0 && len(e.inFlight) == 0
}

// recordSet records the copies of a sealed set into its command buffer and
// submits it.
func (e *copyEngine) recordSet(set *copySet) error {
	r := e.renderer
	if err := r.CmdBegin(set.cmd); err != nil {
		return err
	}
	for _, c := range set.copies {
		switch c.kind {
		case uploadKindBuffer:
			r.CmdUpdateBuffer(set.cmd, c.dstBuffer, c.dstOffset, c.src, c.srcOffset, c.size)
		case uploadKindTexture:
			sub := c.subresource
			sub.SrcOffset = c.srcOffset
			r.CmdUpdateSubresource(set.cmd, c.texture, c.src, &sub)
		case uploadKindTextureReadback:
			sub := c.subresource
			sub.SrcOffset = c.dstOffset
			r.CmdCopySubresource(set.cmd, c.dstBuffer, c.texture, &sub)
		}
	}
	if err := r.CmdEnd(set.cmd); err != nil {
		return err
	}

	set.clock.Start()
	return r.QueueSubmit(e.queue, &metadata.QueueSubmitDesc{
		Cmds:             []*metadata.Cmd{set.cmd},
		SignalFence:      set.fence,
		SignalSemaphores: []*metadata.Semaphore{set.semaphore},
	})
}
