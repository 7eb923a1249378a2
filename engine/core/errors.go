package core

import (
	"errors"
)

var (
	ErrLoaderNotInitialized = errors.New("resource loader not initialized")
	ErrLoaderShutdown       = errors.New("resource loader is shutting down")
	ErrInvalidDesc          = errors.New("invalid resource description")
	ErrDestinationTooSmall  = errors.New("destination resource is smaller than the requested range")
	ErrUpdateNotStarted     = errors.New("endUpdateResource called without a matching beginUpdateResource")
	ErrNodeIndexOutOfRange  = errors.New("node index out of range")
	ErrChunkOutOfRange      = errors.New("buffer chunk outside of the allocator range")
	ErrChunkNotAllocated    = errors.New("buffer chunk is not allocated")
	ErrUnsupportedFormat    = errors.New("unsupported texture format")
	ErrUnsupportedContainer = errors.New("unsupported texture container")
	ErrInvalidGeometryFile  = errors.New("invalid geometry file")
	ErrInvalidTextureFile   = errors.New("invalid texture file")
	ErrGeometryBufferFull   = errors.New("geometry buffer has no chunk large enough")
	ErrDeviceLost           = errors.New("device lost")
	ErrQueueFull            = errors.New("queue is full")
	ErrQueueEmpty           = errors.New("queue is empty")
	ErrUnknown              = errors.New("unknown")
)
