package metadata

/** @brief Buffer creation flags. */
type BufferCreationFlags uint32

const (
	BufferCreationFlagNone BufferCreationFlags = 0
	/** @brief Keep the buffer mapped for its whole lifetime. */
	BufferCreationFlagPersistentMap BufferCreationFlags = 0x1
	/** @brief The buffer is only ever used as a copy source/destination. */
	BufferCreationFlagTransferOnly BufferCreationFlags = 0x2
)

/** @brief How a buffer will be bound. */
type BufferUsage uint32

const (
	BufferUsageNone    BufferUsage = 0
	BufferUsageVertex  BufferUsage = 0x1
	BufferUsageIndex   BufferUsage = 0x2
	BufferUsageUniform BufferUsage = 0x4
	BufferUsageStorage BufferUsage = 0x8
)

/**
 * @brief Describes a buffer to be created by a renderer backend.
 */
type BufferDesc struct {
	/** @brief Debug name. */
	Name string
	/** @brief Size of the buffer in bytes. */
	Size uint64
	/** @brief Alignment requirement of the buffer start, 0 for the backend default. */
	Alignment uint32
	/** @brief Memory placement. */
	MemoryUsage ResourceMemoryUsage
	/** @brief Creation flags. */
	Flags BufferCreationFlags
	/** @brief Binding usage. */
	Usage BufferUsage
	/** @brief State the buffer is expected to be in once created. */
	StartState ResourceState
	/** @brief The renderer index in unlinked mode. */
	NodeIndex uint32
}

/**
 * @brief A buffer owned by a renderer backend. Opaque to the loader except for
 * its size and, for host visible buffers, its mapped memory.
 */
type Buffer struct {
	/** @brief The unique buffer identifier. */
	ID uint32
	/** @brief The description the buffer was created from. */
	Desc BufferDesc
	/** @brief Size in bytes. */
	Size uint64
	/** @brief Mapped memory for host visible buffers, nil otherwise. */
	CPUMappedAddress []byte
	/** @brief Backend specific data. */
	InternalData interface{}
}

/**
 * @brief A live sub-allocation inside a larger buffer.
 */
type BufferChunk struct {
	/** @brief Byte offset of the chunk inside its buffer. */
	Offset uint32
	/** @brief Size of the chunk in bytes. A zero size means "no chunk". */
	Size uint32
}

// End returns the first byte past the chunk.
func (c BufferChunk) End() uint64 {
	return uint64(c.Offset) + uint64(c.Size)
}

func (c BufferChunk) Valid() bool {
	return c.Size != 0
}
