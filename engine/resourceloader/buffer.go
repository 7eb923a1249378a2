package resourceloader

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/**
 * @brief Creates a buffer and uploads its initial contents.
 * Data is copied before AddBuffer returns. Payloads larger than a staging
 * buffer are split into several copies and flushes. Host visible buffers are
 * written directly.
 * @return The buffer, and the token to wait on before the GPU reads it.
 */
func (l *ResourceLoader) AddBuffer(desc *BufferLoadDesc) (*metadata.Buffer, SyncToken, error) {
	if desc == nil {
		return nil, 0, fmt.Errorf("add buffer: %w", core.ErrInvalidDesc)
	}
	if err := l.usable(); err != nil {
		return nil, 0, err
	}
	e, err := l.engine(desc.Desc.NodeIndex)
	if err != nil {
		return nil, 0, err
	}

	bd := desc.Desc
	if bd.Name == "" {
		bd.Name = "buffer " + uuid.NewString()
	}
	if bd.Size == 0 {
		bd.Size = uint64(len(desc.Data))
	}
	if uint64(len(desc.Data)) > bd.Size {
		return nil, 0, fmt.Errorf("add buffer %q: %d bytes into %d: %w", bd.Name, len(desc.Data), bd.Size, core.ErrDestinationTooSmall)
	}
	if bd.MemoryUsage == metadata.ResourceMemoryUsageUnknown {
		bd.MemoryUsage = metadata.ResourceMemoryUsageGPUOnly
	}
	if bd.StartState == metadata.ResourceStateUndefined {
		bd.StartState = metadata.ResourceStateCommon
	}

	buffer, err := e.renderer.BufferCreate(&bd)
	if err != nil {
		core.LogError("failed to create buffer %q: %s", bd.Name, err)
		return nil, 0, err
	}

	token := l.tokens.issue()
	switch {
	case len(desc.Data) > 0 && buffer.CPUMappedAddress != nil:
		copy(buffer.CPUMappedAddress, desc.Data)
	case len(desc.Data) > 0:
		err = l.stage(e, token, bufferParts(buffer, 0, desc.Data, e.bufferSize))
	case desc.ForceReset && buffer.CPUMappedAddress != nil:
		clear(buffer.CPUMappedAddress)
	case desc.ForceReset:
		err = l.stage(e, token, zeroParts(buffer, 0, bd.Size, e.bufferSize))
	}
	l.tokens.close(token)
	l.pump()
	if err != nil {
		core.LogError("failed to upload buffer %q: %s", bd.Name, err)
		return buffer, token, err
	}
	return buffer, token, nil
}

/**
 * @brief Reserves memory for a caller written update of a buffer range and
 * exposes it in desc.MappedData. Must be paired with EndUpdateBuffer.
 * While the update is open its staging set is not submitted: other uploads
 * still return, using temporary buffers once the ring is held, but their
 * tokens complete only after the update ends. Further updates block until
 * ring space frees up.
 */
func (l *ResourceLoader) BeginUpdateBuffer(desc *BufferUpdateDesc) error {
	if desc == nil || desc.Buffer == nil {
		return fmt.Errorf("begin update buffer: %w", core.ErrInvalidDesc)
	}
	if desc.begun {
		return fmt.Errorf("begin update buffer %q: update already begun: %w", desc.Buffer.Desc.Name, core.ErrInvalidDesc)
	}
	if err := l.usable(); err != nil {
		return err
	}

	buffer := desc.Buffer
	size := desc.Size
	if size == 0 && desc.DstOffset < buffer.Size {
		size = buffer.Size - desc.DstOffset
	}
	if size == 0 || desc.DstOffset+size > buffer.Size {
		return fmt.Errorf("begin update buffer %q: [%d, %d) of %d bytes: %w",
			buffer.Desc.Name, desc.DstOffset, desc.DstOffset+size, buffer.Size, core.ErrDestinationTooSmall)
	}

	if buffer.CPUMappedAddress != nil {
		desc.MappedData = buffer.CPUMappedAddress[desc.DstOffset : desc.DstOffset+size]
		desc.direct = true
	} else {
		e, err := l.engine(buffer.Desc.NodeIndex)
		if err != nil {
			return err
		}
		alloc, err := l.acquire(e, size, bufferUploadAlignment, true)
		if err != nil {
			return err
		}
		desc.MappedData = alloc.Data
		desc.staging = alloc
		desc.direct = false
	}
	desc.Size = size
	desc.begun = true
	return nil
}

/**
 * @brief Submits the update started by BeginUpdateBuffer.
 * @return The token of the update.
 */
func (l *ResourceLoader) EndUpdateBuffer(desc *BufferUpdateDesc) (SyncToken, error) {
	if desc == nil || !desc.begun {
		return 0, core.ErrUpdateNotStarted
	}
	token := l.tokens.issue()
	if !desc.direct {
		l.commit(desc.staging, &uploadRequest{
			kind:      uploadKindBuffer,
			token:     token,
			dstBuffer: desc.Buffer,
			dstOffset: desc.DstOffset,
			size:      desc.Size,
		})
	}
	l.tokens.close(token)
	desc.begun = false
	desc.staging = nil
	desc.MappedData = nil
	l.pump()
	return token, nil
}

/**
 * @brief Destroys a buffer. The caller must make sure no upload into it is
 * still pending.
 */
func (l *ResourceLoader) RemoveBuffer(buffer *metadata.Buffer) error {
	if buffer == nil {
		return nil
	}
	e, err := l.engine(buffer.Desc.NodeIndex)
	if err != nil {
		return err
	}
	e.renderer.BufferDestroy(buffer)
	return nil
}
