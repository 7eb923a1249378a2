package resourceloader

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-streamer/engine/assets/loaders"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/**
 * @brief Creates a texture.
 * With FileName set the file is decoded and streamed by the loader; the
 * returned texture is filled in once the token is submitted and must not be
 * read before the token completes. With Data set the subresources are staged
 * before AddTexture returns. Otherwise an empty texture is created from Desc.
 */
func (l *ResourceLoader) AddTexture(desc *TextureLoadDesc) (*metadata.Texture, SyncToken, error) {
	if desc == nil {
		return nil, 0, fmt.Errorf("add texture: %w", core.ErrInvalidDesc)
	}
	if err := l.usable(); err != nil {
		return nil, 0, err
	}
	e, err := l.engine(desc.NodeIndex)
	if err != nil {
		return nil, 0, err
	}

	switch {
	case desc.FileName != "":
		texture := &metadata.Texture{Name: desc.FileName, NodeIndex: desc.NodeIndex}
		token := l.tokens.issue()
		l.enqueue(&fileRequest{
			kind:        fileRequestTexture,
			token:       token,
			node:        e,
			textureDesc: *desc,
			texture:     texture,
		})
		return texture, token, nil

	case desc.Data != nil:
		td := desc.Data.Desc.Normalized()
		td.Flags |= desc.CreationFlags
		td.NodeIndex = desc.NodeIndex
		texture, err := l.createTexture(e, &td)
		if err != nil {
			return nil, 0, err
		}
		token := l.tokens.issue()
		parts, err := textureParts(e, texture, desc.Data)
		if err == nil {
			err = l.stage(e, token, parts)
		}
		l.tokens.close(token)
		l.pump()
		if err != nil {
			core.LogError("failed to upload texture %q: %s", texture.Name, err)
		}
		return texture, token, err

	case desc.Desc != nil:
		td := *desc.Desc
		td.NodeIndex = desc.NodeIndex
		texture, err := l.createTexture(e, &td)
		if err != nil {
			return nil, 0, err
		}
		token := l.tokens.issue()
		l.tokens.close(token)
		l.pump()
		return texture, token, nil
	}
	return nil, 0, fmt.Errorf("add texture: no file, data or desc: %w", core.ErrInvalidDesc)
}

func (l *ResourceLoader) createTexture(e *copyEngine, td *metadata.TextureDesc) (*metadata.Texture, error) {
	if td.Name == "" {
		td.Name = "texture " + uuid.NewString()
	}
	texture, err := e.renderer.TextureCreate(td)
	if err != nil {
		core.LogError("failed to create texture %q: %s", td.Name, err)
		return nil, err
	}
	return texture, nil
}

func (l *ResourceLoader) enqueue(r *fileRequest) {
	l.mutex.Lock()
	l.requests = append(l.requests, r)
	l.idle = false
	l.cond.Broadcast()
	l.mutex.Unlock()
	l.pump()
}

// textureParts lays out every subresource of data for the staging ring.
func textureParts(e *copyEngine, texture *metadata.Texture, data *metadata.TextureData) ([]stagingPart, error) {
	parts := make([]stagingPart, 0, texture.ArraySize*texture.MipLevels)
	for layer := uint32(0); layer < texture.ArraySize; layer++ {
		for mip := uint32(0); mip < texture.MipLevels; mip++ {
			strides, err := subresourceStrides(e.caps, texture.Format, texture.Width, texture.Height, texture.Depth, mip)
			if err != nil {
				return nil, err
			}
			src := data.Subresource(mip, layer)
			if uint64(len(src)) < uint64(strides.SrcSliceStride)*uint64(strides.Depth) {
				return nil, fmt.Errorf("texture %q mip %d layer %d holds %d bytes: %w", texture.Name, mip, layer, len(src), core.ErrInvalidDesc)
			}
			parts = append(parts, stagingPart{
				size:      strides.stagingSize(),
				alignment: e.caps.UploadBufferTextureAlignment,
				fill: func(dst []byte) error {
					return copyTextureRows(dst, src, strides)
				},
				request: uploadRequest{
					kind:    uploadKindTexture,
					texture: texture,
					size:    strides.stagingSize(),
					subresource: metadata.SubresourceDataDesc{
						MipLevel:   mip,
						ArrayLayer: layer,
						RowPitch:   strides.DstRowStride,
						SlicePitch: strides.DstSliceStride,
					},
				},
			})
		}
	}
	return parts, nil
}

// prepareTextureFile decodes the file of r and creates its texture.
func (l *ResourceLoader) prepareTextureFile(r *fileRequest) error {
	res, err := l.textureLoader.Load(r.textureDesc.FileName, metadata.ResourceTypeTexture, loaders.TextureParams{
		Container:    r.textureDesc.Container,
		GenerateMips: r.textureDesc.GenerateMips,
	})
	if err != nil {
		return err
	}
	data, ok := res.Data.(*metadata.TextureData)
	if !ok {
		return fmt.Errorf("texture loader returned %T: %w", res.Data, core.ErrUnsupportedContainer)
	}

	td := data.Desc.Normalized()
	td.Flags |= r.textureDesc.CreationFlags
	td.NodeIndex = r.node.nodeIndex
	if td.Name == "" {
		td.Name = r.textureDesc.FileName
	}
	created, err := r.node.renderer.TextureCreate(&td)
	if err != nil {
		return err
	}
	*r.texture = *created

	parts, err := textureParts(r.node, r.texture, data)
	if err != nil {
		return err
	}
	r.parts = parts
	return nil
}

/**
 * @brief Reserves staging memory for one texture subresource. Rows are
 * written DstRowStride bytes apart; WriteRows does that for packed data.
 */
func (l *ResourceLoader) BeginUpdateTexture(desc *TextureUpdateDesc) error {
	if desc == nil || desc.Texture == nil {
		return fmt.Errorf("begin update texture: %w", core.ErrInvalidDesc)
	}
	if desc.begun {
		return fmt.Errorf("begin update texture %q: update already begun: %w", desc.Texture.Name, core.ErrInvalidDesc)
	}
	texture := desc.Texture
	if desc.MipLevel >= texture.MipLevels || desc.ArrayLayer >= texture.ArraySize {
		return fmt.Errorf("begin update texture %q: mip %d layer %d: %w", texture.Name, desc.MipLevel, desc.ArrayLayer, core.ErrDestinationTooSmall)
	}
	if err := l.usable(); err != nil {
		return err
	}
	e, err := l.engine(texture.NodeIndex)
	if err != nil {
		return err
	}
	strides, err := subresourceStrides(e.caps, texture.Format, texture.Width, texture.Height, texture.Depth, desc.MipLevel)
	if err != nil {
		return err
	}
	alloc, err := l.acquire(e, strides.stagingSize(), e.caps.UploadBufferTextureAlignment, true)
	if err != nil {
		return err
	}

	desc.MappedData = alloc.Data
	desc.SrcRowStride = strides.SrcRowStride
	desc.DstRowStride = strides.DstRowStride
	desc.SrcSliceStride = strides.SrcSliceStride
	desc.DstSliceStride = strides.DstSliceStride
	desc.RowCount = strides.RowCount
	desc.Depth = strides.Depth
	desc.staging = alloc
	desc.begun = true
	return nil
}

/**
 * @brief Submits the update started by BeginUpdateTexture.
 */
func (l *ResourceLoader) EndUpdateTexture(desc *TextureUpdateDesc) (SyncToken, error) {
	if desc == nil || !desc.begun {
		return 0, core.ErrUpdateNotStarted
	}
	token := l.tokens.issue()
	l.commit(desc.staging, &uploadRequest{
		kind:    uploadKindTexture,
		token:   token,
		texture: desc.Texture,
		size:    uint64(len(desc.MappedData)),
		subresource: metadata.SubresourceDataDesc{
			MipLevel:   desc.MipLevel,
			ArrayLayer: desc.ArrayLayer,
			RowPitch:   desc.DstRowStride,
			SlicePitch: desc.DstSliceStride,
		},
	})
	l.tokens.close(token)
	desc.begun = false
	desc.staging = nil
	desc.MappedData = nil
	l.pump()
	return token, nil
}

/**
 * @brief Copies a texture subresource into a buffer on the copy queue. The
 * buffer holds tightly packed rows once the returned token completes.
 */
func (l *ResourceLoader) CopyTexture(desc *TextureCopyDesc) (SyncToken, error) {
	if desc == nil || desc.Texture == nil || desc.Buffer == nil {
		return 0, fmt.Errorf("copy texture: %w", core.ErrInvalidDesc)
	}
	if err := l.usable(); err != nil {
		return 0, err
	}
	texture := desc.Texture
	if desc.MipLevel >= texture.MipLevels || desc.ArrayLayer >= texture.ArraySize {
		return 0, fmt.Errorf("copy texture %q: mip %d layer %d: %w", texture.Name, desc.MipLevel, desc.ArrayLayer, core.ErrInvalidDesc)
	}
	layout, err := metadata.SubresourceLayoutOf(texture.Format, texture.Width, texture.Height, texture.Depth, desc.MipLevel)
	if err != nil {
		return 0, fmt.Errorf("copy texture %q: %w", texture.Name, core.ErrUnsupportedFormat)
	}
	if desc.BufferOffset+layout.Size() > desc.Buffer.Size {
		return 0, fmt.Errorf("copy texture %q: %d bytes at %d into %d: %w", texture.Name, layout.Size(), desc.BufferOffset, desc.Buffer.Size, core.ErrDestinationTooSmall)
	}
	e, err := l.engine(texture.NodeIndex)
	if err != nil {
		return 0, err
	}

	token := l.tokens.issue()
	alloc, err := l.acquire(e, 0, 1, false)
	if err != nil {
		l.tokens.close(token)
		return token, err
	}
	l.commit(alloc, &uploadRequest{
		kind:      uploadKindTextureReadback,
		token:     token,
		texture:   texture,
		dstBuffer: desc.Buffer,
		dstOffset: desc.BufferOffset,
		size:      layout.Size(),
		subresource: metadata.SubresourceDataDesc{
			MipLevel:   desc.MipLevel,
			ArrayLayer: desc.ArrayLayer,
			RowPitch:   layout.RowBytes,
			SlicePitch: layout.SliceBytes,
		},
	})
	l.tokens.close(token)
	l.pump()
	return token, nil
}

/**
 * @brief Destroys a texture. The caller must make sure no upload into it is
 * still pending.
 */
func (l *ResourceLoader) RemoveTexture(texture *metadata.Texture) error {
	if texture == nil {
		return nil
	}
	e, err := l.engine(texture.NodeIndex)
	if err != nil {
		return err
	}
	e.renderer.TextureDestroy(texture)
	return nil
}
