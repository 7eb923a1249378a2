package resourceloader

import (
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

type uploadKind int

const (
	uploadKindBuffer uploadKind = iota
	uploadKindTexture
	uploadKindTextureReadback
)

// uploadRequest is one copy recorded on the copy queue.
type uploadRequest struct {
	kind  uploadKind
	token SyncToken
	state metadata.UploadState

	// Staging source, set when the request is committed.
	src       *metadata.Buffer
	srcOffset uint64

	dstBuffer *metadata.Buffer
	dstOffset uint64
	size      uint64

	texture     *metadata.Texture
	subresource metadata.SubresourceDataDesc
}

// stagingPart is a piece of an upload that still needs staging memory.
// fill writes the source bytes into the reserved range.
type stagingPart struct {
	size      uint64
	alignment uint32
	fill      func(dst []byte) error
	request   uploadRequest
}

const bufferUploadAlignment uint32 = 4

// bufferParts splits data into pieces no larger than maxPart, each copied to
// dst at consecutive offsets.
func bufferParts(dst *metadata.Buffer, dstOffset uint64, data []byte, maxPart uint64) []stagingPart {
	var parts []stagingPart
	for off := uint64(0); off < uint64(len(data)); off += maxPart {
		end := minOf(off+maxPart, uint64(len(data)))
		piece := data[off:end]
		parts = append(parts, stagingPart{
			size:      end - off,
			alignment: bufferUploadAlignment,
			fill: func(staging []byte) error {
				copy(staging, piece)
				return nil
			},
			request: uploadRequest{
				kind:      uploadKindBuffer,
				dstBuffer: dst,
				dstOffset: dstOffset + off,
				size:      end - off,
			},
		})
	}
	return parts
}

// zeroParts covers size bytes of dst with zero filled pieces.
func zeroParts(dst *metadata.Buffer, dstOffset, size, maxPart uint64) []stagingPart {
	var parts []stagingPart
	for off := uint64(0); off < size; off += maxPart {
		n := minOf(maxPart, size-off)
		parts = append(parts, stagingPart{
			size:      n,
			alignment: bufferUploadAlignment,
			fill: func(staging []byte) error {
				clear(staging)
				return nil
			},
			request: uploadRequest{
				kind:      uploadKindBuffer,
				dstBuffer: dst,
				dstOffset: dstOffset + off,
				size:      n,
			},
		})
	}
	return parts
}

type fileRequestKind int

const (
	fileRequestTexture fileRequestKind = iota
	fileRequestGeometry
)

// fileRequest is decoded and staged by the streamer, in FIFO order.
type fileRequest struct {
	kind  fileRequestKind
	token SyncToken
	node  *copyEngine

	textureDesc TextureLoadDesc
	texture     *metadata.Texture

	geometryDesc GeometryLoadDesc
	geometry     *Geometry

	prepared bool
	parts    []stagingPart
	next     int
}

func (r *fileRequest) name() string {
	if r.kind == fileRequestTexture {
		return r.textureDesc.FileName
	}
	return r.geometryDesc.FileName
}

// payload is the resource the request fills in.
func (r *fileRequest) payload() interface{} {
	if r.kind == fileRequestTexture {
		return r.texture
	}
	return r.geometry
}

func (r *fileRequest) resourceType() metadata.ResourceType {
	if r.kind == fileRequestTexture {
		return metadata.ResourceTypeTexture
	}
	return metadata.ResourceTypeGeometry
}

// loadNotice waits for its token before the loaded event fires.
type loadNotice struct {
	token        SyncToken
	name         string
	resourceType metadata.ResourceType
	payload      interface{}
}
