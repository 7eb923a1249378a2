package loaders

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"

	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

// sniffSize is how much of a file the matchers look at.
const sniffSize = 262

var (
	typeDDS        = types.NewType("dds", "image/vnd-ms.dds")
	typeKTX        = types.NewType("ktx", "image/ktx")
	typeBasis      = types.NewType("basis", "image/basis")
	typeGeometryTF = types.NewType("gtf", "model/vnd.anima.geometrytf")
	typeGLB        = types.NewType("glb", "model/gltf-binary")
)

var (
	magicDDS        = []byte("DDS ")
	magicKTX        = []byte{0xAB, 'K', 'T', 'X', ' ', '1', '1', 0xBB, '\r', '\n', 0x1A, '\n'}
	magicBasis      = []byte{'s', 'B'}
	magicGeometryTF = []byte("GeometryTF")
	magicGLB        = []byte("glTF")
)

func init() {
	filetype.AddMatcher(typeDDS, func(buf []byte) bool { return bytes.HasPrefix(buf, magicDDS) })
	filetype.AddMatcher(typeKTX, func(buf []byte) bool { return bytes.HasPrefix(buf, magicKTX) })
	filetype.AddMatcher(typeBasis, func(buf []byte) bool { return bytes.HasPrefix(buf, magicBasis) })
	filetype.AddMatcher(typeGeometryTF, func(buf []byte) bool { return bytes.HasPrefix(buf, magicGeometryTF) })
	filetype.AddMatcher(typeGLB, func(buf []byte) bool { return bytes.HasPrefix(buf, magicGLB) })
}

// sniff returns the detected type of the head of a file.
func sniff(head []byte) types.Type {
	kind, err := filetype.Match(head)
	if err != nil {
		return types.Unknown
	}
	return kind
}

// sniffFile reads the head of path and detects its type.
func sniffFile(path string) (types.Type, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Unknown, err
	}
	defer f.Close()

	head := make([]byte, sniffSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return types.Unknown, err
	}
	return sniff(head[:n]), nil
}

// ContainerOf maps a detected file type to a texture container.
func ContainerOf(kind types.Type) metadata.TextureContainerType {
	switch kind.Extension {
	case typeDDS.Extension:
		return metadata.TextureContainerDDS
	case typeKTX.Extension:
		return metadata.TextureContainerKTX
	case typeBasis.Extension:
		return metadata.TextureContainerBasis
	case "png", "jpg", "gif", "bmp", "tif", "webp":
		return metadata.TextureContainerImage
	}
	return metadata.TextureContainerDefault
}

// ContainerFromExtension guesses a container from the file extension, for
// files whose contents do not identify them.
func ContainerFromExtension(path string) metadata.TextureContainerType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dds":
		return metadata.TextureContainerDDS
	case ".ktx":
		return metadata.TextureContainerKTX
	case ".gnf":
		return metadata.TextureContainerGNF
	case ".basis":
		return metadata.TextureContainerBasis
	case ".svt":
		return metadata.TextureContainerSVT
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return metadata.TextureContainerImage
	}
	return metadata.TextureContainerDefault
}
