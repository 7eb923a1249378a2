package loaders

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/bits"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

const (
	ddsHeaderSize = 124

	ddsPixelFormatFourCC = 0x4
	ddsPixelFormatRGB    = 0x40
	ddsPixelFormatLum    = 0x20000
	ddsPixelFormatAlpha  = 0x2

	ddsCaps2Cubemap = 0x200
	ddsCaps2Volume  = 0x200000

	ddsResourceMiscCube = 0x4

	ddsMaxDimension  = 16384
	ddsMaxDepth      = 2048
	ddsMaxArraySize  = 2048
	ddsDX10Size      = 20
	ddsPreambleBytes = 4 + ddsHeaderSize
)

type ddsPixelFormat struct {
	Size        uint32
	Flags       uint32
	FourCC      [4]byte
	RGBBitCount uint32
	RBitMask    uint32
	GBitMask    uint32
	BBitMask    uint32
	ABitMask    uint32
}

type ddsHeader struct {
	Size              uint32
	Flags             uint32
	Height            uint32
	Width             uint32
	PitchOrLinearSize uint32
	Depth             uint32
	MipMapCount       uint32
	Reserved1         [11]uint32
	PixelFormat       ddsPixelFormat
	Caps              uint32
	Caps2             uint32
	Caps3             uint32
	Caps4             uint32
	Reserved2         uint32
}

type ddsHeaderDX10 struct {
	DXGIFormat        uint32
	ResourceDimension uint32
	MiscFlag          uint32
	ArraySize         uint32
	MiscFlags2        uint32
}

var fourCCFormats = map[[4]byte]metadata.TextureFormat{
	{'D', 'X', 'T', '1'}: metadata.TextureFormatBC1Unorm,
	{'D', 'X', 'T', '2'}: metadata.TextureFormatBC2Unorm,
	{'D', 'X', 'T', '3'}: metadata.TextureFormatBC2Unorm,
	{'D', 'X', 'T', '4'}: metadata.TextureFormatBC3Unorm,
	{'D', 'X', 'T', '5'}: metadata.TextureFormatBC3Unorm,
	{'A', 'T', 'I', '1'}: metadata.TextureFormatBC4Unorm,
	{'B', 'C', '4', 'U'}: metadata.TextureFormatBC4Unorm,
	{'A', 'T', 'I', '2'}: metadata.TextureFormatBC5Unorm,
	{'B', 'C', '5', 'U'}: metadata.TextureFormatBC5Unorm,
}

// Legacy D3DFORMAT codes stored in the FourCC field.
var d3dFormats = map[uint32]metadata.TextureFormat{
	111: metadata.TextureFormatR16Float,
	112: metadata.TextureFormatRG16Float,
	113: metadata.TextureFormatRGBA16Float,
	114: metadata.TextureFormatR32Float,
	115: metadata.TextureFormatRG32Float,
	116: metadata.TextureFormatRGBA32Float,
}

var dxgiFormats = map[uint32]metadata.TextureFormat{
	2:  metadata.TextureFormatRGBA32Float,
	10: metadata.TextureFormatRGBA16Float,
	16: metadata.TextureFormatRG32Float,
	28: metadata.TextureFormatRGBA8Unorm,
	29: metadata.TextureFormatRGBA8Srgb,
	34: metadata.TextureFormatRG16Float,
	41: metadata.TextureFormatR32Float,
	42: metadata.TextureFormatR32Uint,
	49: metadata.TextureFormatRG8Unorm,
	54: metadata.TextureFormatR16Float,
	61: metadata.TextureFormatR8Unorm,
	71: metadata.TextureFormatBC1Unorm,
	74: metadata.TextureFormatBC2Unorm,
	77: metadata.TextureFormatBC3Unorm,
	80: metadata.TextureFormatBC4Unorm,
	83: metadata.TextureFormatBC5Unorm,
	87: metadata.TextureFormatBGRA8Unorm,
	95: metadata.TextureFormatBC6HUfloat,
	98: metadata.TextureFormatBC7Unorm,
	99: metadata.TextureFormatBC7Srgb,
}

// decodeDDS reads a DDS container of fileSize bytes, with or without the
// DX10 extension header. Subresources are returned layer major, as stored in
// the file.
func decodeDDS(r io.Reader, name string, fileSize int64) (*metadata.TextureData, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("dds %q: %w", name, err)
	}
	if !bytes.Equal(magic[:], magicDDS) {
		return nil, fmt.Errorf("dds %q: bad magic: %w", name, core.ErrUnsupportedContainer)
	}
	var header ddsHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("dds %q: header: %w", name, err)
	}
	if header.Size != ddsHeaderSize {
		return nil, fmt.Errorf("dds %q: header size %d: %w", name, header.Size, core.ErrUnsupportedContainer)
	}

	desc := metadata.TextureDesc{
		Name:      name,
		Width:     header.Width,
		Height:    header.Height,
		Depth:     1,
		ArraySize: 1,
		MipLevels: max(header.MipMapCount, 1),
	}
	if header.Caps2&ddsCaps2Volume != 0 && header.Depth > 0 {
		desc.Depth = header.Depth
	}
	if desc.Width == 0 || desc.Height == 0 || desc.Width > ddsMaxDimension || desc.Height > ddsMaxDimension || desc.Depth > ddsMaxDepth {
		return nil, fmt.Errorf("dds %q: extent %dx%dx%d: %w", name, desc.Width, desc.Height, desc.Depth, core.ErrInvalidTextureFile)
	}
	if maxMips := uint32(bits.Len32(max(desc.Width, desc.Height, desc.Depth))); desc.MipLevels > maxMips {
		return nil, fmt.Errorf("dds %q: %d mips for %dx%dx%d: %w", name, desc.MipLevels, desc.Width, desc.Height, desc.Depth, core.ErrInvalidTextureFile)
	}
	payload := fileSize - ddsPreambleBytes

	pf := header.PixelFormat
	switch {
	case pf.Flags&ddsPixelFormatFourCC != 0 && pf.FourCC == [4]byte{'D', 'X', '1', '0'}:
		var ext ddsHeaderDX10
		if err := binary.Read(r, binary.LittleEndian, &ext); err != nil {
			return nil, fmt.Errorf("dds %q: dx10 header: %w", name, err)
		}
		format, ok := dxgiFormats[ext.DXGIFormat]
		if !ok {
			return nil, fmt.Errorf("dds %q: dxgi format %d: %w", name, ext.DXGIFormat, core.ErrUnsupportedFormat)
		}
		desc.Format = format
		if ext.ArraySize > ddsMaxArraySize {
			return nil, fmt.Errorf("dds %q: %d array layers: %w", name, ext.ArraySize, core.ErrInvalidTextureFile)
		}
		desc.ArraySize = max(ext.ArraySize, 1)
		payload -= ddsDX10Size
		if ext.MiscFlag&ddsResourceMiscCube != 0 {
			desc.ArraySize *= 6
			desc.Flags |= metadata.TextureCreationFlagCube
		}
	case pf.Flags&ddsPixelFormatFourCC != 0:
		format, ok := fourCCFormats[pf.FourCC]
		if !ok {
			format, ok = d3dFormats[binary.LittleEndian.Uint32(pf.FourCC[:])]
		}
		if !ok {
			return nil, fmt.Errorf("dds %q: fourcc %q: %w", name, pf.FourCC[:], core.ErrUnsupportedFormat)
		}
		desc.Format = format
	default:
		format, err := legacyDDSFormat(pf)
		if err != nil {
			return nil, fmt.Errorf("dds %q: %w", name, err)
		}
		desc.Format = format
	}

	if header.Caps2&ddsCaps2Cubemap != 0 && desc.Flags&metadata.TextureCreationFlagCube == 0 {
		desc.ArraySize = 6
		desc.Flags |= metadata.TextureCreationFlagCube
	}

	sizes := make([]uint64, desc.MipLevels)
	var layerBytes uint64
	for mip := range sizes {
		layout, err := metadata.SubresourceLayoutOf(desc.Format, desc.Width, desc.Height, desc.Depth, uint32(mip))
		if err != nil {
			return nil, fmt.Errorf("dds %q: %w", name, core.ErrUnsupportedFormat)
		}
		slice := uint64(layout.RowBytes) * uint64(layout.RowCount)
		if slice > math.MaxUint32 {
			return nil, fmt.Errorf("dds %q: mip %d slice of %d bytes: %w", name, mip, slice, core.ErrInvalidTextureFile)
		}
		sizes[mip] = slice * uint64(layout.Depth)
		layerBytes += sizes[mip]
	}
	if payload < 0 || layerBytes*uint64(desc.ArraySize) > uint64(payload) {
		return nil, fmt.Errorf("dds %q: %d layers of %d bytes exceed the %d byte file: %w",
			name, desc.ArraySize, layerBytes, fileSize, core.ErrInvalidTextureFile)
	}

	data := &metadata.TextureData{Desc: desc}
	for layer := uint32(0); layer < desc.ArraySize; layer++ {
		for mip := uint32(0); mip < desc.MipLevels; mip++ {
			sub := make([]byte, sizes[mip])
			if _, err := io.ReadFull(r, sub); err != nil {
				return nil, fmt.Errorf("dds %q: layer %d mip %d: %w", name, layer, mip, err)
			}
			data.Subresources = append(data.Subresources, sub)
		}
	}
	core.LogDebug("decoded dds %q (%dx%dx%d, %s, %d layers, %d mips)",
		name, desc.Width, desc.Height, desc.Depth, desc.Format, desc.ArraySize, desc.MipLevels)
	return data, nil
}

// legacyDDSFormat recognizes the uncompressed mask based formats.
func legacyDDSFormat(pf ddsPixelFormat) (metadata.TextureFormat, error) {
	switch {
	case pf.Flags&ddsPixelFormatRGB != 0 && pf.RGBBitCount == 32 && pf.RBitMask == 0x000000ff:
		return metadata.TextureFormatRGBA8Unorm, nil
	case pf.Flags&ddsPixelFormatRGB != 0 && pf.RGBBitCount == 32 && pf.RBitMask == 0x00ff0000:
		return metadata.TextureFormatBGRA8Unorm, nil
	case pf.Flags&ddsPixelFormatRGB != 0 && pf.RGBBitCount == 16 && pf.RBitMask == 0x000000ff && pf.GBitMask == 0x0000ff00:
		return metadata.TextureFormatRG8Unorm, nil
	case pf.Flags&(ddsPixelFormatLum|ddsPixelFormatAlpha) != 0 && pf.RGBBitCount == 8:
		return metadata.TextureFormatR8Unorm, nil
	}
	return metadata.TextureFormatUndefined, fmt.Errorf("pixel format flags %#x, %d bits: %w", pf.Flags, pf.RGBBitCount, core.ErrUnsupportedFormat)
}

// EncodeDDS writes data as a DDS file with a DX10 header. Only formats
// with a DXGI code are supported.
func EncodeDDS(w io.Writer, data *metadata.TextureData) error {
	desc := data.Desc.Normalized()
	dxgi, ok := uint32(0), false
	for code, format := range dxgiFormats {
		if format == desc.Format {
			dxgi, ok = code, true
			break
		}
	}
	if !ok {
		return fmt.Errorf("encode dds %q: %s: %w", desc.Name, desc.Format, core.ErrUnsupportedFormat)
	}

	header := ddsHeader{
		Size:        ddsHeaderSize,
		Flags:       0x1 | 0x2 | 0x4 | 0x1000 | 0x20000,
		Height:      desc.Height,
		Width:       desc.Width,
		Depth:       desc.Depth,
		MipMapCount: desc.MipLevels,
		PixelFormat: ddsPixelFormat{
			Size:   32,
			Flags:  ddsPixelFormatFourCC,
			FourCC: [4]byte{'D', 'X', '1', '0'},
		},
		Caps: 0x1000,
	}
	ext := ddsHeaderDX10{
		DXGIFormat:        dxgi,
		ResourceDimension: 3,
		ArraySize:         desc.ArraySize,
	}
	if desc.Depth > 1 {
		header.Caps2 |= ddsCaps2Volume
		ext.ResourceDimension = 4
	}
	if desc.Flags&metadata.TextureCreationFlagCube != 0 {
		ext.MiscFlag |= ddsResourceMiscCube
		ext.ArraySize = desc.ArraySize / 6
	}

	if _, err := w.Write(magicDDS); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, &ext); err != nil {
		return err
	}
	for _, sub := range data.Subresources {
		if _, err := w.Write(sub); err != nil {
			return err
		}
	}
	return nil
}
