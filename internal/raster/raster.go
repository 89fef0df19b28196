// Package raster holds the image primitives used to stitch, blend and encode
// map images.
package raster

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const TileSize = 256

// Image is a decoded raster owned by the caller; Close releases it.
type Image interface {
	Width() int
	Height() int
	Close()
}

type Codec interface {
	Decode(buf []byte) (Image, error)
	// Premultiply switches img to premultiplied alpha. Encode undoes it.
	Premultiply(img Image) error
	Resize(img Image, width, height int) error
	Encode(img Image, format string) ([]byte, error)
	Fill(width, height int, c Color) (Image, error)
	// Blend draws the encoded tiles over each other in order and encodes the result.
	Blend(tiles [][]byte, opts BlendOptions) ([]byte, error)
	// NewCanvas returns a transparent RGBA image.
	NewCanvas(width, height int) (Image, error)
	// AddAlpha converts img to RGBA. Opaque, grey and jpeg images decode
	// without an alpha band.
	AddAlpha(img Image) error
	// Insert requires src and dst to have the same bands.
	Insert(dst, src Image, x, y int) error
	Crop(img Image, x, y, width, height int) error
}

type BlendOptions struct {
	Width  int
	Height int
	Format string
}

type Color struct {
	R, G, B, A uint8
}

// ParseHex parses a normalised six digit hex colour.
func ParseHex(s string) (Color, error) {
	if len(s) != 6 {
		return Color{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// FormatName maps a MIME type or short name to png, jpeg or webp.
func FormatName(format string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	f = strings.TrimPrefix(f, "image/")
	if i := strings.IndexByte(f, ';'); i >= 0 {
		f = f[:i]
	}
	switch f {
	case "png", "png8", "png32", "png256":
		return "png", nil
	case "jpeg", "jpg":
		return "jpeg", nil
	case "webp":
		return "webp", nil
	default:
		return "", fmt.Errorf("unsupported image format: %s", format)
	}
}

// ContentType returns the MIME type for a format name.
func ContentType(format string) string {
	switch format {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// ETag is a short content hash of an encoded image.
func ETag(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:16]
}
