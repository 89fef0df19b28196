// Package blank renders and caches the flat colour tiles used when a real
// tile is unavailable.
package blank

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"strings"
	"sync"

	"go.uber.org/zap"

	"wmsgate/internal/cache"
	"wmsgate/internal/raster"
)

// NoBackground selects the built-in transparent tile.
const NoBackground = ""

const defaultColor = "ffffff"

var ErrNotFound = errors.New("blank tile not found")

// Provider is safe for concurrent use. Two goroutines missing the same key
// may both render it; the second write replaces an identical value.
type Provider struct {
	codec raster.Codec
	cache cache.Cache
	log   *zap.Logger
}

func New(codec raster.Codec, tiles cache.Cache, log *zap.Logger) *Provider {
	return &Provider{
		codec: codec,
		cache: tiles,
		log:   log,
	}
}

// Tile returns a raster.TileSize square tile of colour bgcolor encoded as format.
func (p *Provider) Tile(bgcolor, format string) ([]byte, error) {
	if bgcolor == NoBackground {
		return TransparentPNG(), nil
	}
	if format == "" {
		return nil, fmt.Errorf("%w: no format for colour %s", ErrNotFound, bgcolor)
	}

	color := NormalizeColor(bgcolor)
	key := color + format
	if data, ok := p.cache.Get(key); ok {
		return data, nil
	}

	data, err := p.render(color, format)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, data)
	p.log.Debug("Rendered blank tile", zap.String("color", color), zap.String("format", format))
	return data, nil
}

func (p *Provider) render(color, format string) ([]byte, error) {
	c, err := raster.ParseHex(color)
	if err != nil {
		return nil, err
	}
	img, err := p.codec.Fill(raster.TileSize, raster.TileSize, c)
	if err != nil {
		return nil, fmt.Errorf("failed to render blank tile: %w", err)
	}
	defer img.Close()

	data, err := p.codec.Encode(img, format)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blank tile: %w", err)
	}
	return data, nil
}

// NormalizeColor lower-cases a hex colour, strips a 0x or # prefix and
// expands three digit shorthand. Anything else falls back to white.
func NormalizeColor(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "#")

	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 || strings.Trim(s, "0123456789abcdef") != "" {
		return defaultColor
	}
	return s
}

var (
	transparentOnce sync.Once
	transparentPNG  []byte
)

// TransparentPNG is a fully transparent tile. It is encoded once with
// image/png so it does not depend on the codec in use.
func TransparentPNG() []byte {
	transparentOnce.Do(func() {
		var buf bytes.Buffer
		img := image.NewNRGBA(image.Rect(0, 0, raster.TileSize, raster.TileSize))
		if err := png.Encode(&buf, img); err != nil {
			panic(err)
		}
		transparentPNG = buf.Bytes()
	})
	return transparentPNG
}
