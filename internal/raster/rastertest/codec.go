// Package rastertest provides a pure-Go raster.Codec that records its calls.
package rastertest

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"sync"

	"wmsgate/internal/raster"
)

// Image keeps pixels as RGBA but tracks the band count a libvips image
// would have: 3 for opaque sources and fills, 4 otherwise.
type Image struct {
	RGBA  *image.RGBA
	Bands int
}

func (i *Image) Width() int  { return i.RGBA.Bounds().Dx() }
func (i *Image) Height() int { return i.RGBA.Bounds().Dy() }
func (i *Image) Close()      {}

// Codec is safe for concurrent use. Webp is encoded as png.
type Codec struct {
	mu        sync.Mutex
	Fills     int
	Encodes   int
	Blends    [][][]byte
	BlendErr  error
	DecodeErr error
}

func New() *Codec {
	return &Codec{}
}

func (c *Codec) FillCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Fills
}

// BlendInputs returns the tile lists passed to Blend, in call order.
func (c *Codec) BlendInputs() [][][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][][]byte(nil), c.Blends...)
}

func (c *Codec) Decode(buf []byte) (raster.Image, error) {
	c.mu.Lock()
	decodeErr := c.DecodeErr
	c.mu.Unlock()
	if decodeErr != nil {
		return nil, decodeErr
	}

	src, _, err := image.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	dst := image.NewRGBA(image.Rect(0, 0, src.Bounds().Dx(), src.Bounds().Dy()))
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	bands := 4
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		bands = 3
	}
	return &Image{RGBA: dst, Bands: bands}, nil
}

func (c *Codec) Premultiply(img raster.Image) error {
	// image.RGBA is already premultiplied
	return nil
}

func (c *Codec) Resize(img raster.Image, width, height int) error {
	im := img.(*Image)
	src := im.RGBA
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	sw, sh := src.Bounds().Dx(), src.Bounds().Dy()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dst.Set(x, y, src.At(src.Bounds().Min.X+x*sw/width, src.Bounds().Min.Y+y*sh/height))
		}
	}
	im.RGBA = dst
	return nil
}

func (c *Codec) Encode(img raster.Image, format string) ([]byte, error) {
	c.mu.Lock()
	c.Encodes++
	c.mu.Unlock()

	var buf bytes.Buffer
	var err error
	switch format {
	case "png", "webp":
		err = png.Encode(&buf, img.(*Image).RGBA)
	case "jpeg":
		err = jpeg.Encode(&buf, img.(*Image).RGBA, nil)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) Fill(width, height int, col raster.Color) (raster.Image, error) {
	c.mu.Lock()
	c.Fills++
	c.mu.Unlock()

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.NRGBA{col.R, col.G, col.B, col.A}), image.Point{}, draw.Src)
	bands := 4
	if col.A == 255 {
		bands = 3
	}
	return &Image{RGBA: dst, Bands: bands}, nil
}

func (c *Codec) Blend(tiles [][]byte, opts raster.BlendOptions) ([]byte, error) {
	c.mu.Lock()
	c.Blends = append(c.Blends, tiles)
	blendErr := c.BlendErr
	c.mu.Unlock()
	if blendErr != nil {
		return nil, blendErr
	}

	base := &Image{RGBA: image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height)), Bands: 4}
	for _, t := range tiles {
		layer, err := c.Decode(t)
		if err != nil {
			return nil, err
		}
		if err := c.Resize(layer, opts.Width, opts.Height); err != nil {
			return nil, err
		}
		draw.Draw(base.RGBA, base.RGBA.Bounds(), layer.(*Image).RGBA, image.Point{}, draw.Over)
	}
	return c.Encode(base, opts.Format)
}

func (c *Codec) NewCanvas(width, height int) (raster.Image, error) {
	return &Image{RGBA: image.NewRGBA(image.Rect(0, 0, width, height)), Bands: 4}, nil
}

func (c *Codec) AddAlpha(img raster.Image) error {
	img.(*Image).Bands = 4
	return nil
}

func (c *Codec) Insert(dst, src raster.Image, x, y int) error {
	if db, sb := dst.(*Image).Bands, src.(*Image).Bands; db != sb {
		return fmt.Errorf("cannot insert %d band image into %d band image", sb, db)
	}
	d := dst.(*Image).RGBA
	s := src.(*Image).RGBA
	r := s.Bounds().Sub(s.Bounds().Min).Add(image.Pt(x, y))
	draw.Draw(d, r, s, s.Bounds().Min, draw.Src)
	return nil
}

func (c *Codec) Crop(img raster.Image, x, y, width, height int) error {
	im := img.(*Image)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), im.RGBA, image.Pt(x, y), draw.Src)
	im.RGBA = dst
	return nil
}

// SolidPNG encodes a width x height png filled with col.
func SolidPNG(width, height int, col color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(col), image.Point{}, draw.Src)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
