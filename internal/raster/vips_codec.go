package raster

import (
	"fmt"

	"github.com/cshum/vipsgen/vips"
)

// VipsCodec implements Codec on libvips. vips.Startup must have been called.
type VipsCodec struct {
	JpegQuality int
}

func NewVipsCodec() *VipsCodec {
	return &VipsCodec{JpegQuality: 85}
}

type vipsImage struct {
	*vips.Image
	premultiplied bool
}

func (c *VipsCodec) unwrap(img Image) (*vipsImage, error) {
	v, ok := img.(*vipsImage)
	if !ok || v.Image == nil {
		return nil, fmt.Errorf("not a vips image: %T", img)
	}
	return v, nil
}

func (c *VipsCodec) Decode(buf []byte) (Image, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty image buffer")
	}
	img, err := vips.NewImageFromBuffer(buf, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return &vipsImage{Image: img}, nil
}

func (c *VipsCodec) Premultiply(img Image) error {
	v, err := c.unwrap(img)
	if err != nil {
		return err
	}
	if v.premultiplied || !v.HasAlpha() {
		return nil
	}
	if err := v.Image.Premultiply(nil); err != nil {
		return fmt.Errorf("failed to premultiply: %w", err)
	}
	v.premultiplied = true
	return nil
}

func (c *VipsCodec) Resize(img Image, width, height int) error {
	v, err := c.unwrap(img)
	if err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid size %dx%d", width, height)
	}
	if v.Width() == width && v.Height() == height {
		return nil
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	resizeOpts.Vscale = float64(height) / float64(v.Height())
	if err := v.Image.Resize(float64(width)/float64(v.Width()), resizeOpts); err != nil {
		return fmt.Errorf("failed to resize: %w", err)
	}

	// Rounding in vips_resize can leave the result a pixel off.
	if v.Width() > width || v.Height() > height {
		if err := v.ExtractArea(0, 0, min(width, v.Width()), min(height, v.Height())); err != nil {
			return fmt.Errorf("failed to trim: %w", err)
		}
	}
	if v.Width() < width || v.Height() < height {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendCopy
		if err := v.Embed(0, 0, width, height, embedOpts); err != nil {
			return fmt.Errorf("failed to pad: %w", err)
		}
	}
	return nil
}

func (c *VipsCodec) Encode(img Image, format string) ([]byte, error) {
	v, err := c.unwrap(img)
	if err != nil {
		return nil, err
	}
	if v.premultiplied {
		if err := v.Unpremultiply(nil); err != nil {
			return nil, fmt.Errorf("failed to unpremultiply: %w", err)
		}
		v.premultiplied = false
	}
	if err := v.Cast(vips.BandFormatUchar, nil); err != nil {
		return nil, fmt.Errorf("failed to cast: %w", err)
	}

	var buf []byte
	switch format {
	case "png":
		buf, err = v.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	case "jpeg":
		jpegOpts := vips.DefaultJpegsaveBufferOptions()
		jpegOpts.Q = c.JpegQuality
		jpegOpts.Interlace = false
		buf, err = v.JpegsaveBuffer(jpegOpts)
	case "webp":
		buf, err = v.WebpsaveBuffer(vips.DefaultWebpsaveBufferOptions())
	default:
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", format, err)
	}
	return buf, nil
}

func (c *VipsCodec) Fill(width, height int, col Color) (Image, error) {
	bands := 4
	a := []float64{1, 1, 1, 1}
	b := []float64{float64(col.R), float64(col.G), float64(col.B), float64(col.A)}
	if col.A == 255 {
		bands, a, b = 3, a[:3], b[:3]
	}

	img, err := vips.NewBlack(width, height, &vips.BlackOptions{Bands: bands})
	if err != nil {
		return nil, fmt.Errorf("failed to create image: %w", err)
	}
	if err := img.Linear(a, b, nil); err != nil {
		img.Close()
		return nil, fmt.Errorf("failed to fill: %w", err)
	}
	if err := img.Cast(vips.BandFormatUchar, nil); err != nil {
		img.Close()
		return nil, fmt.Errorf("failed to cast: %w", err)
	}
	return &vipsImage{Image: img}, nil
}

func (c *VipsCodec) Blend(tiles [][]byte, opts BlendOptions) ([]byte, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("nothing to blend")
	}

	base, err := c.NewCanvas(opts.Width, opts.Height)
	if err != nil {
		return nil, err
	}
	defer base.Close()
	dst, _ := c.unwrap(base)

	for i, buf := range tiles {
		layer, err := c.Decode(buf)
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", i, err)
		}
		if err := c.Resize(layer, opts.Width, opts.Height); err != nil {
			layer.Close()
			return nil, fmt.Errorf("tile %d: %w", i, err)
		}
		if err := c.AddAlpha(layer); err != nil {
			layer.Close()
			return nil, fmt.Errorf("tile %d: %w", i, err)
		}
		src, _ := c.unwrap(layer)
		err = dst.Composite2(src.Image, vips.BlendModeOver, nil)
		layer.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to composite tile %d: %w", i, err)
		}
	}

	return c.Encode(base, opts.Format)
}

func (c *VipsCodec) NewCanvas(width, height int) (Image, error) {
	img, err := vips.NewBlack(width, height, &vips.BlackOptions{Bands: 4})
	if err != nil {
		return nil, fmt.Errorf("failed to create canvas: %w", err)
	}
	return &vipsImage{Image: img}, nil
}

func (c *VipsCodec) AddAlpha(img Image) error {
	v, err := c.unwrap(img)
	if err != nil {
		return err
	}
	if v.Bands() < 3 {
		if err := v.Colourspace(vips.InterpretationSrgb, nil); err != nil {
			return fmt.Errorf("failed to convert to srgb: %w", err)
		}
	}
	if !v.HasAlpha() {
		if err := v.Addalpha(); err != nil {
			return fmt.Errorf("failed to add alpha: %w", err)
		}
	}
	return nil
}

func (c *VipsCodec) Insert(dst, src Image, x, y int) error {
	d, err := c.unwrap(dst)
	if err != nil {
		return err
	}
	s, err := c.unwrap(src)
	if err != nil {
		return err
	}
	if d.Bands() != s.Bands() {
		return fmt.Errorf("cannot insert %d band image into %d band image", s.Bands(), d.Bands())
	}
	if err := d.Image.Insert(s.Image, x, y, nil); err != nil {
		return fmt.Errorf("failed to insert tile: %w", err)
	}
	return nil
}

func (c *VipsCodec) Crop(img Image, x, y, width, height int) error {
	v, err := c.unwrap(img)
	if err != nil {
		return err
	}
	if err := v.ExtractArea(x, y, width, height); err != nil {
		return fmt.Errorf("failed to extract area: %w", err)
	}
	return nil
}
