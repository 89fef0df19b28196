package wms

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"net/url"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wmsgate/internal/abort"
	"wmsgate/internal/blank"
	"wmsgate/internal/cache"
	"wmsgate/internal/layer"
	"wmsgate/internal/parallel"
	"wmsgate/internal/raster"
	"wmsgate/internal/raster/rastertest"
	"wmsgate/internal/stitch"
)

type fixture struct {
	codec    *rastertest.Codec
	registry *layer.Registry
	renderer *Renderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec := rastertest.New()
	log := zap.NewNop()
	blanks := blank.New(codec, cache.NewMemoryCache(16), log)

	registry := layer.NewRegistry()
	red := rastertest.SolidPNG(256, 256, color.NRGBA{255, 0, 0, 255})
	blue := rastertest.SolidPNG(256, 256, color.NRGBA{0, 0, 255, 128})
	registry.Add(layer.NewSimple("a", &layer.StaticSource{Data: red, ContentType: "image/png"}, layer.ZoomRange{Min: 0, Max: 18}, layer.World, true))
	registry.Add(layer.NewSimple("b", &layer.StaticSource{Data: blue, ContentType: "image/png"}, layer.ZoomRange{Min: 0, Max: 12}, layer.World, true))
	registry.Add(layer.NewSimple("private", &layer.StaticSource{Data: red}, layer.ZoomRange{Min: 0, Max: 18}, layer.World, false))
	registry.Add(layer.NewSimple("broken", layer.SourceFunc(func(ctx context.Context, t maptile.Tile) (*layer.Tile, error) {
		return nil, errors.New("upstream down")
	}), layer.ZoomRange{Min: 0, Max: 18}, layer.World, true))

	return &fixture{
		codec:    codec,
		registry: registry,
		renderer: NewRenderer(stitch.New(codec, 4, log), codec, blanks, 0, log),
	}
}

func baseParams() Params {
	return Params{
		"layers": "a",
		"bbox":   "-1,-1,1,1",
		"width":  "256",
		"height": "256",
		"format": "image/png",
		"srs":    "epsg:4326",
	}
}

func serviceError(t *testing.T, err error) *ServiceError {
	t.Helper()
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	return se
}

func TestRender_SingleLayer(t *testing.T) {
	f := newFixture(t)

	resp, err := f.renderer.Render(context.Background(), f.registry, baseParams(), nil)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Code)
	require.NotEmpty(t, resp.Data)

	assert.Equal(t, "image/png", resp.Headers["content-type"])
	assert.Equal(t, raster.ETag(resp.Data), resp.Headers["etag"])
	assert.NotEmpty(t, resp.Headers["etag"])
	assert.Equal(t, "0", resp.Headers["x-blank-tiles"])

	img, err := png.Decode(bytes.NewReader(resp.Data))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
	r, _, _, _ := img.At(128, 128).RGBA()
	assert.Equal(t, uint32(0xffff), r)
}

func TestRender_UnknownLayer(t *testing.T) {
	f := newFixture(t)
	p := baseParams()
	p["layers"] = "nope"

	resp, err := f.renderer.Render(context.Background(), f.registry, p, nil)
	assert.Nil(t, resp)
	se := serviceError(t, err)
	assert.Equal(t, CodeInvalidParameterValue, se.Code)
	assert.Equal(t, "LAYER", se.Locator)
}

func TestRender_NotViewable(t *testing.T) {
	f := newFixture(t)
	for _, layers := range []string{"private", "a,private"} {
		p := baseParams()
		p["layers"] = layers

		resp, err := f.renderer.Render(context.Background(), f.registry, p, nil)
		require.NoError(t, err)
		assert.Equal(t, 401, resp.Code)
		assert.Equal(t, []byte("not authorized"), resp.Data)
		assert.Empty(t, resp.Headers)
	}
}

func TestRender_MissingParameters(t *testing.T) {
	f := newFixture(t)
	for _, key := range []string{"layers", "bbox", "width", "height", "format", "srs"} {
		t.Run(key, func(t *testing.T) {
			p := baseParams()
			delete(p, key)

			_, err := f.renderer.Render(context.Background(), f.registry, p, nil)
			se := serviceError(t, err)
			assert.Equal(t, CodeMissingParameterValue, se.Code)
		})
	}
}

func TestRender_SRS(t *testing.T) {
	f := newFixture(t)

	p := baseParams()
	p["srs"] = "epsg:27700"
	_, err := f.renderer.Render(context.Background(), f.registry, p, nil)
	assert.Equal(t, CodeInvalidSRS, serviceError(t, err).Code)

	p = baseParams()
	delete(p, "srs")
	p["crs"] = "EPSG:4326"
	resp, err := f.renderer.Render(context.Background(), f.registry, p, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
}

func TestRender_MercatorBBox(t *testing.T) {
	f := newFixture(t)
	p := baseParams()
	p["srs"] = "epsg:3857"
	p["bbox"] = "-111319.49,-111325.14,111319.49,111325.14"

	resp, err := f.renderer.Render(context.Background(), f.registry, p, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
}

func TestRender_InvalidValues(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		key, value, locator string
	}{
		{"bbox", "1,2,3", "BBOX"},
		{"bbox", "a,b,c,d", "BBOX"},
		{"bbox", "1,1,NaN,2", "BBOX"},
		{"width", "-5", "WIDTH"},
		{"height", "abc", "HEIGHT"},
		{"width", "100000", "WIDTH"},
		{"format", "image/gif", "FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			p := baseParams()
			p[tt.key] = tt.value

			_, err := f.renderer.Render(context.Background(), f.registry, p, nil)
			se := serviceError(t, err)
			assert.Equal(t, CodeInvalidParameterValue, se.Code)
			assert.Equal(t, tt.locator, se.Locator)
		})
	}
}

func TestRender_Composite(t *testing.T) {
	f := newFixture(t)
	p := baseParams()
	p["layers"] = "a,b"

	resp, err := f.renderer.Render(context.Background(), f.registry, p, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)

	inputs := f.codec.BlendInputs()
	require.NotEmpty(t, inputs)
	for _, in := range inputs {
		assert.Len(t, in, 2)
	}
}

func TestRender_FailingLayerFallsBackToBlank(t *testing.T) {
	f := newFixture(t)
	p := baseParams()
	p["layers"] = "broken"
	p["bgcolor"] = "0x00FF00"
	p["format"] = "image/jpeg"

	resp, err := f.renderer.Render(context.Background(), f.registry, p, nil)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", resp.Headers["content-type"])
	assert.Equal(t, "4", resp.Headers["x-blank-tiles"])
}

func TestRender_TransparentOnlyForPNG(t *testing.T) {
	f := newFixture(t)
	p := baseParams()
	p["layers"] = "broken"
	p["transparent"] = "TRUE"

	resp, err := f.renderer.Render(context.Background(), f.registry, p, nil)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(resp.Data))
	require.NoError(t, err)
	_, _, _, a := img.At(10, 10).RGBA()
	assert.Equal(t, uint32(0), a)
	assert.Equal(t, 0, f.codec.FillCount())
}

type abortingStitcher struct {
	inner stitch.Stitcher
	sig   *abort.Signal
}

func (s *abortingStitcher) Stitch(ctx context.Context, opts stitch.Options) (raster.Image, error) {
	img, err := s.inner.Stitch(ctx, opts)
	s.sig.Abort()
	return img, err
}

func TestRender_AbortAfterStitch(t *testing.T) {
	f := newFixture(t)
	sig := abort.New(context.Background())
	f.renderer.stitcher = &abortingStitcher{inner: f.renderer.stitcher, sig: sig}

	resp, err := f.renderer.Render(context.Background(), f.registry, baseParams(), sig)
	assert.Nil(t, resp)
	se := serviceError(t, err)
	assert.Equal(t, CodeNoApplicableCode, se.Code)
	assert.ErrorIs(t, err, ErrAborted)
}

type panickingStitcher struct{}

func (panickingStitcher) Stitch(ctx context.Context, opts stitch.Options) (raster.Image, error) {
	panic("vips: corrupt buffer")
}

func TestRender_PanicBecomesServiceError(t *testing.T) {
	f := newFixture(t)
	f.renderer.stitcher = panickingStitcher{}

	_, err := f.renderer.Render(context.Background(), f.registry, baseParams(), nil)
	assert.Equal(t, CodeNoApplicableCode, serviceError(t, err).Code)
}

type blendPanicCodec struct {
	*rastertest.Codec
}

func (c blendPanicCodec) Blend(tiles [][]byte, opts raster.BlendOptions) ([]byte, error) {
	panic("vips: corrupt buffer in blend")
}

func TestRender_CompositeBlendPanicBecomesServiceError(t *testing.T) {
	f := newFixture(t)
	codec := blendPanicCodec{Codec: f.codec}
	log := zap.NewNop()
	renderer := NewRenderer(stitch.New(codec, 4, log), codec, blank.New(codec, cache.NewMemoryCache(4), log), 0, log)

	p := baseParams()
	p["layers"] = "a,b"

	resp, err := renderer.Render(context.Background(), f.registry, p, nil)
	assert.Nil(t, resp)
	se := serviceError(t, err)
	assert.Equal(t, CodeNoApplicableCode, se.Code)
	assert.NotContains(t, se.Message, "corrupt")

	var pe *parallel.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "vips: corrupt buffer in blend", pe.Value)
}

func TestRender_SourcePanicBecomesServiceError(t *testing.T) {
	f := newFixture(t)
	f.registry.Add(layer.NewSimple("boom", layer.SourceFunc(func(ctx context.Context, t maptile.Tile) (*layer.Tile, error) {
		panic("source exploded")
	}), layer.ZoomRange{Min: 0, Max: 18}, layer.World, true))

	for _, layers := range []string{"boom", "a,boom"} {
		p := baseParams()
		p["layers"] = layers

		_, err := f.renderer.Render(context.Background(), f.registry, p, nil)
		assert.Equal(t, CodeNoApplicableCode, serviceError(t, err).Code, layers)
	}
}

type oddLayer struct{}

func (oddLayer) Name() string           { return "odd" }
func (oddLayer) Kind() layer.Kind       { return layer.Kind(99) }
func (oddLayer) Range() layer.ZoomRange { return layer.ZoomRange{Min: 0, Max: 18} }
func (oddLayer) Bounds() orb.Bound      { return layer.World }
func (oddLayer) Viewable() bool         { return true }

type resolverFunc func(names string) (layer.Layer, error)

func (f resolverFunc) Resolve(names string) (layer.Layer, error) { return f(names) }

func TestRender_UnknownLayerKindPanics(t *testing.T) {
	f := newFixture(t)
	odd := resolverFunc(func(string) (layer.Layer, error) { return oddLayer{}, nil })

	assert.Panics(t, func() {
		f.renderer.Render(context.Background(), odd, baseParams(), nil)
	})
}

func TestRender_NilRegistryPanics(t *testing.T) {
	f := newFixture(t)
	assert.Panics(t, func() {
		f.renderer.Render(context.Background(), nil, baseParams(), nil)
	})
}

func TestRender_ZoomFollowsLayerRange(t *testing.T) {
	f := newFixture(t)
	var got stitch.Options
	f.renderer.stitcher = stitcherFunc(func(ctx context.Context, opts stitch.Options) (raster.Image, error) {
		got = opts
		return f.codec.NewCanvas(10, 10)
	})

	p := baseParams()
	p["layers"] = "b"
	p["bbox"] = "0,0,0.001,0.001"
	_, err := f.renderer.Render(context.Background(), f.registry, p, nil)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Zoom)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0.001, 0.001}}, got.Bounds)
	assert.Equal(t, 1, got.Scale)
}

type stitcherFunc func(ctx context.Context, opts stitch.Options) (raster.Image, error)

func (f stitcherFunc) Stitch(ctx context.Context, opts stitch.Options) (raster.Image, error) {
	return f(ctx, opts)
}

func TestScaleFor(t *testing.T) {
	tests := []struct {
		params Params
		want   int
	}{
		{Params{}, 1},
		{Params{"dpi": "72"}, 1},
		{Params{"dpi": "36"}, 2},
		{Params{"map_resolution": "24"}, 3},
		{Params{"dpi": "300"}, 1},
		{Params{"dpi": "abc"}, 1},
		{Params{"dpi": "0"}, 1},
		{Params{"dpi": "1"}, 4},
		{Params{"dpi": "NaN"}, 1},
		{Params{"map_resolution": "0.5"}, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scaleFor(tt.params), "%v", tt.params)
	}
}

func TestParamsFromQuery(t *testing.T) {
	q := url.Values{
		"LAYERS": {"a,b"},
		"Width":  {" 256 "},
		"bbox":   {"1,2,3,4", "5,6,7,8"},
	}
	p := ParamsFromQuery(q)
	assert.Equal(t, "a,b", p["layers"])
	assert.Equal(t, "256", p["width"])
	assert.Equal(t, "1,2,3,4", p["bbox"])
}

func TestServiceError(t *testing.T) {
	err := &ServiceError{Code: CodeInvalidSRS, Message: "unsupported SRS x", Locator: "SRS"}
	assert.Equal(t, "InvalidSRS: unsupported SRS x (SRS)", err.Error())

	cause := errors.New("cause")
	wrapped := &ServiceError{Code: CodeNoApplicableCode, Message: "failed", Err: cause}
	assert.ErrorIs(t, wrapped, cause)
}
