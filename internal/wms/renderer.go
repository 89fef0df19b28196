// Package wms answers GetMap style requests: it validates the parameters,
// picks a zoom level, stitches the covering tiles and encodes the result.
package wms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"wmsgate/internal/abort"
	"wmsgate/internal/blank"
	"wmsgate/internal/fetch"
	"wmsgate/internal/geometry"
	"wmsgate/internal/layer"
	"wmsgate/internal/raster"
	"wmsgate/internal/stitch"
)

var ErrAborted = errors.New("render aborted")

// Resolver looks up the layer(s) named by a LAYERS parameter.
type Resolver interface {
	Resolve(names string) (layer.Layer, error)
}

type Response struct {
	Data    []byte
	Headers map[string]string
	Code    int
}

func unauthorized() *Response {
	return &Response{Code: http.StatusUnauthorized, Data: []byte("not authorized"), Headers: map[string]string{}}
}

type Renderer struct {
	stitcher     stitch.Stitcher
	codec        raster.Codec
	blanks       *blank.Provider
	fetchTimeout time.Duration
	logger       *zap.Logger
}

func NewRenderer(stitcher stitch.Stitcher, codec raster.Codec, blanks *blank.Provider, fetchTimeout time.Duration, logger *zap.Logger) *Renderer {
	return &Renderer{
		stitcher:     stitcher,
		codec:        codec,
		blanks:       blanks,
		fetchTimeout: fetchTimeout,
		logger:       logger,
	}
}

// request is a validated GetMap request.
type request struct {
	layer   layer.Layer
	srs     string
	bbox    orb.Bound
	width   int
	height  int
	format  string
	bgcolor string
	scale   int
}

// Render produces the image for params. Input problems come back as a
// *ServiceError, a non viewable layer as a 401 Response. Any failure after
// validation, including an abort of sig, is reported as a NoApplicableCode
// *ServiceError wrapping the cause. sig may be nil.
func (r *Renderer) Render(ctx context.Context, layers Resolver, params Params, sig *abort.Signal) (*Response, error) {
	if layers == nil {
		panic("wms: Render called without a layer registry")
	}

	req, resp, err := r.parse(layers, params)
	if err != nil || resp != nil {
		return resp, err
	}

	if sig == nil {
		sig = abort.New(ctx)
		defer sig.Release()
	}

	// Outside render's recover: an unknown layer kind panics to the caller.
	stats := &fetch.Stats{}
	tiles := fetch.New(req.layer, r.blanks, r.codec, fetch.Options{
		BgColor: req.bgcolor,
		Format:  req.format,
		Timeout: r.fetchTimeout,
		Signal:  sig,
		Stats:   stats,
	}, r.logger)

	data, err := r.render(sig, req, tiles)
	if err != nil {
		r.logger.Error("Render failed",
			zap.String("layers", params["layers"]),
			zap.String("bbox", params["bbox"]),
			zap.Error(err))
		return nil, &ServiceError{Code: CodeNoApplicableCode, Message: "failed to render map", Err: err}
	}

	blankTiles := stats.Blank.Load()
	if blankTiles > 0 {
		r.logger.Warn("Map rendered with blank tiles",
			zap.String("layers", params["layers"]),
			zap.Int64("blank_tiles", blankTiles),
			zap.Int64("fetched", stats.Fetched.Load()),
			zap.Int64("retried", stats.Retried.Load()))
	}

	return &Response{
		Data: data,
		Headers: map[string]string{
			"content-type":   raster.ContentType(req.format),
			"content-length": strconv.Itoa(len(data)),
			"etag":           raster.ETag(data),
			"x-blank-tiles":  strconv.FormatInt(blankTiles, 10),
		},
		Code: http.StatusOK,
	}, nil
}

func (r *Renderer) parse(layers Resolver, p Params) (*request, *Response, error) {
	if err := checkRequired(p); err != nil {
		return nil, nil, err
	}

	srs := strings.ToLower(p.first("srs", "crs"))
	if !geometry.SupportedSRS(srs) {
		return nil, nil, &ServiceError{Code: CodeInvalidSRS, Message: fmt.Sprintf("unsupported SRS %s", srs), Locator: "SRS"}
	}

	l, err := layers.Resolve(p["layers"])
	switch {
	case errors.Is(err, layer.ErrNotViewable):
		return nil, unauthorized(), nil
	case err != nil:
		return nil, nil, invalid("LAYER", "%v", err)
	}

	format, err := raster.FormatName(p["format"])
	if err != nil {
		return nil, nil, invalid("FORMAT", "unsupported format %s", p["format"])
	}

	bbox, serr := parseBBox(p["bbox"])
	if serr != nil {
		return nil, nil, serr
	}
	width, serr := parseSize(p["width"], "WIDTH")
	if serr != nil {
		return nil, nil, serr
	}
	height, serr := parseSize(p["height"], "HEIGHT")
	if serr != nil {
		return nil, nil, serr
	}

	// NormalizeColor maps a missing or malformed colour to white.
	bgcolor := blank.NormalizeColor(p["bgcolor"])
	if format == "png" && strings.EqualFold(p["transparent"], "true") {
		bgcolor = blank.NoBackground
	}

	return &request{
		layer:   l,
		srs:     srs,
		bbox:    geometry.ToLonLat(bbox, srs),
		width:   width,
		height:  height,
		format:  format,
		bgcolor: bgcolor,
		scale:   scaleFor(p),
	}, nil, nil
}

// render runs the image pipeline. Panics from the image primitives and tile
// sources, including those raised in fetch workers, are turned into errors.
func (r *Renderer) render(sig *abort.Signal, req *request, tiles fetch.TileFetcher) (data []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("render panic: %v", rec)
		}
	}()

	rng := req.layer.Range()
	zoom := geometry.ComputeZoom(req.bbox, req.width, req.height, rng.Min, rng.Max)

	r.logger.Debug("Rendering map",
		zap.String("layer", req.layer.Name()),
		zap.Stringer("kind", req.layer.Kind()),
		zap.Int("zoom", zoom),
		zap.Int("scale", req.scale),
		zap.Int("width", req.width),
		zap.Int("height", req.height),
		zap.String("format", req.format),
	)

	img, err := r.stitcher.Stitch(sig.Context(), stitch.Options{
		Scale:   req.scale,
		Zoom:    zoom,
		Bounds:  req.bbox,
		Format:  req.format,
		GetTile: tiles,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stitch: %w", err)
	}
	defer img.Close()

	if sig.Aborted() {
		return nil, fmt.Errorf("%w after stitching: %v", ErrAborted, sig.Err())
	}

	if err := r.codec.Premultiply(img); err != nil {
		return nil, err
	}
	if err := r.codec.Resize(img, req.width, req.height); err != nil {
		return nil, err
	}
	if sig.Aborted() {
		return nil, fmt.Errorf("%w after resizing: %v", ErrAborted, sig.Err())
	}

	data, err = r.codec.Encode(img, req.format)
	if err != nil {
		return nil, err
	}
	return data, nil
}
