// Package stitch assembles the tiles covering a bounding box into one image.
package stitch

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"wmsgate/internal/fetch"
	"wmsgate/internal/geometry"
	"wmsgate/internal/layer"
	"wmsgate/internal/parallel"
	"wmsgate/internal/raster"
)

// MaxTiles bounds the tiles a single stitch may request.
const MaxTiles = 1024

type Options struct {
	// Scale multiplies the tile pixel size, 2 for high dpi output.
	Scale   int
	Zoom    int
	Bounds  orb.Bound // lon/lat
	Format  string
	GetTile fetch.TileFetcher
}

type Stitcher interface {
	Stitch(ctx context.Context, opts Options) (raster.Image, error)
}

// TileStitcher fetches tiles with bounded concurrency and inserts them into
// a canvas cropped to the requested bounds.
type TileStitcher struct {
	codec       raster.Codec
	concurrency int
	log         *zap.Logger
}

func New(codec raster.Codec, concurrency int, log *zap.Logger) *TileStitcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &TileStitcher{codec: codec, concurrency: concurrency, log: log}
}

type placement struct {
	tile maptile.Tile
	x, y int // offset in the canvas
}

// Window is the pixel area of a bbox at zoom, in global pixel coordinates.
type Window struct {
	X, Y          int
	Width, Height int
}

// PixelWindow returns the smallest pixel window covering b at zoom.
func PixelWindow(b orb.Bound, zoom int, tileSize float64) Window {
	ll := geometry.PixelAt(orb.Point{b.Min.Lon(), b.Min.Lat()}, zoom, tileSize)
	ur := geometry.PixelAt(orb.Point{b.Max.Lon(), b.Max.Lat()}, zoom, tileSize)

	x0 := int(math.Floor(ll.X()))
	y0 := int(math.Floor(ur.Y()))
	x1 := int(math.Ceil(ur.X()))
	y1 := int(math.Ceil(ll.Y()))

	return Window{X: x0, Y: y0, Width: max(x1-x0, 1), Height: max(y1-y0, 1)}
}

func (s *TileStitcher) plan(w Window, zoom, tileSize int) ([]placement, error) {
	n := 1 << zoom
	tx0, ty0 := floorDiv(w.X, tileSize), floorDiv(w.Y, tileSize)
	tx1, ty1 := floorDiv(w.X+w.Width-1, tileSize), floorDiv(w.Y+w.Height-1, tileSize)

	count := (tx1 - tx0 + 1) * (ty1 - ty0 + 1)
	if count > MaxTiles {
		return nil, fmt.Errorf("request needs %d tiles at zoom %d (max %d)", count, zoom, MaxTiles)
	}

	tiles := make([]placement, 0, count)
	for ty := ty0; ty <= ty1; ty++ {
		if ty < 0 || ty >= n {
			continue
		}
		for tx := tx0; tx <= tx1; tx++ {
			// wrap around the antimeridian
			wx := ((tx % n) + n) % n
			tiles = append(tiles, placement{
				tile: maptile.New(uint32(wx), uint32(ty), maptile.Zoom(zoom)),
				x:    tx*tileSize - w.X,
				y:    ty*tileSize - w.Y,
			})
		}
	}
	return tiles, nil
}

func (s *TileStitcher) Stitch(ctx context.Context, opts Options) (raster.Image, error) {
	if opts.GetTile == nil {
		return nil, fmt.Errorf("stitch: no tile fetcher")
	}
	scale := max(opts.Scale, 1)
	tileSize := raster.TileSize * scale

	w := PixelWindow(opts.Bounds, opts.Zoom, float64(tileSize))
	tiles, err := s.plan(w, opts.Zoom, tileSize)
	if err != nil {
		return nil, err
	}

	fetched, err := parallel.Map(ctx, tiles, s.concurrency, func(ctx context.Context, i int, p placement) (*layer.Tile, error) {
		return opts.GetTile.Fetch(ctx, p.tile)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tiles: %w", err)
	}

	canvas, err := s.codec.NewCanvas(w.Width, w.Height)
	if err != nil {
		return nil, err
	}

	for i, t := range fetched {
		if t == nil || len(t.Data) == 0 {
			continue
		}
		if err := s.place(canvas, t.Data, tiles[i], tileSize); err != nil {
			s.log.Warn("Skipping undecodable tile",
				zap.Uint32s("tile", []uint32{uint32(tiles[i].tile.Z), tiles[i].tile.X, tiles[i].tile.Y}),
				zap.Error(err))
		}
	}

	s.log.Debug("Stitched image",
		zap.Int("zoom", opts.Zoom),
		zap.Int("tiles", len(tiles)),
		zap.Int("width", w.Width),
		zap.Int("height", w.Height),
	)
	return canvas, nil
}

func (s *TileStitcher) place(canvas raster.Image, data []byte, p placement, tileSize int) error {
	img, err := s.codec.Decode(data)
	if err != nil {
		return err
	}
	defer img.Close()

	if img.Width() != tileSize || img.Height() != tileSize {
		if err := s.codec.Resize(img, tileSize, tileSize); err != nil {
			return err
		}
	}
	if err := s.codec.AddAlpha(img); err != nil {
		return err
	}
	return s.codec.Insert(canvas, img, p.x, p.y)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
