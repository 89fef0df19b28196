package fetch

import (
	"context"
	"errors"
	"sync"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"wmsgate/internal/abort"
	"wmsgate/internal/blank"
	"wmsgate/internal/layer"
	"wmsgate/internal/parallel"
	"wmsgate/internal/raster"
)

// CompositeConcurrency caps the sub-layer fetches in flight for one tile.
// Each one ends in a decode buffer, so it stays small.
const CompositeConcurrency = 2

// CompositeFetcher fetches every member of a composite layer and blends the
// tiles that arrived, in member order, into one png.
type CompositeFetcher struct {
	layer  *layer.Composite
	blanks *blank.Provider
	codec  raster.Codec
	opts   Options
	root   *zap.Logger
	log    *zap.Logger

	mu       sync.Mutex
	fetchers map[layer.Layer]fetcher
}

func NewCompositeFetcher(l *layer.Composite, blanks *blank.Provider, codec raster.Codec, opts Options, log *zap.Logger) *CompositeFetcher {
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}
	return &CompositeFetcher{
		layer:    l,
		blanks:   blanks,
		codec:    codec,
		opts:     opts,
		root:     log,
		log:      log.With(zap.String("layer", l.Name())),
		fetchers: make(map[layer.Layer]fetcher),
	}
}

func (c *CompositeFetcher) Fetch(ctx context.Context, t maptile.Tile) (*layer.Tile, error) {
	if tile, state := c.fetch(ctx, t); state == StateSucceeded {
		return tile, nil
	}
	return blankTile(c.blanks, c.opts)
}

// fetcherFor returns the memoised fetcher of a member layer.
func (c *CompositeFetcher) fetcherFor(l layer.Layer) fetcher {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.fetchers[l]
	if !ok {
		f = newFetcher(l, c.blanks, c.codec, c.opts, c.root)
		c.fetchers[l] = f
	}
	return f
}

func (c *CompositeFetcher) fetch(ctx context.Context, t maptile.Tile) (*layer.Tile, State) {
	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Attach the fan-out to the request signal only while it runs.
	if c.opts.Signal != nil {
		stop := c.opts.Signal.OnAbort(abort.Handle(cancel))
		defer stop()
	}

	tiles, err := parallel.Map(fanCtx, c.layer.Layers(), CompositeConcurrency,
		func(ctx context.Context, i int, l layer.Layer) (*layer.Tile, error) {
			tile, state := c.fetcherFor(l).fetch(ctx, t)
			if state != StateSucceeded {
				return nil, nil
			}
			return tile, nil
		})
	// A member panic is not a missing tile; hand it to the caller's pool.
	var pe *parallel.PanicError
	if errors.As(err, &pe) {
		panic(pe)
	}
	if err != nil {
		c.log.Debug("Composite fan-out cancelled", tileFields(t), zap.Error(err))
		return nil, StateBlank
	}

	layers := make([][]byte, 0, len(tiles))
	for _, tile := range tiles {
		if tile != nil {
			layers = append(layers, tile.Data)
		}
	}
	if len(layers) == 0 || aborted(ctx, c.opts.Signal) {
		return nil, StateBlank
	}

	data, err := c.codec.Blend(layers, raster.BlendOptions{
		Width:  raster.TileSize,
		Height: raster.TileSize,
		Format: "png",
	})
	if err != nil {
		c.log.Warn("Blend failed, using blank tile", tileFields(t), zap.Error(err))
		return nil, StateBlank
	}
	if aborted(ctx, c.opts.Signal) {
		return nil, StateBlank
	}

	return &layer.Tile{
		Data: data,
		Headers: map[string]string{
			"content-type": "image/png",
			"etag":         raster.ETag(data),
		},
	}, StateSucceeded
}
