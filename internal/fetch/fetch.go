// Package fetch retrieves the tiles of one request, with retry, blank tile
// fallback and blending of composite layers.
package fetch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"wmsgate/internal/abort"
	"wmsgate/internal/blank"
	"wmsgate/internal/layer"
	"wmsgate/internal/raster"
)

// State is the outcome of one tile fetch.
type State int

const (
	StatePending State = iota
	StateSucceeded
	StateRetrying
	StateBlank
)

func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateBlank:
		return "blank"
	default:
		return "pending"
	}
}

// Options apply to every tile of one request.
type Options struct {
	BgColor string // normalised hex colour or blank.NoBackground
	Format  string // png, jpeg or webp
	// Timeout bounds a single attempt. Zero leaves it to the source.
	Timeout time.Duration
	Signal  *abort.Signal
	Stats   *Stats
}

// Stats counts fallbacks across a request. The zero value is ready to use.
type Stats struct {
	Fetched atomic.Int64
	Retried atomic.Int64
	Blank   atomic.Int64
}

// TileFetcher is what the stitcher calls for each tile.
type TileFetcher interface {
	Fetch(ctx context.Context, t maptile.Tile) (*layer.Tile, error)
}

// fetcher is implemented by both variants. fetch never falls back to a
// blank tile; it reports StateBlank and leaves the decision to the caller.
type fetcher interface {
	TileFetcher
	fetch(ctx context.Context, t maptile.Tile) (*layer.Tile, State)
}

// New returns the fetch strategy for l. It panics on an unknown layer
// variant.
func New(l layer.Layer, blanks *blank.Provider, codec raster.Codec, opts Options, log *zap.Logger) TileFetcher {
	return newFetcher(l, blanks, codec, opts, log)
}

func newFetcher(l layer.Layer, blanks *blank.Provider, codec raster.Codec, opts Options, log *zap.Logger) fetcher {
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}
	switch l.Kind() {
	case layer.KindSimple:
		return NewFetcher(l.(*layer.Simple), blanks, opts, log)
	case layer.KindComposite:
		return NewCompositeFetcher(l.(*layer.Composite), blanks, codec, opts, log)
	default:
		panic(fmt.Sprintf("layer %q: unsupported kind %v", l.Name(), l.Kind()))
	}
}

func aborted(ctx context.Context, sig *abort.Signal) bool {
	return ctx.Err() != nil || (sig != nil && sig.Aborted())
}

// blankTile serves the request's fallback tile.
func blankTile(blanks *blank.Provider, opts Options) (*layer.Tile, error) {
	opts.Stats.Blank.Add(1)
	data, err := blanks.Tile(opts.BgColor, opts.Format)
	if err != nil {
		return nil, err
	}
	contentType := raster.ContentType(opts.Format)
	if opts.BgColor == blank.NoBackground {
		contentType = "image/png"
	}
	return &layer.Tile{Data: data, Headers: map[string]string{"content-type": contentType}}, nil
}
