package fetch

import (
	"context"

	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"wmsgate/internal/blank"
	"wmsgate/internal/layer"
)

// Fetcher fetches tiles of one simple layer. A timed out attempt is retried
// exactly once; any other failure, or a second failure, yields a blank tile.
type Fetcher struct {
	layer  *layer.Simple
	blanks *blank.Provider
	opts   Options
	log    *zap.Logger
}

func NewFetcher(l *layer.Simple, blanks *blank.Provider, opts Options, log *zap.Logger) *Fetcher {
	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}
	return &Fetcher{
		layer:  l,
		blanks: blanks,
		opts:   opts,
		log:    log.With(zap.String("layer", l.Name())),
	}
}

func (f *Fetcher) Fetch(ctx context.Context, t maptile.Tile) (*layer.Tile, error) {
	if tile, state := f.fetch(ctx, t); state == StateSucceeded {
		return tile, nil
	}
	return blankTile(f.blanks, f.opts)
}

func (f *Fetcher) fetch(ctx context.Context, t maptile.Tile) (*layer.Tile, State) {
	if layer.Excluded(f.layer, t) {
		return nil, StateBlank
	}

	f.opts.Stats.Fetched.Add(1)
	tile, err := f.attempt(ctx, t)
	if err == nil && tile != nil {
		return tile, StateSucceeded
	}

	if err != nil && layer.IsTimeout(err) && !aborted(ctx, f.opts.Signal) {
		f.opts.Stats.Retried.Add(1)
		f.log.Debug("Retrying timed out tile", zap.Stringer("state", StateRetrying), tileFields(t), zap.Error(err))

		tile, err = f.attempt(ctx, t)
		if err == nil && tile != nil {
			return tile, StateSucceeded
		}
	}

	if err != nil {
		f.log.Warn("Tile fetch failed, using blank tile", tileFields(t), zap.Error(err))
	}
	return nil, StateBlank
}

// attempt runs one bounded call to the source. Cancelling ctx, directly or
// through the request's abort signal, cancels the call.
func (f *Fetcher) attempt(ctx context.Context, t maptile.Tile) (*layer.Tile, error) {
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	tile, err := f.layer.GetTile(ctx, t)
	if err != nil {
		return nil, err
	}
	if tile == nil || len(tile.Data) == 0 {
		return nil, nil
	}
	return tile, nil
}

func tileFields(t maptile.Tile) zap.Field {
	return zap.Uint32s("tile", []uint32{uint32(t.Z), t.X, t.Y})
}
