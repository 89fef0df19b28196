package layer

import (
	"context"

	"github.com/paulmach/orb/maptile"
)

// StaticSource serves the same encoded image for every tile.
type StaticSource struct {
	Data        []byte
	ContentType string
}

func (s *StaticSource) GetTile(ctx context.Context, t maptile.Tile) (*Tile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tile{Data: s.Data, Headers: map[string]string{"content-type": s.ContentType}}, nil
}
