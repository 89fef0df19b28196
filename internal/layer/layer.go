// Package layer models the named map layers a request can draw from.
//
// A Layer is either Simple (one tile Source) or Composite (several layers
// blended per tile). Callers switch on Kind and type-assert to reach the
// variant specific API.
package layer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

type Kind int

const (
	KindSimple Kind = iota
	KindComposite
)

func (k Kind) String() string {
	if k == KindComposite {
		return "composite"
	}
	return "simple"
}

var (
	ErrTimeout     = errors.New("tile fetch timed out")
	ErrUnknown     = errors.New("unknown layer")
	ErrNotViewable = errors.New("layer not viewable")
)

// World is used for layers that declare no bounds.
var World = orb.Bound{Min: orb.Point{-180, -85.0511287798}, Max: orb.Point{180, 85.0511287798}}

type ZoomRange struct {
	Min int
	Max int
}

// Tile is one fetched tile with the upstream response headers.
type Tile struct {
	Data    []byte
	Headers map[string]string
}

type Layer interface {
	Name() string
	Kind() Kind
	Range() ZoomRange
	Bounds() orb.Bound
	Viewable() bool
}

// Source fetches encoded tiles. A nil Tile with a nil error means the
// source has no tile at that address.
type Source interface {
	GetTile(ctx context.Context, t maptile.Tile) (*Tile, error)
}

type SourceFunc func(ctx context.Context, t maptile.Tile) (*Tile, error)

func (f SourceFunc) GetTile(ctx context.Context, t maptile.Tile) (*Tile, error) {
	return f(ctx, t)
}

type Simple struct {
	name     string
	source   Source
	rng      ZoomRange
	bounds   orb.Bound
	viewable bool
}

// NewSimple panics if src is nil: a layer without a tile source is a wiring bug.
func NewSimple(name string, src Source, rng ZoomRange, bounds orb.Bound, viewable bool) *Simple {
	if src == nil {
		panic(fmt.Sprintf("layer %q has no tile source", name))
	}
	if bounds.IsZero() || bounds.IsEmpty() {
		bounds = World
	}
	return &Simple{name: name, source: src, rng: rng, bounds: bounds, viewable: viewable}
}

func (s *Simple) Name() string      { return s.name }
func (s *Simple) Kind() Kind        { return KindSimple }
func (s *Simple) Range() ZoomRange  { return s.rng }
func (s *Simple) Bounds() orb.Bound { return s.bounds }
func (s *Simple) Viewable() bool    { return s.viewable }

func (s *Simple) GetTile(ctx context.Context, t maptile.Tile) (*Tile, error) {
	return s.source.GetTile(ctx, t)
}

// Composite blends its members in declaration order.
type Composite struct {
	name     string
	layers   []Layer
	rng      ZoomRange
	bounds   orb.Bound
	viewable bool
}

// NewComposite merges the members' zoom ranges (union) and bounds (outer box).
func NewComposite(name string, layers []Layer) *Composite {
	if len(layers) == 0 {
		panic(fmt.Sprintf("composite layer %q has no members", name))
	}

	c := &Composite{
		name:     name,
		layers:   layers,
		rng:      layers[0].Range(),
		bounds:   layers[0].Bounds(),
		viewable: true,
	}
	for _, l := range layers {
		c.rng.Min = min(c.rng.Min, l.Range().Min)
		c.rng.Max = max(c.rng.Max, l.Range().Max)
		c.bounds = c.bounds.Union(l.Bounds())
		c.viewable = c.viewable && l.Viewable()
	}
	return c
}

func (c *Composite) Name() string      { return c.name }
func (c *Composite) Kind() Kind        { return KindComposite }
func (c *Composite) Range() ZoomRange  { return c.rng }
func (c *Composite) Bounds() orb.Bound { return c.bounds }
func (c *Composite) Viewable() bool    { return c.viewable }
func (c *Composite) Layers() []Layer   { return c.layers }

// Hide marks the composite non viewable. Call it before registering.
func (c *Composite) Hide() *Composite {
	c.viewable = false
	return c
}

// Excluded reports whether t lies outside the layer's declared coverage.
func Excluded(l Layer, t maptile.Tile) bool {
	z := int(t.Z)
	if rng := l.Range(); z < rng.Min || z > rng.Max {
		return true
	}
	return !l.Bounds().Intersects(t.Bound())
}

// IsTimeout reports whether err means the upstream did not answer in time.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
