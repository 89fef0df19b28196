// Package geometry converts request bounding boxes into tile space.
package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

const (
	SRSGoogle   = "epsg:900913"
	SRSMercator = "epsg:3857"
	SRSWGS84    = "epsg:4326"

	// MaxLatitude is the web mercator latitude limit.
	MaxLatitude = 85.0511287798
)

// SupportedSRS reports whether srs (lower case) is accepted.
func SupportedSRS(srs string) bool {
	switch srs {
	case SRSGoogle, SRSMercator, SRSWGS84:
		return true
	}
	return false
}

func IsMercator(srs string) bool {
	return srs == SRSGoogle || srs == SRSMercator
}

// ToLonLat converts a bbox in srs to lon/lat degrees.
func ToLonLat(b orb.Bound, srs string) orb.Bound {
	if !IsMercator(srs) {
		return b
	}
	return orb.Bound{
		Min: project.Mercator.ToWGS84(b.Min),
		Max: project.Mercator.ToWGS84(b.Max),
	}
}

// PixelAt projects a lon/lat point to global pixel coordinates at zoom z.
// Latitudes are clamped to the mercator limit.
func PixelAt(p orb.Point, z int, tileSize float64) orb.Point {
	size := tileSize * math.Exp2(float64(z))
	lat := math.Max(-MaxLatitude, math.Min(MaxLatitude, p.Lat())) * math.Pi / 180

	x := (p.Lon() + 180) / 360 * size
	y := (1 - math.Log(math.Tan(lat)+1/math.Cos(lat))/math.Pi) / 2 * size
	return orb.Point{x, y}
}

// TileAt returns the tile containing p at zoom z.
func TileAt(p orb.Point, z int) maptile.Tile {
	return maptile.At(p, maptile.Zoom(z))
}

// ComputeZoom picks the zoom level whose resolution is just enough for a
// width x height image of bbox. The axis needing the lower zoom wins, the
// result is rounded up and clamped to [minZoom, maxZoom].
func ComputeZoom(bbox orb.Bound, width, height, minZoom, maxZoom int) int {
	ll := PixelAt(orb.Point{bbox.Min.Lon(), bbox.Min.Lat()}, maxZoom, 256)
	ur := PixelAt(orb.Point{bbox.Max.Lon(), bbox.Max.Lat()}, maxZoom, 256)

	pxWidth := math.Abs(ur.X() - ll.X())
	pxHeight := math.Abs(ll.Y() - ur.Y())

	ratioX := math.Log2(pxWidth / float64(width))
	ratioY := math.Log2(pxHeight / float64(height))

	z := math.Ceil(float64(maxZoom) - math.Max(ratioX, ratioY))
	switch {
	case math.IsNaN(z) || z <= float64(minZoom):
		return minZoom
	case z >= float64(maxZoom):
		return maxZoom
	default:
		return int(z)
	}
}
