package wms

import (
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// MaxImageSize bounds width and height of a rendered image.
const MaxImageSize = 4096

var requiredParams = []string{"layers", "bbox", "width", "height", "format"}

// Params is a normalised request: lower case keys, one trimmed value each.
type Params map[string]string

// ParamsFromQuery normalises a query string. The first value of a
// repeated key wins.
func ParamsFromQuery(q url.Values) Params {
	p := make(Params, len(q))
	for k, v := range q {
		key := strings.ToLower(k)
		if _, seen := p[key]; seen || len(v) == 0 {
			continue
		}
		p[key] = strings.TrimSpace(v[0])
	}
	return p
}

func (p Params) first(keys ...string) string {
	for _, k := range keys {
		if v := p[k]; v != "" {
			return v
		}
	}
	return ""
}

func checkRequired(p Params) *ServiceError {
	for _, k := range requiredParams {
		if p[k] == "" {
			return missing(strings.ToUpper(k))
		}
	}
	if p.first("srs", "crs") == "" {
		return missing("SRS")
	}
	return nil
}

func parseBBox(s string) (orb.Bound, *ServiceError) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, invalid("BBOX", "bbox must have 4 comma separated numbers")
	}

	var v [4]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return orb.Bound{}, invalid("BBOX", "invalid bbox value %q", part)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, invalid("BBOX", "bbox min must not exceed max")
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func parseSize(s, locator string) (int, *ServiceError) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, invalid(locator, "%s must be a positive integer", strings.ToLower(locator))
	}
	if n > MaxImageSize {
		return 0, invalid(locator, "%s must not exceed %d", strings.ToLower(locator), MaxImageSize)
	}
	return n, nil
}

// scaleFor derives the tile scale round(72/dpi) from dpi or map_resolution,
// clamped to 1..4. A missing, unparsable, non positive or NaN value yields 1,
// as does a dpi above 144 that rounds to 0.
func scaleFor(p Params) int {
	dpi := p.first("dpi", "map_resolution")
	if dpi == "" {
		return 1
	}
	d, err := strconv.ParseFloat(dpi, 64)
	if err != nil || d <= 0 {
		return 1
	}
	scale := math.Round(72 / d)
	if math.IsNaN(scale) || scale < 1 {
		return 1
	}
	return int(min(scale, 4))
}
