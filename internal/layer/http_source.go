package layer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"

	"wmsgate/internal/cache"
)

// HTTPSource fetches tiles from an XYZ url template such as
// https://tile.example.org/{z}/{x}/{y}.png. {-y} selects the TMS row.
type HTTPSource struct {
	name        string
	urlTemplate string
	headers     map[string]string
	client      *http.Client
	cache       cache.Cache
}

// NewHTTPSource creates a source; tiles is the upstream tile cache and may be nil.
func NewHTTPSource(name, urlTemplate string, headers map[string]string, tiles cache.Cache) *HTTPSource {
	if tiles == nil {
		tiles = cache.NewNoopCache()
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPSource{
		name:        name,
		urlTemplate: urlTemplate,
		headers:     headers,
		client:      &http.Client{Transport: transport},
		cache:       tiles,
	}
}

func (s *HTTPSource) cacheKey(t maptile.Tile) string {
	return fmt.Sprintf("%s/%d/%d/%d", s.name, t.Z, t.X, t.Y)
}

func (s *HTTPSource) buildURL(t maptile.Tile) string {
	tmsY := (1 << t.Z) - 1 - t.Y
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(int(t.Z)),
		"{x}", strconv.Itoa(int(t.X)),
		"{y}", strconv.Itoa(int(t.Y)),
		"{-y}", strconv.Itoa(int(tmsY)),
	)
	return r.Replace(s.urlTemplate)
}

func (s *HTTPSource) GetTile(ctx context.Context, t maptile.Tile) (*Tile, error) {
	key := s.cacheKey(t)
	if data, ok := s.cache.Get(key); ok {
		return &Tile{Data: data, Headers: map[string]string{"content-type": http.DetectContentType(data)}}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.buildURL(t), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build tile request: %w", err)
	}
	req.Header.Set("User-Agent", "wmsgate/1.0")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, s.name, err)
		}
		return nil, fmt.Errorf("tile request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: %s: upstream %s", ErrTimeout, s.name, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream %s: HTTP %d", s.name, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, s.name, err)
		}
		return nil, fmt.Errorf("failed to read tile body: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	s.cache.Set(key, data)

	headers := make(map[string]string)
	for _, h := range []string{"Content-Type", "ETag", "Last-Modified", "Cache-Control"} {
		if v := resp.Header.Get(h); v != "" {
			headers[strings.ToLower(h)] = v
		}
	}
	return &Tile{Data: data, Headers: headers}, nil
}
