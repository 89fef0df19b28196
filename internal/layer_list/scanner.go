package layer_list

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"wmsgate/internal/cache"
	"wmsgate/internal/config"
	"wmsgate/internal/layer"
)

// DefaultMaxZoom applies to configured layers without a maxzoom.
const DefaultMaxZoom = 22

// layerNamespace seeds the stable layer ids.
var layerNamespace = uuid.MustParse("6f1c1f0e-2d55-4c8b-9a43-7b1e0c2f5a10")

type LayerInfo struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Kind     string     `json:"kind"`
	Source   string     `json:"source,omitempty"`
	MinZoom  int        `json:"min_zoom"`
	MaxZoom  int        `json:"max_zoom"`
	Bounds   [4]float64 `json:"bounds"`
	Viewable bool       `json:"viewable"`
	Members  []string   `json:"members,omitempty"`
}

// Scanner builds the layer registry from the mbtiles archives in the data
// directory and the optional layers file. A rescan replaces the registry.
type Scanner struct {
	dataDir    string
	layersFile string
	tiles      cache.Cache
	logger     *zap.Logger

	mu       sync.RWMutex
	registry *layer.Registry
	layers   []LayerInfo
	archives []*layer.MBTilesSource
}

// New creates a scanner. tiles is the upstream cache shared by http layers.
func New(dataDir, layersFile string, tiles cache.Cache, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir:    dataDir,
		layersFile: layersFile,
		tiles:      tiles,
		logger:     logger,
		registry:   layer.NewRegistry(),
		layers:     []LayerInfo{},
	}
}

func (s *Scanner) Scan(ctx context.Context) error {
	registry := layer.NewRegistry()
	var infos []LayerInfo
	var archives []*layer.MBTilesSource

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || strings.ToLower(filepath.Ext(entry.Name())) != ".mbtiles" {
			continue
		}
		path := s.getFilePath(entry.Name())
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if strings.Contains(name, ",") {
			s.logger.Warn("Skipping archive with comma in name", zap.String("path", path))
			continue
		}

		src, meta, err := s.openArchive(ctx, path)
		if err != nil {
			s.logger.Warn("Failed to open archive", zap.String("path", path), zap.Error(err))
			continue
		}
		archives = append(archives, src)

		l := layer.NewSimple(name, src, meta.Range, meta.Bounds, true)
		registry.Add(l)
		infos = append(infos, info(l, entry.Name()))
		s.logger.Info("Registered archive layer",
			zap.String("layer", name),
			zap.String("path", path),
			zap.Int("min_zoom", meta.Range.Min),
			zap.Int("max_zoom", meta.Range.Max))
	}

	if s.layersFile != "" {
		configured, err := config.LoadLayers(s.layersFile)
		if err != nil {
			closeAll(archives)
			return err
		}
		more, opened := s.addConfigured(ctx, registry, configured)
		infos = append(infos, more...)
		archives = append(archives, opened...)
	}

	s.mu.Lock()
	old := s.archives
	s.registry = registry
	s.layers = infos
	s.archives = archives
	s.mu.Unlock()

	closeAll(old)

	s.logger.Info("Layer scan completed", zap.Int("layers", len(infos)))
	return nil
}

// addConfigured registers simple layers first so composites can refer to
// any of them regardless of file order.
func (s *Scanner) addConfigured(ctx context.Context, registry *layer.Registry, configured []config.LayerConfig) ([]LayerInfo, []*layer.MBTilesSource) {
	var infos []LayerInfo
	var archives []*layer.MBTilesSource

	for _, lc := range configured {
		if lc.Type == "composite" {
			continue
		}
		if _, exists := registry.Get(lc.Name); exists {
			s.logger.Warn("Layer overrides an existing one", zap.String("layer", lc.Name))
		}

		rng := zoomRange(lc)
		bounds := boundsOf(lc.Bounds)
		var src layer.Source
		var source string

		switch lc.Type {
		case "http":
			src = layer.NewHTTPSource(lc.Name, lc.URL, lc.Headers, s.tiles)
			source = lc.URL
		case "mbtiles":
			path := lc.Path
			if !filepath.IsAbs(path) {
				path = s.getFilePath(path)
			}
			archive, meta, err := s.openArchive(ctx, path)
			if err != nil {
				s.logger.Warn("Failed to open archive", zap.String("layer", lc.Name), zap.String("path", path), zap.Error(err))
				continue
			}
			archives = append(archives, archive)
			if lc.MaxZoom == 0 {
				rng = meta.Range
			}
			if len(lc.Bounds) == 0 {
				bounds = meta.Bounds
			}
			src = archive
			source = lc.Path
		}

		l := layer.NewSimple(lc.Name, src, rng, bounds, lc.IsViewable())
		registry.Add(l)
		infos = append(infos, info(l, source))
	}

	for _, lc := range configured {
		if lc.Type != "composite" {
			continue
		}
		members := make([]layer.Layer, 0, len(lc.Layers))
		for _, name := range lc.Layers {
			m, ok := registry.Get(name)
			if !ok {
				s.logger.Warn("Composite member not found", zap.String("layer", lc.Name), zap.String("member", name))
				members = nil
				break
			}
			members = append(members, m)
		}
		if members == nil {
			continue
		}

		c := layer.NewComposite(lc.Name, members)
		if !lc.IsViewable() {
			c.Hide()
		}
		registry.Add(c)
		infos = append(infos, info(c, ""))
	}

	return infos, archives
}

func (s *Scanner) openArchive(ctx context.Context, path string) (*layer.MBTilesSource, *layer.Metadata, error) {
	src, err := layer.OpenMBTiles(path)
	if err != nil {
		return nil, nil, err
	}
	meta, err := src.ReadMetadata(ctx)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	return src, meta, nil
}

// Registry returns the registry built by the last successful scan.
func (s *Scanner) Registry() *layer.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

func (s *Scanner) GetLayers() []LayerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layers
}

func (s *Scanner) GetLayerByID(id string) *LayerInfo {
	for _, l := range s.GetLayers() {
		if l.ID == id {
			return &l
		}
	}
	return nil
}

// Close releases the open archives.
func (s *Scanner) Close() {
	s.mu.Lock()
	archives := s.archives
	s.archives = nil
	s.mu.Unlock()
	closeAll(archives)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func closeAll(archives []*layer.MBTilesSource) {
	for _, a := range archives {
		a.Close()
	}
}

func zoomRange(lc config.LayerConfig) layer.ZoomRange {
	maxZoom := lc.MaxZoom
	if maxZoom == 0 {
		maxZoom = DefaultMaxZoom
	}
	return layer.ZoomRange{Min: lc.MinZoom, Max: maxZoom}
}

func boundsOf(v []float64) orb.Bound {
	if len(v) != 4 {
		return layer.World
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
}

func info(l layer.Layer, source string) LayerInfo {
	rng := l.Range()
	b := l.Bounds()
	li := LayerInfo{
		ID:       uuid.NewSHA1(layerNamespace, []byte(l.Name())).String(),
		Name:     l.Name(),
		Kind:     l.Kind().String(),
		Source:   source,
		MinZoom:  rng.Min,
		MaxZoom:  rng.Max,
		Bounds:   [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()},
		Viewable: l.Viewable(),
	}
	if c, ok := l.(*layer.Composite); ok {
		for _, m := range c.Layers() {
			li.Members = append(li.Members, m.Name())
		}
	}
	return li
}
