package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              int
	DataDir           string
	LayersFile        string
	CacheType         string
	CacheMemoryTiles  int
	CacheFileDir      string
	BlankCacheTiles   int
	FetchTimeout      time.Duration
	StitchConcurrency int
	VipsMaxCacheMB    int
	VipsConcurrency   int
	LogLevel          string
	LogEncoding       string
	AllowedOrigin     string
}

// LayerConfig describes one entry of the layers file.
type LayerConfig struct {
	Name     string            `mapstructure:"name"`
	Type     string            `mapstructure:"type"` // http, mbtiles or composite
	URL      string            `mapstructure:"url"`
	Path     string            `mapstructure:"path"`
	Headers  map[string]string `mapstructure:"headers"`
	Layers   []string          `mapstructure:"layers"`
	MinZoom  int               `mapstructure:"minzoom"`
	MaxZoom  int               `mapstructure:"maxzoom"`
	Bounds   []float64         `mapstructure:"bounds"`
	Viewable *bool             `mapstructure:"viewable"`
}

// IsViewable defaults to true when the flag is absent.
func (l LayerConfig) IsViewable() bool {
	return l.Viewable == nil || *l.Viewable
}

func Load() *Config {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	dataDir := v.GetString("data_dir")
	cacheFileDir := v.GetString("cache_file_dir")
	if cacheFileDir == "" {
		cacheFileDir = filepath.Join(dataDir, "cache")
	}

	return &Config{
		Port:              v.GetInt("port"),
		DataDir:           dataDir,
		LayersFile:        v.GetString("layers_file"),
		CacheType:         v.GetString("cache"),
		CacheMemoryTiles:  v.GetInt("cache_memory_tiles"),
		CacheFileDir:      cacheFileDir,
		BlankCacheTiles:   v.GetInt("blank_cache_tiles"),
		FetchTimeout:      v.GetDuration("fetch_timeout"),
		StitchConcurrency: v.GetInt("stitch_concurrency"),
		VipsMaxCacheMB:    v.GetInt("vips_max_cache_mb"),
		VipsConcurrency:   v.GetInt("vips_concurrency"),
		LogLevel:          strings.ToLower(v.GetString("log_level")),
		LogEncoding:       strings.ToLower(v.GetString("log_encoding")),
		AllowedOrigin:     v.GetString("allowed_origin"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("data_dir", "/data")
	v.SetDefault("layers_file", "")
	v.SetDefault("cache", "memory")
	v.SetDefault("cache_memory_tiles", 2000)
	v.SetDefault("cache_file_dir", "")
	v.SetDefault("blank_cache_tiles", 256)
	v.SetDefault("fetch_timeout", 10*time.Second)
	v.SetDefault("stitch_concurrency", 8)
	v.SetDefault("vips_max_cache_mb", 256)
	v.SetDefault("vips_concurrency", 1)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_encoding", "json")
	v.SetDefault("allowed_origin", "")
}

// LoadLayers reads the layer registry file (yaml, json or toml, by extension).
func LoadLayers(path string) ([]LayerConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read layers file: %w", err)
	}

	var layers []LayerConfig
	if err := v.UnmarshalKey("layers", &layers); err != nil {
		return nil, fmt.Errorf("failed to parse layers file: %w", err)
	}

	for i, l := range layers {
		if err := l.validate(); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	return layers, nil
}

func (l LayerConfig) validate() error {
	if l.Name == "" {
		return fmt.Errorf("missing name")
	}
	if strings.Contains(l.Name, ",") {
		return fmt.Errorf("layer name %q must not contain a comma", l.Name)
	}
	switch l.Type {
	case "http":
		if l.URL == "" {
			return fmt.Errorf("layer %q: http layer needs url", l.Name)
		}
	case "mbtiles":
		if l.Path == "" {
			return fmt.Errorf("layer %q: mbtiles layer needs path", l.Name)
		}
	case "composite":
		if len(l.Layers) == 0 {
			return fmt.Errorf("layer %q: composite layer needs members", l.Name)
		}
	default:
		return fmt.Errorf("layer %q: unknown type %q (supported: http, mbtiles, composite)", l.Name, l.Type)
	}
	if len(l.Bounds) != 0 && len(l.Bounds) != 4 {
		return fmt.Errorf("layer %q: bounds must have 4 values", l.Name)
	}
	// A missing maxzoom is filled in by the layer list.
	if l.MaxZoom != 0 && l.MaxZoom < l.MinZoom {
		return fmt.Errorf("layer %q: maxzoom below minzoom", l.Name)
	}
	return nil
}
