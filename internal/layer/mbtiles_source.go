package layer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MBTilesSource reads tiles from an MBTiles archive (TMS row order).
type MBTilesSource struct {
	path        string
	db          *sql.DB
	contentType string
}

// Metadata is the subset of the MBTiles metadata table used to register a layer.
type Metadata struct {
	Name   string
	Format string
	Bounds orb.Bound
	Range  ZoomRange
}

func OpenMBTiles(path string) (*MBTilesSource, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open mbtiles: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open mbtiles %s: %w", path, err)
	}
	return &MBTilesSource{path: path, db: db, contentType: "image/png"}, nil
}

func (s *MBTilesSource) Close() error {
	return s.db.Close()
}

func (s *MBTilesSource) GetTile(ctx context.Context, t maptile.Tile) (*Tile, error) {
	var data []byte
	row := (1 << t.Z) - 1 - t.Y

	err := s.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=? LIMIT 1",
		t.Z, t.X, row).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if IsTimeout(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, s.path, err)
		}
		return nil, fmt.Errorf("failed to read tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	return &Tile{Data: data, Headers: map[string]string{"content-type": s.contentType}}, nil
}

// ReadMetadata reads name, format, bounds and zoom range. Missing entries
// keep their defaults: world bounds and zoom 0-22.
func (s *MBTilesSource) ReadMetadata(ctx context.Context) (*Metadata, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	defer rows.Close()

	meta := &Metadata{Format: "png", Bounds: World, Range: ZoomRange{Min: 0, Max: 22}}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		switch name {
		case "name":
			meta.Name = value
		case "format":
			meta.Format = value
		case "minzoom":
			if z, err := strconv.Atoi(value); err == nil {
				meta.Range.Min = z
			}
		case "maxzoom":
			if z, err := strconv.Atoi(value); err == nil {
				meta.Range.Max = z
			}
		case "bounds":
			if b, ok := parseBounds(value); ok {
				meta.Bounds = b
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	switch meta.Format {
	case "jpg", "jpeg":
		s.contentType = "image/jpeg"
	case "webp":
		s.contentType = "image/webp"
	default:
		s.contentType = "image/png"
	}
	return meta, nil
}

func parseBounds(s string) (orb.Bound, bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, false
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, false
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, true
}
