package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileCache implements file-based cache
// Structure: {cacheDir}/{hash[0:2]}/{hash}.tile where hash is sha256 of the key
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
}

func NewFileCache(cacheDir string) (*FileCache, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
	}, nil
}

// buildFilePath maps a key to a path. Keys are hashed because they carry
// layer names and formats that are not safe as file names.
func (c *FileCache) buildFilePath(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(c.cacheDir, name[:2], name+".tile")
}

func (c *FileCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.buildFilePath(key))
	return err == nil
}

func (c *FileCache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		return nil, false
	}

	return data, true
}

func (c *FileCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return
	}
}

// Len counts cached files. It walks the directory and is meant for diagnostics.
func (c *FileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	filepath.WalkDir(c.cacheDir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && filepath.Ext(path) == ".tile" {
			n++
		}
		return nil
	})
	return n
}

func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return
	}

	os.MkdirAll(c.cacheDir, 0755)
}
