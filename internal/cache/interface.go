package cache

// Cache stores encoded tiles by key. Implementations are safe for concurrent use.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte)
	Has(key string) bool // Check if tile exists without reading it (lightweight check)
	// Len is the number of stored entries. FileCache walks its directory.
	Len() int
	Clear()
}
