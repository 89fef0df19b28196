package cache

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key string) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(key string, value []byte) {
}

func (c *NoopCache) Has(key string) bool {
	return false
}

func (c *NoopCache) Len() int {
	return 0
}

func (c *NoopCache) Clear() {
}
