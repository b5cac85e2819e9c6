package pricecache

// BufferCap reports the capacity of instrument's backing slice.
func (c *Cache) BufferCap(instrument string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cap(c.samples[instrument])
}
