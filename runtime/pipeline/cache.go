package pipeline

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// finalizeCache is the bounded LRU of finalized request ids. It is the dedup
// window: a request id is recorded on its first finalize and suppresses every
// later finalize until evicted by capacity.
type finalizeCache struct {
	ids *lru.Cache[string, struct{}]
}

func newFinalizeCache(size int) (*finalizeCache, error) {
	ids, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &finalizeCache{ids: ids}, nil
}

// first records id and reports whether this was its first finalize within
// the window. The contains-or-add is a single locked operation so concurrent
// finalizes of the same id cannot both win.
func (c *finalizeCache) first(id string) bool {
	seen, _ := c.ids.ContainsOrAdd(id, struct{}{})
	return !seen
}

// len reports the current number of tracked ids.
func (c *finalizeCache) len() int {
	return c.ids.Len()
}
