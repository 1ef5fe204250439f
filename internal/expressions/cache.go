package expressions

import "sync"

// programCache memoizes compiled programs by expression text. Entries are
// never evicted; a module set has a small, fixed number of expressions.
type programCache[P any] struct {
	mu sync.RWMutex
	m  map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{m: make(map[string]P)}
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	if p, ok := c.m[expression]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.m[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.m[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
