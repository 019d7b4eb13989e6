package harness

import (
	"strings"
	"sync"
)

// Fixtures are the built-in objects a scenario can expose. Each call
// returns a fresh instance.
var Fixtures = map[string]func() any{
	"counter": func() any { return &Counter{} },
	"math": func() any {
		return map[string]any{
			"add": func(a, b int) int { return a + b },
			"mul": func(a, b int) int { return a * b },
		}
	},
	"strings": func() any {
		return map[string]any{
			"upper": strings.ToUpper,
			"repeat": func(s string, n int) string { return strings.Repeat(s, n) },
		}
	},
	"echo": func() any { return func(v any) any { return v } },
}

// Counter is a fixture with state.
type Counter struct {
	mu sync.Mutex
	n  int
}

// Inc adds by to the counter and returns the new value.
func (c *Counter) Inc(by int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += by
	return c.n
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Reset sets the counter to zero.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
