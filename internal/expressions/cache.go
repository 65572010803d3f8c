package expressions

import (
	"sync"

	"github.com/rendis/steprun/pkg/schema"
)

// programCache memoises compiled programs by source text. Node configs are
// re-checked on every open, so the same expression compiles many times.
type programCache[P any] struct {
	mu      sync.RWMutex
	entries map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{entries: make(map[string]P)}
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// get returns the cached program for src, compiling it on a miss. Failed
// compilations are not cached.
func (c *programCache[P]) get(lang, src string, compile func(string) (P, error)) (P, error) {
	var zero P
	if src == "" {
		return zero, schema.NewErrorf(schema.ErrCodeExpression, "empty %s expression", lang)
	}

	c.mu.RLock()
	p, ok := c.entries[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.entries[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		return zero, err
	}
	c.entries[src] = p
	return p, nil
}

// exprError wraps a compile or evaluation failure as an EXPRESSION_ERROR
// carrying the offending source.
func exprError(lang, phase, src string, cause error) *schema.StepError {
	return schema.NewErrorf(schema.ErrCodeExpression, "%s %s failed for %q: %s", lang, phase, src, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"expression": src, "language": lang})
}
