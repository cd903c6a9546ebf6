package responder

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync/atomic"
)

// CompiledPattern is a Pattern with its regex already built, plus the
// decoded action (skip, or send_key with its target key).
type CompiledPattern struct {
	Pattern
	Regexp  *regexp.Regexp
	SendKey string // non-empty when Action == ActionSendKey
}

func compile(p *Pattern) (*CompiledPattern, error) {
	re, err := regexp.Compile(p.Regex)
	if err != nil {
		return nil, fmt.Errorf("pattern %d (%s/%s) failed to compile: %w", p.ID, p.Tool, p.Regex, err)
	}
	cp := &CompiledPattern{Pattern: *p, Regexp: re}
	if strings.HasPrefix(p.Action, "send_key:") {
		cp.SendKey = strings.TrimPrefix(p.Action, "send_key:")
	}
	return cp, nil
}

// Cache holds the active pattern set grouped by tool, refreshed from the
// store on an interval and swapped atomically so the detection loop never
// blocks on a refresh in progress.
type Cache struct {
	store   *Store
	current atomic.Pointer[map[string][]*CompiledPattern]
}

// NewCache builds an (initially empty) cache backed by store.
func NewCache(store *Store) *Cache {
	c := &Cache{store: store}
	empty := make(map[string][]*CompiledPattern)
	c.current.Store(&empty)
	return c
}

// Refresh reloads every active pattern from the store, compiles it, and
// atomically swaps the cache contents. A pattern that fails to compile is
// logged and skipped rather than aborting the whole refresh.
func (c *Cache) Refresh() error {
	patterns, err := c.store.ActivePatterns()
	if err != nil {
		return fmt.Errorf("failed to refresh pattern cache: %w", err)
	}

	grouped := make(map[string][]*CompiledPattern)
	for _, p := range patterns {
		cp, err := compile(p)
		if err != nil {
			log.Printf("[RESPONDER] %v", err)
			continue
		}
		grouped[p.Tool] = append(grouped[p.Tool], cp)
	}
	c.current.Store(&grouped)
	return nil
}

// ForTool returns the compiled patterns currently cached for tool.
func (c *Cache) ForTool(tool string) []*CompiledPattern {
	m := *c.current.Load()
	return m[tool]
}
