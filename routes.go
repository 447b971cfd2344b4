package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// RouteTable maps dialed numbers to lines for PBX-originated calls and
// carries the PBX extension that line-originated calls ring.
type RouteTable struct {
	mu         sync.RWMutex
	prefixToID map[string]int
	inboundExt string
}

// NewRouteTable creates a table with no routes. inboundExt is the PBX
// extension INVITEd when a line rings.
func NewRouteTable(inboundExt string) *RouteTable {
	return &RouteTable{
		prefixToID: make(map[string]int),
		inboundExt: inboundExt,
	}
}

// LoadPlan replaces the routes from a dial plan string of the form
// "prefix=line,prefix=line". An empty prefix is the catch-all.
func (r *RouteTable) LoadPlan(plan string) error {
	routes := make(map[string]int)
	for _, entry := range strings.Split(plan, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		eq := strings.Index(entry, "=")
		if eq < 0 {
			return fmt.Errorf("dial plan entry %q: want prefix=line", entry)
		}
		line, err := strconv.Atoi(strings.TrimSpace(entry[eq+1:]))
		if err != nil {
			return fmt.Errorf("dial plan entry %q: bad line id", entry)
		}
		routes[strings.TrimSpace(entry[:eq])] = line
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixToID = routes
	return nil
}

// Add registers one prefix route.
func (r *RouteTable) Add(prefix string, line int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixToID[prefix] = line
}

// Resolve returns the line for a dialed number, longest matching prefix
// first. ok is false when no route matches.
func (r *RouteTable) Resolve(number string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := -1
	bestLen := -1
	for prefix, line := range r.prefixToID {
		if strings.HasPrefix(number, prefix) && len(prefix) > bestLen {
			best = line
			bestLen = len(prefix)
		}
	}
	if bestLen < 0 {
		return 0, false
	}
	return best, true
}

// InboundExtension returns the extension rung for line-originated calls.
func (r *RouteTable) InboundExtension() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.inboundExt
}
