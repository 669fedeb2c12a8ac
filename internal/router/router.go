package router

import (
	"sync/atomic"
)

// Router serves lookups against the active Table.
type Router struct {
	table atomic.Pointer[Table]
}

// New creates a router with an empty table of generation 0.
func New() *Router {
	r := &Router{}
	empty, _ := Compile(nil, nil, 0)
	r.table.Store(empty)
	return r
}

// Table returns the active table.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Swap installs t as the active table and returns the previous one.
// In-flight requests keep the table they resolved against.
func (r *Router) Swap(t *Table) *Table {
	return r.table.Swap(t)
}

// Resolve resolves against one consistent snapshot.
func (r *Router) Resolve(method, host, path string) (*Match, error) {
	return r.table.Load().Resolve(method, host, path)
}
