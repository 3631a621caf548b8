package stream

import (
	"log/slog"
)

// Table owns the fixed set of descriptors for a receiver. Descriptors are
// created once and live as long as the process.
type Table struct {
	log   *slog.Logger
	descs []*Descriptor
}

// NewTable creates one descriptor per locator, indexed by position. If log
// is nil, slog.Default() is used.
func NewTable(locators []string, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	t := &Table{
		log:   log.With("component", "stream-table"),
		descs: make([]*Descriptor, len(locators)),
	}
	for i, loc := range locators {
		t.descs[i] = NewDescriptor(i, loc)
		t.log.Debug("stream registered", "index", i, "locator", loc)
	}
	return t
}

// Len returns the number of descriptors.
func (t *Table) Len() int {
	return len(t.descs)
}

// Get returns the descriptor at index, or false if out of range.
func (t *Table) Get(index int) (*Descriptor, bool) {
	if index < 0 || index >= len(t.descs) {
		return nil, false
	}
	return t.descs[index], true
}

// All returns every descriptor in index order.
func (t *Table) All() []*Descriptor {
	out := make([]*Descriptor, len(t.descs))
	copy(out, t.descs)
	return out
}

// List returns snapshots of every descriptor in index order.
func (t *Table) List() []Snapshot {
	out := make([]Snapshot, len(t.descs))
	for i, d := range t.descs {
		out[i] = d.Snapshot()
	}
	return out
}
