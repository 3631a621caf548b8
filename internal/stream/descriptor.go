// Package stream tracks the per-source health of a multi-stream receiver:
// whether each source is connected, when it last produced a frame, and the
// capture handle the watchdog closes to force a reconnect.
package stream

import (
	"io"
	"sync"
	"time"
)

// Snapshot is a point-in-time copy of a Descriptor.
type Snapshot struct {
	Index     int       `json:"index"`
	Locator   string    `json:"locator"`
	Connected bool      `json:"connected"`
	LastFrame time.Time `json:"lastFrame"`
	Resets    int64     `json:"resets"`
}

// Descriptor holds the shared state of one receive pipeline. The pipeline
// worker and the watchdog both touch it, so every field is guarded by mu.
//
// Each connection attempt and each forced reset starts a new epoch. A frame
// only marks the descriptor connected when it belongs to the current epoch,
// so a reader that outlived a reset cannot flip the flag back.
type Descriptor struct {
	Index   int
	Locator string

	mu        sync.Mutex
	connected bool
	lastFrame time.Time
	epoch     uint64
	handle    io.Closer
	resets    int64
}

// NewDescriptor returns a disconnected descriptor.
func NewDescriptor(index int, locator string) *Descriptor {
	return &Descriptor{Index: index, Locator: locator}
}

// BeginConnect clears the connected flag and starts a new epoch, which the
// caller passes to MarkFrame for frames read on the new connection.
func (d *Descriptor) BeginConnect() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.epoch++
	return d.epoch
}

// Attach records the open capture handle for epoch. It reports false, and
// leaves the handle unattached, when the epoch has already been superseded.
func (d *Descriptor) Attach(epoch uint64, h io.Closer) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if epoch != d.epoch {
		return false
	}
	d.handle = h
	return true
}

// MarkFrame records a successfully read frame at t. It reports false when
// epoch is stale.
func (d *Descriptor) MarkFrame(epoch uint64, t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if epoch != d.epoch {
		return false
	}
	d.lastFrame = t
	d.connected = true
	return true
}

// Detach clears the connected flag and forgets the handle if it still
// belongs to epoch.
func (d *Descriptor) Detach(epoch uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if epoch != d.epoch {
		return
	}
	d.connected = false
	d.handle = nil
}

// ForceReset marks the descriptor disconnected, starts a new epoch and
// closes the attached handle so a reader blocked on it returns.
func (d *Descriptor) ForceReset() {
	d.mu.Lock()
	h := d.handle
	d.handle = nil
	d.connected = false
	d.epoch++
	d.resets++
	d.mu.Unlock()

	if h != nil {
		h.Close()
	}
}

// Stale reports whether the descriptor is connected but has not produced a
// frame for longer than threshold.
func (d *Descriptor) Stale(now time.Time, threshold time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected && now.Sub(d.lastFrame) > threshold
}

// Connected reports the connected flag.
func (d *Descriptor) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Snapshot returns a copy of the descriptor state.
func (d *Descriptor) Snapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		Index:     d.Index,
		Locator:   d.Locator,
		Connected: d.connected,
		LastFrame: d.lastFrame,
		Resets:    d.resets,
	}
}
