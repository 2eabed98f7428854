package aggregator

import "sync"

// Correlator holds the identifier of the currently active run and gates every
// incoming event against it. Runs can be triggered in rapid succession; late
// events from a superseded run would corrupt the snapshot a consumer is
// watching, so every fold step checks Accepts first. This is the central
// correctness mechanism of the aggregation layer.
type Correlator struct {
	mu          sync.Mutex
	activeRunID string
}

// Adopt unconditionally replaces the active run identifier. Callers reset all
// dependent per-run state before applying further events.
func (c *Correlator) Adopt(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRunID = runID
}

// Accepts reports whether an event carrying runID belongs to the active run.
// It is false whenever no run is active.
func (c *Correlator) Accepts(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRunID != "" && c.activeRunID == runID
}

// ActiveRunID returns the current identifier, or empty when no run is active.
func (c *Correlator) ActiveRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeRunID
}

// Clear drops the active identifier so stray events from a previous run are
// rejected after an explicit reset.
func (c *Correlator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeRunID = ""
}
