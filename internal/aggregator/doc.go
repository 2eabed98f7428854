// Package aggregator reconstructs consistent progress snapshots from the
// engine's event stream. It holds the run correlator that gates every fold
// step against the active run identifier, the performance and scenario
// aggregators, the bounded recent-request ring, and the elapsed-time ticker
// that advances displayed time between sparse events.
package aggregator
