// Package lattice places rooms on the two-dimensional site lattice.
//
// Owns:
//   - claiming a free cell for a new room under optimistic concurrency
//   - keeping every room surrounded by cells in all four directions
//   - room updates, deletions and two-site coordinate swaps
//
// Does not own:
//   - request authentication (internal/signing)
//   - persistence (internal/storage)
//
// Invariants:
//   - every mutating operation is gated by access.Authorize
//   - at most one room per (owner, name); losers of a race see Conflict
//   - claims are retried a bounded number of times, then ResourceExhausted
//   - exits are computed on read and never stored
package lattice
