// Package server implements the map HTTP API surface.
//
// Owns:
//   - HTTP routing, handlers, and request/response contracts
//   - Authentication of signed requests and identity classification
//   - Mapping of apierr kinds onto status codes and the error body
//
// Does not own:
//   - Signature construction and replay bookkeeping (package signing, replay)
//   - Lattice semantics and authorization decisions (package lattice, access)
//
// Invariants:
//   - Every handler behind authenticate sees an identity in its context
//   - JSON responses are written through writeJSON or writeError
//   - Mutating routes never run for an anonymous caller
package server
