// Package storage defines the document store the allocator runs against.
//
// Owns:
//   - the Store contract and its sentinel errors
//   - revision token generation shared by implementations
//
// Does not own:
//   - allocation policy (internal/lattice)
//
// Invariants:
//   - every write is conditioned on the caller's revision and returns the
//     new revision
//   - at most one site per coordinate (ErrCoordinateTaken)
//   - at most one room per (owner, name) (ErrNameTaken)
//   - UpdateAll writes every site or none
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/gameontext/gameon-map-sub000/internal/site"
)

var (
	// ErrNotFound is returned when no site has the requested id or coordinate.
	ErrNotFound = errors.New("site not found")
	// ErrConflict is returned when a write carries a stale revision.
	ErrConflict = errors.New("revision conflict")
	// ErrCoordinateTaken is returned when a write would place two sites on
	// one coordinate.
	ErrCoordinateTaken = errors.New("coordinate already taken")
	// ErrNameTaken is returned when a write would give one owner two rooms
	// with the same name.
	ErrNameTaken = errors.New("room name already taken")
	// ErrInvalid is returned for sites that cannot be stored as given.
	ErrInvalid = errors.New("invalid site")
)

// ConflictError carries the revisions behind an ErrConflict.
type ConflictError struct {
	ID       string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("site %s: expected revision %q, found %q", e.ID, e.Expected, e.Current)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Owner string
	Name  string
	Type  site.Type
}

// Match reports whether s passes the filter.
func (f Filter) Match(s site.Site) bool {
	if f.Owner != "" && s.Owner != f.Owner {
		return false
	}
	if f.Name != "" && s.Name() != f.Name {
		return false
	}
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	return true
}

// Store persists sites. Implementations are safe for concurrent use.
type Store interface {
	// Get returns the site with id or ErrNotFound.
	Get(ctx context.Context, id string) (site.Site, error)
	// Create inserts s, assigning ID (when empty), Rev and CreatedAt
	// (when zero).
	Create(ctx context.Context, s site.Site) (site.Site, error)
	// Update replaces the site with s.ID if its revision equals s.Rev.
	Update(ctx context.Context, s site.Site) (site.Site, error)
	// Delete removes the site with id if its revision equals rev.
	Delete(ctx context.Context, id, rev string) error
	// UpdateAll applies Update to every site atomically.
	UpdateAll(ctx context.Context, sites []site.Site) ([]site.Site, error)
	// FindByCoord returns the site at c or ErrNotFound.
	FindByCoord(ctx context.Context, c site.Coord) (site.Site, error)
	// FindInRange returns every site with min <= coord <= max on both axes.
	FindInRange(ctx context.Context, min, max site.Coord) ([]site.Site, error)
	// List returns sites matching f ordered by coordinate.
	List(ctx context.Context, f Filter) ([]site.Site, error)
	// FindEmpty returns up to limit claimable sites, nearest the origin
	// first.
	FindEmpty(ctx context.Context, limit int) ([]site.Site, error)
	// Count returns the number of sites per type.
	Count(ctx context.Context) (map[site.Type]int, error)
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}

// Validate checks the fields every implementation relies on.
func Validate(s site.Site) error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, s.Type)
	}
	if s.Occupied() && (s.Owner == "" || s.Name() == "") {
		return fmt.Errorf("%w: room needs an owner and a name", ErrInvalid)
	}
	return nil
}

// NewID returns a fresh site id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NextRev returns the revision that follows prev. Revisions look like
// "<generation>-<random>"; an empty prev starts at generation 1.
func NextRev(prev string) string {
	gen := 0
	if i := strings.IndexByte(prev, '-'); i > 0 {
		gen, _ = strconv.Atoi(prev[:i])
	}
	return strconv.Itoa(gen+1) + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DistanceFromOrigin orders claimable cells for FindEmpty.
func DistanceFromOrigin(c site.Coord) int {
	return c.X*c.X + c.Y*c.Y
}
