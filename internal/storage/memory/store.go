// Package memory is an in-process Store used by tests and by the server
// when no database is configured. Contents are lost on exit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gameontext/gameon-map-sub000/internal/clock"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
)

type ownerName struct {
	owner string
	name  string
}

// Store keeps sites in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	sites   map[string]site.Site
	byCoord map[site.Coord]string
	byName  map[ownerName]string
}

// New returns an empty Store. A nil clock uses real time.
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:   c,
		sites:   map[string]site.Site{},
		byCoord: map[site.Coord]string{},
		byName:  map[ownerName]string{},
	}
}

func nameKey(s site.Site) (ownerName, bool) {
	if !s.Occupied() {
		return ownerName{}, false
	}
	return ownerName{owner: s.Owner, name: s.Name()}, true
}

func (s *Store) Get(ctx context.Context, id string) (site.Site, error) {
	if err := ctx.Err(); err != nil {
		return site.Site{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sites[id]
	if !ok {
		return site.Site{}, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) Create(ctx context.Context, in site.Site) (site.Site, error) {
	if err := ctx.Err(); err != nil {
		return site.Site{}, err
	}
	if err := storage.Validate(in); err != nil {
		return site.Site{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := in.Clone()
	rec.Exits = nil
	if rec.ID == "" {
		rec.ID = storage.NewID()
	}
	if cur, ok := s.sites[rec.ID]; ok {
		return site.Site{}, &storage.ConflictError{ID: rec.ID, Expected: "", Current: cur.Rev}
	}
	if _, ok := s.byCoord[rec.Coord]; ok {
		return site.Site{}, fmt.Errorf("%w: %d,%d", storage.ErrCoordinateTaken, rec.Coord.X, rec.Coord.Y)
	}
	if k, ok := nameKey(rec); ok {
		if _, taken := s.byName[k]; taken {
			return site.Site{}, storage.ErrNameTaken
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now().UTC()
	}
	rec.Rev = storage.NextRev("")
	s.put(rec)
	return rec.Clone(), nil
}

func (s *Store) Update(ctx context.Context, in site.Site) (site.Site, error) {
	out, err := s.UpdateAll(ctx, []site.Site{in})
	if err != nil {
		return site.Site{}, err
	}
	return out[0], nil
}

func (s *Store) UpdateAll(ctx context.Context, in []site.Site) ([]site.Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, rec := range in {
		if err := storage.Validate(rec); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := make(map[string]bool, len(in))
	for _, rec := range in {
		cur, ok := s.sites[rec.ID]
		if !ok {
			return nil, fmt.Errorf("update %s: %w", rec.ID, storage.ErrNotFound)
		}
		if cur.Rev != rec.Rev {
			return nil, &storage.ConflictError{ID: rec.ID, Expected: rec.Rev, Current: cur.Rev}
		}
		if touched[rec.ID] {
			return nil, fmt.Errorf("%w: site %s listed twice", storage.ErrInvalid, rec.ID)
		}
		touched[rec.ID] = true
	}

	// Check the uniqueness indexes as they will be once every write lands.
	coords := make(map[site.Coord]string, len(in))
	names := make(map[ownerName]string, len(in))
	for _, rec := range in {
		if other, ok := coords[rec.Coord]; ok && other != rec.ID {
			return nil, storage.ErrCoordinateTaken
		}
		if other, ok := s.byCoord[rec.Coord]; ok && !touched[other] {
			return nil, storage.ErrCoordinateTaken
		}
		coords[rec.Coord] = rec.ID
		if k, ok := nameKey(rec); ok {
			if _, dup := names[k]; dup {
				return nil, storage.ErrNameTaken
			}
			if other, ok := s.byName[k]; ok && !touched[other] {
				return nil, storage.ErrNameTaken
			}
			names[k] = rec.ID
		}
	}

	out := make([]site.Site, 0, len(in))
	for _, rec := range in {
		s.remove(rec.ID)
	}
	for _, rec := range in {
		next := rec.Clone()
		next.Exits = nil
		next.Rev = storage.NextRev(rec.Rev)
		if next.CreatedAt.IsZero() {
			next.CreatedAt = s.clock.Now().UTC()
		}
		s.put(next)
		out = append(out, next.Clone())
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id, rev string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sites[id]
	if !ok {
		return storage.ErrNotFound
	}
	if cur.Rev != rev {
		return &storage.ConflictError{ID: id, Expected: rev, Current: cur.Rev}
	}
	s.remove(id)
	return nil
}

func (s *Store) FindByCoord(ctx context.Context, c site.Coord) (site.Site, error) {
	if err := ctx.Err(); err != nil {
		return site.Site{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCoord[c]
	if !ok {
		return site.Site{}, storage.ErrNotFound
	}
	return s.sites[id].Clone(), nil
}

func (s *Store) FindInRange(ctx context.Context, min, max site.Coord) ([]site.Site, error) {
	return s.collect(ctx, func(rec site.Site) bool {
		return rec.Coord.X >= min.X && rec.Coord.X <= max.X && rec.Coord.Y >= min.Y && rec.Coord.Y <= max.Y
	})
}

func (s *Store) List(ctx context.Context, f storage.Filter) ([]site.Site, error) {
	return s.collect(ctx, f.Match)
}

func (s *Store) FindEmpty(ctx context.Context, limit int) ([]site.Site, error) {
	out, err := s.collect(ctx, func(rec site.Site) bool { return rec.Type.Claimable() })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := storage.DistanceFromOrigin(out[i].Coord), storage.DistanceFromOrigin(out[j].Coord)
		if di != dj {
			return di < dj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (map[site.Type]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[site.Type]int{}
	for _, rec := range s.sites {
		out[rec.Type]++
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) collect(ctx context.Context, keep func(site.Site) bool) ([]site.Site, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]site.Site, 0)
	for _, rec := range s.sites {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Coord.X != out[j].Coord.X {
			return out[i].Coord.X < out[j].Coord.X
		}
		return out[i].Coord.Y < out[j].Coord.Y
	})
	return out, nil
}

func (s *Store) put(rec site.Site) {
	s.sites[rec.ID] = rec
	s.byCoord[rec.Coord] = rec.ID
	if k, ok := nameKey(rec); ok {
		s.byName[k] = rec.ID
	}
}

func (s *Store) remove(id string) {
	rec, ok := s.sites[id]
	if !ok {
		return
	}
	delete(s.sites, id)
	if s.byCoord[rec.Coord] == id {
		delete(s.byCoord, rec.Coord)
	}
	if k, ok := nameKey(rec); ok && s.byName[k] == id {
		delete(s.byName, k)
	}
}

var _ storage.Store = (*Store)(nil)
