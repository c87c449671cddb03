package lattice

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gameontext/gameon-map-sub000/internal/access"
	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/events"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
)

var errNoFreeCell = errors.New("no claimable cell")

// ConnectRoom claims a free cell for a new room owned by who and returns
// it with all four exits populated.
func (a *Allocator) ConnectRoom(ctx context.Context, who access.Identity, info *site.RoomInfo) (out site.Site, err error) {
	ctx, span := a.start(ctx, "ConnectRoom", attribute.String("owner", who.ID))
	defer func() { endSpan(span, err) }()

	if who.ID == "" || who.Class == access.ClassNone {
		return site.Site{}, apierr.New(apierr.Forbidden, "an identity is required to register a room")
	}
	if !access.Authorize(who, who.ID, access.ConnectRoom).Allowed() {
		return site.Site{}, apierr.New(apierr.Forbidden, "identity may not register rooms").WithMoreInfo(who.ID)
	}
	info = info.Clone()
	if !info.Normalize() {
		return site.Site{}, apierr.New(apierr.BadRequest, "room info needs a name")
	}
	if err := a.checkNameFree(ctx, who.ID, info.Name, ""); err != nil {
		return site.Site{}, err
	}

	claimed, err := a.claim(ctx, who.ID, info)
	if err != nil {
		return site.Site{}, err
	}

	if err := a.recheckName(ctx, claimed, nil); err != nil {
		return site.Site{}, err
	}

	exits, err := a.ensureNeighbors(ctx, claimed)
	if err != nil {
		return site.Site{}, err
	}
	a.logger.Info("room connected", "site_id", claimed.ID, "owner", who.ID, "name", info.Name,
		"x", claimed.Coord.X, "y", claimed.Coord.Y)
	a.emit(events.SiteCreated, claimed)

	claimed.Exits = exits
	return claimed, nil
}

// claim writes info onto a free cell, retrying with a fresh cell when a
// concurrent writer wins the one it picked.
func (a *Allocator) claim(ctx context.Context, owner string, info *site.RoomInfo) (site.Site, error) {
	attempt := 0
	op := func() (site.Site, error) {
		attempt++
		// A lost claim may have been lost to the same name; look again.
		if attempt > 1 {
			if err := a.checkNameFree(ctx, owner, info.Name, ""); err != nil {
				return site.Site{}, backoff.Permanent(err)
			}
		}
		candidates, err := a.store.FindEmpty(ctx, a.candidates)
		if err != nil {
			return site.Site{}, backoff.Permanent(storeErr(err, "find free cells"))
		}
		if len(candidates) == 0 {
			if err := a.grow(ctx); err != nil {
				return site.Site{}, backoff.Permanent(err)
			}
			return site.Site{}, errNoFreeCell
		}

		cell := candidates[rand.IntN(len(candidates))]
		cell.Claim(owner, info, a.clock.Now())
		out, err := a.store.Update(ctx, cell)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
			a.logger.Debug("claim lost, retrying", "site_id", cell.ID, "error", err)
			return site.Site{}, err
		case errors.Is(err, storage.ErrNameTaken):
			return site.Site{}, backoff.Permanent(nameConflict(owner, info.Name, ""))
		default:
			return site.Site{}, backoff.Permanent(storeErr(err, "claim cell"))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.backoff
	b.MaxInterval = a.backoffMax
	claimed, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(a.attempts)),
	)
	if err == nil {
		return claimed, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	var ae *apierr.Error
	switch {
	case errors.As(err, &ae):
		return site.Site{}, ae
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return site.Site{}, apierr.Wrap(apierr.Unavailable, "claim timed out", err)
	default:
		a.logger.Warn("claim attempts exhausted", "owner", owner, "attempts", a.attempts, "error", err)
		return site.Site{}, apierr.Wrap(apierr.ResourceExhausted, "could not claim a free cell", err).WithMoreInfo(owner)
	}
}

// checkNameFree fails with Conflict when owner already has a room called
// name other than the site with id except.
func (a *Allocator) checkNameFree(ctx context.Context, owner, name, except string) error {
	rooms, err := a.store.List(ctx, storage.Filter{Owner: owner, Name: name, Type: site.TypeRoom})
	if err != nil {
		return storeErr(err, "check room name")
	}
	for _, r := range rooms {
		if r.ID != except {
			return nameConflict(owner, name, r.ID)
		}
	}
	return nil
}

// recheckName looks for a room that took the same (owner, name) as s
// concurrently. When s is not the earliest assignment it is reverted to
// previous (or released when previous is nil) and Conflict is returned.
func (a *Allocator) recheckName(ctx context.Context, s site.Site, previous *site.RoomInfo) error {
	rooms, err := a.store.List(ctx, storage.Filter{Owner: s.Owner, Name: s.Name(), Type: site.TypeRoom})
	if err != nil {
		return storeErr(err, "recheck room name")
	}
	if len(rooms) <= 1 {
		return nil
	}
	sort.Slice(rooms, func(i, j int) bool { return assignedBefore(rooms[i], rooms[j]) })
	winner := rooms[0]
	if winner.ID == s.ID {
		return nil
	}

	revert := s.Clone()
	if previous == nil {
		revert.Release()
	} else {
		revert.Info = previous.Clone()
	}
	if _, err := a.store.Update(ctx, revert); err != nil {
		a.logger.Error("revert lost name race", "site_id", s.ID, "error", err)
		return storeErr(err, "revert room")
	}
	return nameConflict(s.Owner, s.Name(), winner.ID)
}

func assignedBefore(x, y site.Site) bool {
	switch {
	case x.AssignedAt == nil:
		return false
	case y.AssignedAt == nil:
		return true
	case !x.AssignedAt.Equal(*y.AssignedAt):
		return x.AssignedAt.Before(*y.AssignedAt)
	}
	return x.ID < y.ID
}

func nameConflict(owner, name, existing string) error {
	e := apierr.Newf(apierr.Conflict, "%s already has a room named %q", owner, name)
	if existing != "" {
		return e.WithMoreInfo(existing)
	}
	return e
}

// ensureNeighbors creates an empty cell in every direction around s that
// has none, and returns the resulting exits.
func (a *Allocator) ensureNeighbors(ctx context.Context, s site.Site) (*site.Exits, error) {
	around, err := a.neighbors(ctx, s.Coord)
	if err != nil {
		return nil, err
	}
	exits := site.BuildExits(s.Coord, around)
	for _, d := range site.Directions {
		if exits.Get(d) != nil {
			continue
		}
		n, err := a.placeCell(ctx, s.Coord.Neighbor(d), site.TypeEmpty)
		if err != nil {
			return nil, err
		}
		exits.Set(d, site.ExitTo(d, n))
	}
	return exits, nil
}

// placeCell creates an unclaimed cell at c. When another writer got there
// first the existing cell is used instead.
func (a *Allocator) placeCell(ctx context.Context, c site.Coord, t site.Type) (site.Site, error) {
	created, err := a.store.Create(ctx, site.Site{Type: t, Coord: c})
	if errors.Is(err, storage.ErrCoordinateTaken) {
		existing, ferr := a.store.FindByCoord(ctx, c)
		if ferr != nil {
			return site.Site{}, storeErr(ferr, "load existing cell")
		}
		a.logger.Debug("cell already present", "site_id", existing.ID, "x", c.X, "y", c.Y)
		return existing, nil
	}
	if err != nil {
		return site.Site{}, storeErr(err, "create cell")
	}
	return a.dedupe(ctx, created)
}

// dedupe resolves two cells sharing a coordinate, which only a store
// without a coordinate index can produce. The earliest cell is kept and
// created is discarded if it is not that one.
func (a *Allocator) dedupe(ctx context.Context, created site.Site) (site.Site, error) {
	same, err := a.store.FindInRange(ctx, created.Coord, created.Coord)
	if err != nil {
		return site.Site{}, storeErr(err, "check coordinate")
	}
	if len(same) <= 1 {
		return created, nil
	}
	sort.Slice(same, func(i, j int) bool {
		if !same[i].CreatedAt.Equal(same[j].CreatedAt) {
			return same[i].CreatedAt.Before(same[j].CreatedAt)
		}
		return same[i].ID < same[j].ID
	})
	keep := same[0]
	if keep.ID != created.ID {
		if err := a.store.Delete(ctx, created.ID, created.Rev); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return site.Site{}, storeErr(err, "discard duplicate cell")
		}
	}
	return keep, nil
}

// grow restores at least one claimable cell: the origin on an empty
// lattice, otherwise the missing neighbors of existing rooms.
func (a *Allocator) grow(ctx context.Context) error {
	if _, err := a.store.FindByCoord(ctx, site.Coord{}); errors.Is(err, storage.ErrNotFound) {
		_, err := a.placeCell(ctx, site.Coord{}, site.TypeEmpty)
		return err
	} else if err != nil {
		return storeErr(err, "load origin")
	}
	rooms, err := a.store.List(ctx, storage.Filter{Type: site.TypeRoom})
	if err != nil {
		return storeErr(err, "list rooms")
	}
	for _, r := range rooms {
		if _, err := a.ensureNeighbors(ctx, r); err != nil {
			return err
		}
		free, err := a.store.FindEmpty(ctx, 1)
		if err != nil {
			return storeErr(err, "find free cells")
		}
		if len(free) > 0 {
			return nil
		}
	}
	return nil
}

func (a *Allocator) neighbors(ctx context.Context, c site.Coord) ([]site.Site, error) {
	around, err := a.store.FindInRange(ctx,
		site.Coord{X: c.X - 1, Y: c.Y - 1},
		site.Coord{X: c.X + 1, Y: c.Y + 1})
	if err != nil {
		return nil, storeErr(err, "load neighbors")
	}
	return around, nil
}
