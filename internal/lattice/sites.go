package lattice

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gameontext/gameon-map-sub000/internal/access"
	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/events"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
)

// GetSite returns the site with id and its exits. Connection details are
// removed unless who may view them.
func (a *Allocator) GetSite(ctx context.Context, who access.Identity, id string) (out site.Site, err error) {
	ctx, span := a.start(ctx, "GetSite", attribute.String("site_id", id))
	defer func() { endSpan(span, err) }()

	s, err := a.store.Get(ctx, id)
	if err != nil {
		return site.Site{}, storeErr(err, "load site")
	}
	if s.Exits, err = a.exitsFor(ctx, s.Coord); err != nil {
		return site.Site{}, err
	}
	redact(who, &s)
	return s, nil
}

// ListSites returns sites matching f, rooms only unless f names a type.
// Exits are not included.
func (a *Allocator) ListSites(ctx context.Context, who access.Identity, f storage.Filter) (out []site.Site, err error) {
	ctx, span := a.start(ctx, "ListSites")
	defer func() { endSpan(span, err) }()

	if f.Type == "" {
		f.Type = site.TypeRoom
	} else if !f.Type.Valid() {
		return nil, apierr.Newf(apierr.BadRequest, "unknown site type %q", f.Type)
	}
	sites, err := a.store.List(ctx, f)
	if err != nil {
		return nil, storeErr(err, "list sites")
	}
	for i := range sites {
		redact(who, &sites[i])
	}
	return sites, nil
}

// Exits returns only the computed exits of the site with id.
func (a *Allocator) Exits(ctx context.Context, who access.Identity, id string) (out *site.Exits, err error) {
	ctx, span := a.start(ctx, "Exits", attribute.String("site_id", id))
	defer func() { endSpan(span, err) }()

	s, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, storeErr(err, "load site")
	}
	if s.Exits, err = a.exitsFor(ctx, s.Coord); err != nil {
		return nil, err
	}
	redact(who, &s)
	return s.Exits, nil
}

// UpdateRoom replaces the room info of the site with id.
func (a *Allocator) UpdateRoom(ctx context.Context, who access.Identity, id string, info *site.RoomInfo) (out site.Site, err error) {
	ctx, span := a.start(ctx, "UpdateRoom", attribute.String("site_id", id))
	defer func() { endSpan(span, err) }()

	info = info.Clone()
	if !info.Normalize() {
		return site.Site{}, apierr.New(apierr.BadRequest, "room info needs a name")
	}
	s, err := a.store.Get(ctx, id)
	if err != nil {
		return site.Site{}, storeErr(err, "load site")
	}
	if !access.Authorize(who, s.Owner, access.UpdateRoom).Allowed() {
		return site.Site{}, apierr.New(apierr.Forbidden, "not the owner of this room").WithMoreInfo(who.ID)
	}
	if !s.Occupied() {
		return site.Site{}, apierr.New(apierr.BadRequest, "site holds no room").WithMoreInfo(id)
	}

	previous := s.Info.Clone()
	renamed := previous.Name != info.Name
	if renamed {
		if err := a.checkNameFree(ctx, s.Owner, info.Name, s.ID); err != nil {
			return site.Site{}, err
		}
	}

	s.Info = info
	s.Exits = nil
	updated, err := a.store.Update(ctx, s)
	if err != nil {
		return site.Site{}, storeErr(err, "update room")
	}
	if renamed {
		if err := a.recheckName(ctx, updated, previous); err != nil {
			return site.Site{}, err
		}
	}

	if updated.Exits, err = a.exitsFor(ctx, updated.Coord); err != nil {
		return site.Site{}, err
	}
	a.logger.Info("room updated", "site_id", id, "owner", updated.Owner, "name", info.Name)
	a.emit(events.SiteUpdated, updated)
	return updated, nil
}

// DeleteSite removes the room with id, leaves a placeholder at its
// coordinate and returns the deleted revision.
func (a *Allocator) DeleteSite(ctx context.Context, who access.Identity, id string) (rev string, err error) {
	ctx, span := a.start(ctx, "DeleteSite", attribute.String("site_id", id))
	defer func() { endSpan(span, err) }()

	s, err := a.store.Get(ctx, id)
	if err != nil {
		return "", storeErr(err, "load site")
	}
	if !access.Authorize(who, s.Owner, access.DeleteSite).Allowed() {
		return "", apierr.New(apierr.Forbidden, "not the owner of this room").WithMoreInfo(who.ID)
	}
	if err := a.store.Delete(ctx, s.ID, s.Rev); err != nil {
		return "", storeErr(err, "delete site")
	}
	if _, err := a.placeCell(ctx, s.Coord, site.TypePlaceholder); err != nil {
		return "", err
	}
	a.logger.Info("site deleted", "site_id", id, "owner", s.Owner, "x", s.Coord.X, "y", s.Coord.Y)
	a.emit(events.SiteDeleted, s)
	return s.Rev, nil
}

func (a *Allocator) exitsFor(ctx context.Context, c site.Coord) (*site.Exits, error) {
	around, err := a.neighbors(ctx, c)
	if err != nil {
		return nil, err
	}
	return site.BuildExits(c, around), nil
}

func redact(who access.Identity, s *site.Site) {
	if !access.Authorize(who, s.Owner, access.ViewConnectionDetails).Allowed() {
		s.StripConnectionDetails()
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || apierr.KindOf(err) == apierr.NotFound
}
