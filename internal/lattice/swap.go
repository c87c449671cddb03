package lattice

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gameontext/gameon-map-sub000/internal/access"
	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/events"
	"github.com/gameontext/gameon-map-sub000/internal/site"
)

// SwapTarget names one side of a swap and where the caller believes it is.
type SwapTarget struct {
	ID            string     `json:"id"`
	ExpectedCoord site.Coord `json:"expectedCoord"`
}

// Swap exchanges the coordinates of two sites in one atomic write. Either
// site having moved from its expected coordinate fails with Conflict and
// changes nothing.
func (a *Allocator) Swap(ctx context.Context, who access.Identity, first, second SwapTarget) (out [2]site.Site, err error) {
	ctx, span := a.start(ctx, "Swap",
		attribute.String("site1", first.ID), attribute.String("site2", second.ID))
	defer func() { endSpan(span, err) }()

	if first.ID == "" || second.ID == "" {
		return out, apierr.New(apierr.BadRequest, "both site ids are required")
	}
	if first.ID == second.ID {
		return out, apierr.New(apierr.BadRequest, "cannot swap a site with itself").WithMoreInfo(first.ID)
	}
	if !access.Authorize(who, "", access.SwapSites).Allowed() {
		return out, apierr.New(apierr.Forbidden, "identity may not swap sites").WithMoreInfo(who.ID)
	}

	var sites [2]site.Site
	for i, t := range [2]SwapTarget{first, second} {
		s, err := a.store.Get(ctx, t.ID)
		if err != nil {
			if isNotFound(err) {
				return out, apierr.New(apierr.NotFound, "site not found").WithMoreInfo(t.ID)
			}
			return out, storeErr(err, "load site")
		}
		if s.Coord != t.ExpectedCoord {
			return out, apierr.New(apierr.Conflict, "site has moved").WithMoreInfo(t.ID)
		}
		sites[i] = s
	}

	sites[0].Coord, sites[1].Coord = sites[1].Coord, sites[0].Coord
	written, err := a.store.UpdateAll(ctx, sites[:])
	if err != nil {
		return out, storeErr(err, "swap sites")
	}

	for i := range written {
		s := written[i]
		if s.Exits, err = a.exitsFor(ctx, s.Coord); err != nil {
			return out, err
		}
		redact(who, &s)
		out[i] = s
	}
	a.logger.Info("sites swapped", "site1", first.ID, "site2", second.ID, "by", who.ID)
	a.emit(events.SitesSwapped, written[0])
	a.emit(events.SitesSwapped, written[1])
	return out, nil
}
