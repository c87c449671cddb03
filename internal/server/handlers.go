package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/lattice"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
)

// SwapRequest is the body of PUT /sites/swap.
type SwapRequest struct {
	Site1 *SwapSide `json:"site1"`
	Site2 *SwapSide `json:"site2"`
}

// SwapSide names one site and the coordinate the caller last saw it at.
type SwapSide struct {
	ID            string      `json:"id"`
	ExpectedCoord *site.Coord `json:"expectedCoord"`
}

// DeleteResponse is the body returned by DELETE /sites/{id}.
type DeleteResponse struct {
	Rev string `json:"rev"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.lattice.Ping(r.Context()); err != nil {
		a.writeError(w, r, apierr.Wrap(apierr.Unavailable, "store unreachable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listSites(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.Filter{
		Owner: q.Get("owner"),
		Name:  q.Get("name"),
		Type:  site.Type(q.Get("type")),
	}
	sites, err := a.lattice.ListSites(r.Context(), IdentityFrom(r.Context()), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if sites == nil {
		sites = []site.Site{}
	}
	writeJSON(w, http.StatusOK, sites)
}

func (a *API) createSite(w http.ResponseWriter, r *http.Request) {
	var info site.RoomInfo
	if err := a.readJSON(w, r, &info); err != nil {
		a.writeError(w, r, err)
		return
	}
	s, err := a.lattice.ConnectRoom(r.Context(), IdentityFrom(r.Context()), &info)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", BasePath+"/sites/"+s.ID)
	writeJSON(w, http.StatusCreated, s)
}

func (a *API) getSite(w http.ResponseWriter, r *http.Request) {
	s, err := a.lattice.GetSite(r.Context(), IdentityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) getExits(w http.ResponseWriter, r *http.Request) {
	exits, err := a.lattice.Exits(r.Context(), IdentityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exits)
}

func (a *API) updateSite(w http.ResponseWriter, r *http.Request) {
	var info site.RoomInfo
	if err := a.readJSON(w, r, &info); err != nil {
		a.writeError(w, r, err)
		return
	}
	s, err := a.lattice.UpdateRoom(r.Context(), IdentityFrom(r.Context()), chi.URLParam(r, "id"), &info)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) deleteSite(w http.ResponseWriter, r *http.Request) {
	rev, err := a.lattice.DeleteSite(r.Context(), IdentityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Rev: rev})
}

func (a *API) swapSites(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if err := a.readJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	first, err := req.Site1.target("site1")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	second, err := req.Site2.target("site2")
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.lattice.Swap(r.Context(), IdentityFrom(r.Context()), first, second)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *SwapSide) target(field string) (lattice.SwapTarget, error) {
	if s == nil {
		return lattice.SwapTarget{}, apierr.Newf(apierr.BadRequest, "%s is required", field)
	}
	if err := requireField(field+".id", s.ID); err != nil {
		return lattice.SwapTarget{}, err
	}
	if s.ExpectedCoord == nil {
		return lattice.SwapTarget{}, apierr.Newf(apierr.BadRequest, "%s.expectedCoord is required", field)
	}
	return lattice.SwapTarget{ID: s.ID, ExpectedCoord: *s.ExpectedCoord}, nil
}
