package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gameontext/gameon-map-sub000/internal/access"
	"github.com/gameontext/gameon-map-sub000/internal/lattice"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
)

// BasePath prefixes every route.
const BasePath = "/map/v1"

// DefaultRequestTimeout bounds a request when Options leaves it unset.
const DefaultRequestTimeout = 10 * time.Second

// Lattice is the allocator surface the handlers drive.
type Lattice interface {
	Ping(ctx context.Context) error
	ConnectRoom(ctx context.Context, who access.Identity, info *site.RoomInfo) (site.Site, error)
	GetSite(ctx context.Context, who access.Identity, id string) (site.Site, error)
	ListSites(ctx context.Context, who access.Identity, f storage.Filter) ([]site.Site, error)
	Exits(ctx context.Context, who access.Identity, id string) (*site.Exits, error)
	UpdateRoom(ctx context.Context, who access.Identity, id string, info *site.RoomInfo) (site.Site, error)
	DeleteSite(ctx context.Context, who access.Identity, id string) (string, error)
	Swap(ctx context.Context, who access.Identity, first, second lattice.SwapTarget) ([2]site.Site, error)
}

// RequestVerifier authenticates a request and returns the caller id, or ""
// for an anonymous read.
type RequestVerifier interface {
	VerifyRequest(req *http.Request) (string, error)
}

// Options configures an API. Zero values take defaults.
type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	Logger         *slog.Logger
}

// API serves the map routes.
type API struct {
	lattice  Lattice
	verifier RequestVerifier
	policy   *access.Policy
	timeout  time.Duration
	maxBody  int64
	logger   *slog.Logger
}

// New returns an API backed by l, authenticating through v and classifying
// callers with policy.
func New(l Lattice, v RequestVerifier, policy *access.Policy, opts Options) *API {
	a := &API{
		lattice:  l,
		verifier: v,
		policy:   policy,
		timeout:  opts.RequestTimeout,
		maxBody:  opts.MaxBodyBytes,
		logger:   opts.Logger,
	}
	if a.timeout <= 0 {
		a.timeout = DefaultRequestTimeout
	}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	return a
}

// Routes builds the HTTP handler.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.trace)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(a.withTimeout)

	r.Route(BasePath, func(api chi.Router) {
		api.Get("/health", a.health)

		api.Group(func(signed chi.Router) {
			signed.Use(a.authenticate)
			signed.Get("/sites", a.listSites)
			signed.Post("/sites", a.createSite)
			signed.Put("/sites/swap", a.swapSites)
			signed.Get("/sites/{id}", a.getSite)
			signed.Get("/sites/{id}/exits", a.getExits)
			signed.Put("/sites/{id}", a.updateSite)
			signed.Delete("/sites/{id}", a.deleteSite)
		})
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, errMethodNotAllowed)
	})
	return r
}
