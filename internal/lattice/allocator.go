package lattice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/clock"
	"github.com/gameontext/gameon-map-sub000/internal/events"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
	"github.com/gameontext/gameon-map-sub000/internal/telemetry"
)

const (
	DefaultClaimAttempts   = 10
	DefaultClaimBackoff    = 10 * time.Millisecond
	DefaultClaimBackoffMax = 500 * time.Millisecond
	// DefaultCandidates is how many free cells a claim chooses between.
	DefaultCandidates = 5
)

// Options configures an Allocator. Zero values take defaults.
type Options struct {
	ClaimAttempts   int
	ClaimBackoff    time.Duration
	ClaimBackoffMax time.Duration
	Candidates      int
	Clock           clock.Clock
	Logger          *slog.Logger
	Events          events.Emitter
}

// Allocator runs lattice operations against a Store.
type Allocator struct {
	store      storage.Store
	attempts   int
	backoff    time.Duration
	backoffMax time.Duration
	candidates int
	clock      clock.Clock
	logger     *slog.Logger
	events     events.Emitter
	tracer     trace.Tracer
}

// New returns an Allocator over store.
func New(store storage.Store, opts Options) *Allocator {
	a := &Allocator{
		store:      store,
		attempts:   opts.ClaimAttempts,
		backoff:    opts.ClaimBackoff,
		backoffMax: opts.ClaimBackoffMax,
		candidates: opts.Candidates,
		clock:      opts.Clock,
		logger:     opts.Logger,
		events:     opts.Events,
		tracer:     telemetry.Tracer("github.com/gameontext/gameon-map-sub000/internal/lattice"),
	}
	if a.attempts <= 0 {
		a.attempts = DefaultClaimAttempts
	}
	if a.backoff <= 0 {
		a.backoff = DefaultClaimBackoff
	}
	if a.backoffMax < a.backoff {
		a.backoffMax = max(DefaultClaimBackoffMax, a.backoff)
	}
	if a.candidates <= 0 {
		a.candidates = DefaultCandidates
	}
	if a.clock == nil {
		a.clock = clock.Real()
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	if a.events == nil {
		a.events = events.Discard{}
	}
	return a
}

// Bootstrap makes sure the lattice has at least one cell by creating an
// empty cell at the origin when the store holds no sites.
func (a *Allocator) Bootstrap(ctx context.Context) error {
	counts, err := a.store.Count(ctx)
	if err != nil {
		return storeErr(err, "count sites")
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if total > 0 {
		return nil
	}
	_, err = a.store.Create(ctx, site.Site{Type: site.TypeEmpty, Coord: site.Coord{}})
	if err != nil && !errors.Is(err, storage.ErrCoordinateTaken) {
		return storeErr(err, "create origin")
	}
	a.logger.Info("lattice bootstrapped", "x", 0, "y", 0)
	return nil
}

// Ping checks the store.
func (a *Allocator) Ping(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return storeErr(err, "ping store")
	}
	return nil
}

func (a *Allocator) emit(t events.Type, s site.Site) {
	a.events.Emit(events.Event{Type: t, SiteID: s.ID, Owner: s.Owner, Site: &s, Time: a.clock.Now().UTC()})
}

func (a *Allocator) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, "lattice."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apierr.KindOf(err).String())
	}
	span.End()
}

// storeErr classifies a store failure.
func storeErr(err error, op string) error {
	var ae *apierr.Error
	var ce *storage.ConflictError
	switch {
	case errors.As(err, &ae):
		return ae
	case errors.Is(err, storage.ErrNotFound):
		return apierr.Wrap(apierr.NotFound, "site not found", err)
	case errors.As(err, &ce):
		return apierr.Wrap(apierr.Conflict, "site was modified concurrently", err).WithMoreInfo(ce.ID)
	case errors.Is(err, storage.ErrNameTaken):
		return apierr.Wrap(apierr.Conflict, "room name already in use", err)
	case errors.Is(err, storage.ErrCoordinateTaken):
		return apierr.Wrap(apierr.Conflict, "coordinate already in use", err)
	case errors.Is(err, storage.ErrInvalid):
		return apierr.Wrap(apierr.BadRequest, op, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apierr.Wrap(apierr.Unavailable, op+" timed out", err)
	default:
		return apierr.Wrap(apierr.Unavailable, op+" failed", err)
	}
}
