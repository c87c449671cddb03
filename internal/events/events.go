// Package events publishes site lifecycle notifications. Publishing is fire
// and forget: callers never wait for delivery and failures are only logged.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gameontext/gameon-map-sub000/internal/site"
)

// Type names a site lifecycle change.
type Type string

const (
	SiteCreated  Type = "create"
	SiteUpdated  Type = "update"
	SiteDeleted  Type = "delete"
	SitesSwapped Type = "swap"
)

// Event is one notification.
type Event struct {
	Type   Type       `json:"type"`
	SiteID string     `json:"siteId"`
	Owner  string     `json:"owner,omitempty"`
	Site   *site.Site `json:"site,omitempty"`
	Time   time.Time  `json:"time"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emitter is the non-blocking side of a Publisher.
type Emitter interface {
	Emit(ev Event)
}

// LogPublisher writes events to a logger. Used when no bus is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	p.Logger.Info("site event", "type", ev.Type, "site_id", ev.SiteID, "owner", ev.Owner)
	return nil
}

// Async hands events to a Publisher on background goroutines, each with
// its own timeout. Emit never blocks and never retries.
type Async struct {
	next    Publisher
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps next. A non-positive timeout defaults to five seconds.
func NewAsync(next Publisher, timeout time.Duration, logger *slog.Logger) *Async {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Async{next: next, timeout: timeout, logger: logger}
}

// Emit publishes ev in the background.
func (a *Async) Emit(ev Event) {
	if ev.Site != nil {
		c := ev.Site.Clone()
		c.StripConnectionDetails()
		ev.Site = &c
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Publish(ctx, ev); err != nil {
			a.logger.Warn("publish site event", "type", ev.Type, "site_id", ev.SiteID, "error", err)
		}
	}()
}

// Wait blocks until every emitted event has been handed off or failed.
func (a *Async) Wait() {
	a.wg.Wait()
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}
