package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameontext/gameon-map-sub000/internal/site"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (r *recorder) Publish(ctx context.Context, ev Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func TestAsyncEmitStripsConnectionDetails(t *testing.T) {
	rec := &recorder{}
	a := NewAsync(rec, time.Second, nil)

	s := site.Site{ID: "a", Type: site.TypeRoom, Owner: "alice", Info: &site.RoomInfo{
		Name:              "Hall",
		ConnectionDetails: &site.ConnectionDetails{Target: "wss://hall", Token: "t"},
	}}
	a.Emit(Event{Type: SiteCreated, SiteID: s.ID, Owner: s.Owner, Site: &s})
	a.Wait()

	require.Len(t, rec.events, 1)
	assert.Nil(t, rec.events[0].Site.Info.ConnectionDetails)
	assert.NotNil(t, s.Info.ConnectionDetails, "caller's site is untouched")
}

func TestAsyncEmitDoesNotBlock(t *testing.T) {
	rec := &recorder{block: make(chan struct{})}
	var logs bytes.Buffer
	a := NewAsync(rec, 20*time.Millisecond, slog.New(slog.NewTextHandler(&logs, nil)))

	done := make(chan struct{})
	go func() {
		a.Emit(Event{Type: SiteDeleted, SiteID: "x"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow publisher")
	}
	a.Wait()
	assert.Contains(t, logs.String(), "publish site event")
}

func TestAsyncLogsFailures(t *testing.T) {
	var logs bytes.Buffer
	a := NewAsync(&recorder{err: errors.New("bus down")}, time.Second, slog.New(slog.NewTextHandler(&logs, nil)))
	a.Emit(Event{Type: SiteUpdated, SiteID: "y"})
	a.Wait()
	assert.Contains(t, logs.String(), "bus down")
}

func TestLogPublisher(t *testing.T) {
	var logs bytes.Buffer
	p := LogPublisher{Logger: slog.New(slog.NewTextHandler(&logs, nil))}
	require.NoError(t, p.Publish(context.Background(), Event{Type: SitesSwapped, SiteID: "z"}))
	assert.Contains(t, logs.String(), "site_id=z")
}
