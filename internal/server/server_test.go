package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameontext/gameon-map-sub000/internal/access"
	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/client"
	"github.com/gameontext/gameon-map-sub000/internal/lattice"
	"github.com/gameontext/gameon-map-sub000/internal/replay"
	"github.com/gameontext/gameon-map-sub000/internal/secrets"
	"github.com/gameontext/gameon-map-sub000/internal/signing"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage/memory"
)

const (
	systemID = "game-on.org"
	sweepID  = "roomSweeper"
)

var testSecrets = secrets.Static{
	systemID: "system-secret",
	sweepID:  "sweep-secret",
	"alice":  "alice-secret",
	"bob":    "bob-secret",
}

type testEnv struct {
	srv     *httptest.Server
	store   *memory.Store
	clients map[string]*client.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := memory.New(nil)
	alloc := lattice.New(st, lattice.Options{ClaimBackoff: time.Millisecond, ClaimBackoffMax: 5 * time.Millisecond})
	require.NoError(t, alloc.Bootstrap(context.Background()))

	cache := replay.New(replay.Options{})
	t.Cleanup(cache.Close)
	verifier := signing.NewVerifier(secrets.NewResolver(testSecrets, secrets.Options{}), cache, signing.VerifierOptions{})

	api := New(alloc, verifier, access.NewPolicy(systemID, sweepID), Options{})
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, clients: map[string]*client.Client{}}
}

// client returns one client per identity so each signer keeps its dates
// distinct across calls.
func (e *testEnv) client(id string) *client.Client {
	if c, ok := e.clients[id]; ok {
		return c
	}
	var signer *signing.Signer
	if id != "" {
		signer = &signing.Signer{UserID: id, Secret: testSecrets[id]}
	}
	c := client.New(e.srv.URL, signer, 5*time.Second)
	e.clients[id] = c
	return c
}

func roomInfo(name string) *site.RoomInfo {
	return &site.RoomInfo{
		Name:              name,
		FullName:          "The " + name,
		ConnectionDetails: &site.ConnectionDetails{Type: "websocket", Target: "wss://example.org/" + name, Token: "tok"},
		Doors:             &site.Doors{North: "oak door", South: "arch", East: "curtain", West: "hatch"},
	}
}

func decodeErrorBody(t *testing.T, resp *http.Response) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.client("").Health(context.Background()))
}

func TestConnectAndGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.client("alice").Connect(ctx, roomInfo("Hall"))
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Owner)
	assert.Equal(t, site.TypeRoom, created.Type)
	require.NotNil(t, created.Exits)
	assert.True(t, created.Exits.Complete())

	anon, err := env.client("").Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hall", anon.Info.Name)
	assert.Nil(t, anon.Info.ConnectionDetails)

	mine, err := env.client("alice").Get(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, mine.Info.ConnectionDetails)
	assert.Equal(t, "tok", mine.Info.ConnectionDetails.Token)

	swept, err := env.client(sweepID).Get(ctx, created.ID)
	require.NoError(t, err)
	assert.NotNil(t, swept.Info.ConnectionDetails)

	exits, err := env.client("bob").Exits(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, exits.Complete())

	_, err = env.client("alice").Get(ctx, "missing")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestCreateSetsLocation(t *testing.T) {
	env := newTestEnv(t)
	c := env.client("alice")
	body, err := json.Marshal(roomInfo("Hall"))
	require.NoError(t, err)

	req, err := c.NewRequest(context.Background(), http.MethodPost, "/sites", nil, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var s site.Site
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	assert.Equal(t, BasePath+"/sites/"+s.ID, resp.Header.Get("Location"))
}

func TestUnsignedMutationIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Post(env.srv.URL+BasePath+"/sites", "application/json", strings.NewReader(`{"name":"Hall"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := decodeErrorBody(t, resp)
	assert.Equal(t, http.StatusForbidden, body.Status)
	assert.Equal(t, "FORBIDDEN", body.Code)
	assert.NotEmpty(t, body.Message)
	assert.NotEmpty(t, body.RequestID)
}

func TestReplayedRequestIsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.client("alice")
	req, err := c.NewRequest(context.Background(), http.MethodGet, "/sites", nil, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	again, err := http.NewRequest(http.MethodGet, req.URL.String(), nil)
	require.NoError(t, err)
	again.Header = req.Header.Clone()
	resp, err = http.DefaultClient.Do(again)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "REPLAY_DETECTED", decodeErrorBody(t, resp).Code)
}

func TestTamperedBodyIsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := env.client("alice")
	req, err := c.NewRequest(context.Background(), http.MethodPost, "/sites", nil, []byte(`{"name":"Hall"}`))
	require.NoError(t, err)

	forged, err := http.NewRequest(http.MethodPost, req.URL.String(), bytes.NewReader([]byte(`{"name":"Mine"}`)))
	require.NoError(t, err)
	forged.Header = req.Header.Clone()
	resp, err := http.DefaultClient.Do(forged)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	count, err := env.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count[site.TypeRoom])
}

func TestWrongSecretIsRejected(t *testing.T) {
	env := newTestEnv(t)
	c := client.New(env.srv.URL, &signing.Signer{UserID: "alice", Secret: "guess"}, 5*time.Second)
	_, err := c.Connect(context.Background(), roomInfo("Hall"))
	assert.ErrorIs(t, err, apierr.ErrForbidden)
}

func TestUpdateAndDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, bob := env.client("alice"), env.client("bob")

	hall, err := alice.Connect(ctx, roomInfo("Hall"))
	require.NoError(t, err)

	_, err = bob.Update(ctx, hall.ID, roomInfo("Stolen"))
	require.ErrorIs(t, err, apierr.ErrForbidden)
	assert.Equal(t, "bob", apierr.As(err).MoreInfo)

	updated, err := alice.Update(ctx, hall.ID, roomInfo("Great Hall"))
	require.NoError(t, err)
	assert.Equal(t, "Great Hall", updated.Info.Name)

	_, err = alice.Connect(ctx, roomInfo("Great Hall"))
	assert.ErrorIs(t, err, apierr.ErrConflict)

	_, err = bob.Delete(ctx, hall.ID)
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	rev, err := alice.Delete(ctx, hall.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Rev, rev)

	_, err = alice.Get(ctx, hall.ID)
	assert.ErrorIs(t, err, apierr.ErrNotFound)
	freed, err := env.store.FindByCoord(ctx, hall.Coord)
	require.NoError(t, err)
	assert.Equal(t, site.TypePlaceholder, freed.Type)
}

func TestListSites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		_, err := env.client(id).Connect(ctx, roomInfo("Hall"))
		require.NoError(t, err)
	}

	all, err := env.client("").ListSites(ctx, client.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := env.client("alice").ListSites(ctx, client.ListFilter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "alice", mine[0].Owner)

	none, err := env.client("").ListSites(ctx, client.ListFilter{Owner: "carol"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = env.client("").ListSites(ctx, client.ListFilter{Type: "castle"})
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
}

func TestSwap(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	hall, err := env.client("alice").Connect(ctx, roomInfo("Hall"))
	require.NoError(t, err)
	den, err := env.client("bob").Connect(ctx, roomInfo("Den"))
	require.NoError(t, err)

	h := lattice.SwapTarget{ID: hall.ID, ExpectedCoord: hall.Coord}
	d := lattice.SwapTarget{ID: den.ID, ExpectedCoord: den.Coord}

	_, err = env.client("alice").Swap(ctx, h, d)
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	out, err := env.client(sweepID).Swap(ctx, h, d)
	require.NoError(t, err)
	assert.Equal(t, den.Coord, out[0].Coord)
	assert.Equal(t, hall.Coord, out[1].Coord)

	_, err = env.client(systemID).Swap(ctx, h, d)
	require.ErrorIs(t, err, apierr.ErrConflict, "expected coordinates are now stale")

	_, err = env.client(systemID).Swap(ctx, h, h)
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
}

func TestSwapRequiresCoordinates(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(systemID)
	req, err := c.NewRequest(context.Background(), http.MethodPut, "/sites/swap", nil,
		[]byte(`{"site1":{"id":"a","expectedCoord":{"x":0,"y":0}},"site2":{"id":"b"}}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeErrorBody(t, resp).Message, "site2.expectedCoord")
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/nowhere")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decodeErrorBody(t, resp).Code)
}

type stubVerifier struct{ id string }

func (s stubVerifier) VerifyRequest(*http.Request) (string, error) { return s.id, nil }

type failingLattice struct {
	Lattice
	err error
}

func (f failingLattice) GetSite(context.Context, access.Identity, string) (site.Site, error) {
	return site.Site{}, f.err
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"exhausted", apierr.New(apierr.ResourceExhausted, "no free cell"), http.StatusServiceUnavailable, "RESOURCE_EXHAUSTED"},
		{"unavailable", apierr.New(apierr.Unavailable, "store down"), http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"conflict", apierr.New(apierr.Conflict, "taken").WithMoreInfo("id-1"), http.StatusConflict, "CONFLICT"},
		{"unclassified", errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := New(failingLattice{err: tt.err}, stubVerifier{id: "alice"}, access.NewPolicy(systemID, sweepID), Options{})
			rec := httptest.NewRecorder()
			api.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, BasePath+"/sites/x", nil))

			assert.Equal(t, tt.status, rec.Code)
			var body ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotContains(t, body.Message, "disk on fire")
		})
	}
}

func TestIdentityFromDefaultsToAnonymous(t *testing.T) {
	assert.Equal(t, access.Anonymous, IdentityFrom(context.Background()))
	who := access.Identity{ID: "alice", Class: access.ClassUser}
	assert.Equal(t, who, IdentityFrom(WithIdentity(context.Background(), who)))
}
