package lattice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameontext/gameon-map-sub000/internal/access"
	"github.com/gameontext/gameon-map-sub000/internal/apierr"
	"github.com/gameontext/gameon-map-sub000/internal/events"
	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
	"github.com/gameontext/gameon-map-sub000/internal/storage/memory"
)

func TestGetSiteRedactsConnectionDetails(t *testing.T) {
	a := newTestAllocator(t, memory.New(nil), Options{})
	ctx := context.Background()
	hall, err := a.ConnectRoom(ctx, alice, roomInfo("Hall"))
	require.NoError(t, err)
	require.NotNil(t, hall.Info.ConnectionDetails, "owner sees details on create")

	tests := []struct {
		name    string
		who     access.Identity
		visible bool
	}{
		{"owner", alice, true},
		{"system", system, true},
		{"sweep", sweep, true},
		{"other user", bob, false},
		{"anonymous", access.Anonymous, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.GetSite(ctx, tt.who, hall.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.visible, got.Info.ConnectionDetails != nil)
			assert.True(t, got.Exits.Complete())
		})
	}

	_, err = a.GetSite(ctx, alice, "missing")
	assert.ErrorIs(t, err, apierr.ErrNotFound)
}

func TestExitsShowNeighborDoorsFacingBack(t *testing.T) {
	st := memory.New(nil)
	a := newTestAllocator(t, st, Options{})
	ctx := context.Background()

	hall, err := a.ConnectRoom(ctx, alice, roomInfo("Hall"))
	require.NoError(t, err)
	den, err := a.ConnectRoom(ctx, bob, roomInfo("Den"))
	require.NoError(t, err)

	// Den sits on one of the hall's four sides.
	var dir site.Direction
	for _, d := range site.Directions {
		if hall.Coord.Neighbor(d) == den.Coord {
			dir = d
		}
	}
	require.NotEmpty(t, dir)

	exits, err := a.Exits(ctx, alice, hall.ID)
	require.NoError(t, err)
	toDen := exits.Get(dir)
	require.NotNil(t, toDen)
	assert.Equal(t, den.ID, toDen.ID)
	assert.Equal(t, "Den", toDen.Name)
	assert.Equal(t, den.Info.Doors.Door(dir.Opposite()), toDen.Door)
	require.NotNil(t, toDen.ConnectionDetails)
	assert.Empty(t, toDen.ConnectionDetails.Token)

	anon, err := a.Exits(ctx, access.Anonymous, hall.ID)
	require.NoError(t, err)
	assert.Nil(t, anon.Get(dir).ConnectionDetails)
}

func TestListSites(t *testing.T) {
	a := newTestAllocator(t, memory.New(nil), Options{})
	ctx := context.Background()
	for _, name := range []string{"Hall", "Den"} {
		_, err := a.ConnectRoom(ctx, alice, roomInfo(name))
		require.NoError(t, err)
	}
	_, err := a.ConnectRoom(ctx, bob, roomInfo("Hall"))
	require.NoError(t, err)

	rooms, err := a.ListSites(ctx, access.Anonymous, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, rooms, 3)
	for _, r := range rooms {
		assert.Nil(t, r.Info.ConnectionDetails)
		assert.Nil(t, r.Exits)
	}

	mine, err := a.ListSites(ctx, alice, storage.Filter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.NotNil(t, mine[0].Info.ConnectionDetails)

	halls, err := a.ListSites(ctx, bob, storage.Filter{Name: "Hall"})
	require.NoError(t, err)
	assert.Len(t, halls, 2)

	empties, err := a.ListSites(ctx, system, storage.Filter{Type: site.TypeEmpty})
	require.NoError(t, err)
	assert.NotEmpty(t, empties)

	_, err = a.ListSites(ctx, system, storage.Filter{Type: "castle"})
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
}

func TestUpdateRoom(t *testing.T) {
	rec := &recordingEmitter{}
	a := newTestAllocator(t, memory.New(nil), Options{Events: rec})
	ctx := context.Background()
	hall, err := a.ConnectRoom(ctx, alice, roomInfo("Hall"))
	require.NoError(t, err)
	_, err = a.ConnectRoom(ctx, alice, roomInfo("Den"))
	require.NoError(t, err)

	info := roomInfo("Great Hall")
	info.Description = "Bigger now"
	got, err := a.UpdateRoom(ctx, alice, hall.ID, info)
	require.NoError(t, err)
	assert.Equal(t, "Great Hall", got.Info.Name)
	assert.NotEqual(t, hall.Rev, got.Rev)
	assert.True(t, got.Exits.Complete())
	assert.Equal(t, hall.Coord, got.Coord)
	assert.Equal(t, hall.AssignedAt, got.AssignedAt)

	_, err = a.UpdateRoom(ctx, bob, hall.ID, roomInfo("Stolen"))
	require.ErrorIs(t, err, apierr.ErrForbidden)
	assert.Equal(t, "bob", apierr.As(err).MoreInfo)

	_, err = a.UpdateRoom(ctx, sweep, hall.ID, roomInfo("Swept"))
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	_, err = a.UpdateRoom(ctx, alice, hall.ID, roomInfo("Den"))
	assert.ErrorIs(t, err, apierr.ErrConflict)

	_, err = a.UpdateRoom(ctx, alice, hall.ID, &site.RoomInfo{})
	assert.ErrorIs(t, err, apierr.ErrBadRequest)

	_, err = a.UpdateRoom(ctx, alice, "missing", roomInfo("x"))
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	sys, err := a.UpdateRoom(ctx, system, hall.ID, roomInfo("Hall"))
	require.NoError(t, err)
	assert.Equal(t, "alice", sys.Owner, "system edits keep the owner")

	assert.Contains(t, rec.types(), events.SiteUpdated)
}

func TestUpdateRoomRejectsUnclaimedCell(t *testing.T) {
	st := memory.New(nil)
	a := newTestAllocator(t, st, Options{})
	origin, err := st.FindByCoord(context.Background(), site.Coord{})
	require.NoError(t, err)
	_, err = a.UpdateRoom(context.Background(), system, origin.ID, roomInfo("Hall"))
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
}

func TestDeleteSiteLeavesPlaceholder(t *testing.T) {
	st := memory.New(nil)
	rec := &recordingEmitter{}
	a := newTestAllocator(t, st, Options{Events: rec})
	ctx := context.Background()
	hall, err := a.ConnectRoom(ctx, alice, roomInfo("Hall"))
	require.NoError(t, err)

	_, err = a.DeleteSite(ctx, bob, hall.ID)
	assert.ErrorIs(t, err, apierr.ErrForbidden)
	_, err = a.DeleteSite(ctx, sweep, hall.ID)
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	rev, err := a.DeleteSite(ctx, alice, hall.ID)
	require.NoError(t, err)
	assert.Equal(t, hall.Rev, rev)

	_, err = st.Get(ctx, hall.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	freed, err := st.FindByCoord(ctx, hall.Coord)
	require.NoError(t, err)
	assert.Equal(t, site.TypePlaceholder, freed.Type)
	assert.NotEqual(t, hall.ID, freed.ID)
	assert.Empty(t, freed.Owner)
	assert.Nil(t, freed.AssignedAt)

	_, err = a.DeleteSite(ctx, alice, hall.ID)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	// The name is free again.
	_, err = a.ConnectRoom(ctx, alice, roomInfo("Hall"))
	require.NoError(t, err)
	assert.Contains(t, rec.types(), events.SiteDeleted)
}

func TestSwapInvolution(t *testing.T) {
	st := memory.New(nil)
	a := newTestAllocator(t, st, Options{})
	ctx := context.Background()
	hall, err := a.ConnectRoom(ctx, alice, roomInfo("Hall"))
	require.NoError(t, err)
	den, err := a.ConnectRoom(ctx, bob, roomInfo("Den"))
	require.NoError(t, err)
	before, err := st.Count(ctx)
	require.NoError(t, err)

	out, err := a.Swap(ctx, sweep,
		SwapTarget{ID: hall.ID, ExpectedCoord: hall.Coord},
		SwapTarget{ID: den.ID, ExpectedCoord: den.Coord})
	require.NoError(t, err)
	assert.Equal(t, hall.ID, out[0].ID)
	assert.Equal(t, den.Coord, out[0].Coord)
	assert.Equal(t, hall.Coord, out[1].Coord)
	assert.True(t, out[0].Exits.Complete())
	assert.True(t, out[1].Exits.Complete())

	back, err := a.Swap(ctx, system,
		SwapTarget{ID: den.ID, ExpectedCoord: out[1].Coord},
		SwapTarget{ID: hall.ID, ExpectedCoord: out[0].Coord})
	require.NoError(t, err)
	assert.Equal(t, den.Coord, back[0].Coord)
	assert.Equal(t, hall.Coord, back[1].Coord)

	after, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "swap never changes the site count")

	gotHall, err := st.Get(ctx, hall.ID)
	require.NoError(t, err)
	assert.Equal(t, hall.Coord, gotHall.Coord)
}

func TestSwapRejects(t *testing.T) {
	st := memory.New(nil)
	a := newTestAllocator(t, st, Options{})
	ctx := context.Background()
	hall, err := a.ConnectRoom(ctx, alice, roomInfo("Hall"))
	require.NoError(t, err)
	den, err := a.ConnectRoom(ctx, alice, roomInfo("Den"))
	require.NoError(t, err)
	h := SwapTarget{ID: hall.ID, ExpectedCoord: hall.Coord}
	d := SwapTarget{ID: den.ID, ExpectedCoord: den.Coord}

	_, err = a.Swap(ctx, system, h, h)
	assert.ErrorIs(t, err, apierr.ErrBadRequest)

	_, err = a.Swap(ctx, alice, h, d)
	assert.ErrorIs(t, err, apierr.ErrForbidden, "owning both rooms does not grant swap")

	_, err = a.Swap(ctx, access.Anonymous, h, d)
	assert.ErrorIs(t, err, apierr.ErrForbidden)

	_, err = a.Swap(ctx, system, h, SwapTarget{ID: "missing"})
	require.ErrorIs(t, err, apierr.ErrNotFound)
	assert.Equal(t, "missing", apierr.As(err).MoreInfo)

	stale := d
	stale.ExpectedCoord = site.Coord{X: 42, Y: 42}
	_, err = a.Swap(ctx, system, h, stale)
	require.ErrorIs(t, err, apierr.ErrConflict)
	assert.Equal(t, den.ID, apierr.As(err).MoreInfo)

	gotHall, err := st.Get(ctx, hall.ID)
	require.NoError(t, err)
	assert.Equal(t, hall.Rev, gotHall.Rev, "stale swap mutates nothing")
	gotDen, err := st.Get(ctx, den.ID)
	require.NoError(t, err)
	assert.Equal(t, den.Rev, gotDen.Rev)
}
