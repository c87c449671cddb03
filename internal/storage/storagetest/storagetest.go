// Package storagetest is a contract suite every storage.Store must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gameontext/gameon-map-sub000/internal/site"
	"github.com/gameontext/gameon-map-sub000/internal/storage"
)

// Factory returns a fresh, empty store. It should register cleanup on t.
type Factory func(t *testing.T) storage.Store

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("CreateUniqueness", func(t *testing.T) { testCreateUniqueness(t, newStore(t)) })
	t.Run("UpdateRevision", func(t *testing.T) { testUpdateRevision(t, newStore(t)) })
	t.Run("UpdateUniqueness", func(t *testing.T) { testUpdateUniqueness(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("UpdateAllSwap", func(t *testing.T) { testUpdateAllSwap(t, newStore(t)) })
	t.Run("UpdateAllAtomic", func(t *testing.T) { testUpdateAllAtomic(t, newStore(t)) })
	t.Run("Queries", func(t *testing.T) { testQueries(t, newStore(t)) })
	t.Run("FindEmpty", func(t *testing.T) { testFindEmpty(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
}

func empty(x, y int) site.Site {
	return site.Site{Type: site.TypeEmpty, Coord: site.Coord{X: x, Y: y}}
}

func room(x, y int, owner, name string) site.Site {
	s := empty(x, y)
	s.Claim(owner, &site.RoomInfo{
		Name:              name,
		FullName:          "The " + name,
		ConnectionDetails: &site.ConnectionDetails{Type: "websocket", Target: "wss://" + name},
		Doors:             &site.Doors{North: "north door"},
	}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return s
}

func mustCreate(t *testing.T, st storage.Store, s site.Site) site.Site {
	t.Helper()
	out, err := st.Create(context.Background(), s)
	require.NoError(t, err)
	return out
}

func testCreateGet(t *testing.T, st storage.Store) {
	ctx := context.Background()
	created := mustCreate(t, st, room(1, 2, "alice", "Hall"))
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.Rev)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := st.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Rev, got.Rev)
	assert.Equal(t, site.Coord{X: 1, Y: 2}, got.Coord)
	assert.Equal(t, "alice", got.Owner)
	require.NotNil(t, got.Info)
	assert.Equal(t, "Hall", got.Info.Name)
	assert.Equal(t, "wss://Hall", got.Info.ConnectionDetails.Target)
	assert.Equal(t, "north door", got.Info.Doors.North)
	require.NotNil(t, got.AssignedAt)
	assert.Nil(t, got.Exits)

	byCoord, err := st.FindByCoord(ctx, site.Coord{X: 1, Y: 2})
	require.NoError(t, err)
	assert.Equal(t, created.ID, byCoord.ID)

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = st.FindByCoord(ctx, site.Coord{X: 9, Y: 9})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	withID := empty(3, 3)
	withID.ID = "chosen"
	out := mustCreate(t, st, withID)
	assert.Equal(t, "chosen", out.ID)
}

func testCreateUniqueness(t *testing.T, st storage.Store) {
	ctx := context.Background()
	mustCreate(t, st, room(0, 0, "alice", "Hall"))

	_, err := st.Create(ctx, empty(0, 0))
	assert.ErrorIs(t, err, storage.ErrCoordinateTaken)

	_, err = st.Create(ctx, room(5, 5, "alice", "Hall"))
	assert.ErrorIs(t, err, storage.ErrNameTaken)

	mustCreate(t, st, room(6, 6, "bob", "Hall"))

	_, err = st.Create(ctx, site.Site{Type: site.TypeRoom, Coord: site.Coord{X: 7, Y: 7}})
	assert.ErrorIs(t, err, storage.ErrInvalid)
}

func testUpdateRevision(t *testing.T, st storage.Store) {
	ctx := context.Background()
	created := mustCreate(t, st, empty(0, 0))

	claimed := created
	claimed.Claim("alice", &site.RoomInfo{Name: "Hall"}, time.Now())
	updated, err := st.Update(ctx, claimed)
	require.NoError(t, err)
	assert.NotEqual(t, created.Rev, updated.Rev)
	assert.Equal(t, created.CreatedAt.Unix(), updated.CreatedAt.Unix())

	stale := created
	stale.Claim("bob", &site.RoomInfo{Name: "Den"}, time.Now())
	_, err = st.Update(ctx, stale)
	require.ErrorIs(t, err, storage.ErrConflict)
	var ce *storage.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, updated.Rev, ce.Current)

	missing := empty(4, 4)
	missing.ID = "nope"
	missing.Rev = "1-x"
	_, err = st.Update(ctx, missing)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpdateUniqueness(t *testing.T, st storage.Store) {
	ctx := context.Background()
	mustCreate(t, st, room(0, 0, "alice", "Hall"))
	other := mustCreate(t, st, room(1, 0, "alice", "Den"))

	moved := other
	moved.Coord = site.Coord{X: 0, Y: 0}
	_, err := st.Update(ctx, moved)
	assert.ErrorIs(t, err, storage.ErrCoordinateTaken)

	renamed := other
	renamed.Info = &site.RoomInfo{Name: "Hall"}
	_, err = st.Update(ctx, renamed)
	assert.ErrorIs(t, err, storage.ErrNameTaken)

	got, err := st.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, other.Rev, got.Rev, "failed writes leave the site untouched")
}

func testDelete(t *testing.T, st storage.Store) {
	ctx := context.Background()
	created := mustCreate(t, st, room(0, 0, "alice", "Hall"))

	err := st.Delete(ctx, created.ID, "0-stale")
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, st.Delete(ctx, created.ID, created.Rev))
	_, err = st.Get(ctx, created.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, st.Delete(ctx, created.ID, created.Rev), storage.ErrNotFound)

	// Coordinate and name are free again.
	mustCreate(t, st, room(0, 0, "alice", "Hall"))
}

func testUpdateAllSwap(t *testing.T, st storage.Store) {
	ctx := context.Background()
	a := mustCreate(t, st, room(0, 0, "alice", "Hall"))
	b := mustCreate(t, st, room(0, 1, "bob", "Den"))

	a.Coord, b.Coord = b.Coord, a.Coord
	out, err := st.UpdateAll(ctx, []site.Site{a, b})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, site.Coord{X: 0, Y: 1}, out[0].Coord)
	assert.Equal(t, site.Coord{X: 0, Y: 0}, out[1].Coord)

	atOrigin, err := st.FindByCoord(ctx, site.Coord{})
	require.NoError(t, err)
	assert.Equal(t, b.ID, atOrigin.ID)
}

func testUpdateAllAtomic(t *testing.T, st storage.Store) {
	ctx := context.Background()
	a := mustCreate(t, st, room(0, 0, "alice", "Hall"))
	b := mustCreate(t, st, room(0, 1, "bob", "Den"))

	staleB := b
	staleB.Rev = "0-stale"
	a2 := a
	a2.Coord = site.Coord{X: 9, Y: 9}
	_, err := st.UpdateAll(ctx, []site.Site{a2, staleB})
	require.ErrorIs(t, err, storage.ErrConflict)

	got, err := st.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Rev, got.Rev)
	assert.Equal(t, site.Coord{X: 0, Y: 0}, got.Coord)
}

func testQueries(t *testing.T, st storage.Store) {
	ctx := context.Background()
	mustCreate(t, st, room(0, 0, "alice", "Hall"))
	mustCreate(t, st, room(1, 0, "alice", "Den"))
	mustCreate(t, st, room(0, 1, "bob", "Hall"))
	mustCreate(t, st, empty(-1, 0))
	mustCreate(t, st, empty(5, 5))

	around, err := st.FindInRange(ctx, site.Coord{X: -1, Y: -1}, site.Coord{X: 1, Y: 1})
	require.NoError(t, err)
	assert.Len(t, around, 4)

	rooms, err := st.List(ctx, storage.Filter{Type: site.TypeRoom})
	require.NoError(t, err)
	assert.Len(t, rooms, 3)

	mine, err := st.List(ctx, storage.Filter{Owner: "alice"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	halls, err := st.List(ctx, storage.Filter{Owner: "alice", Name: "Hall", Type: site.TypeRoom})
	require.NoError(t, err)
	require.Len(t, halls, 1)
	assert.Equal(t, site.Coord{}, halls[0].Coord)

	counts, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[site.TypeRoom])
	assert.Equal(t, 2, counts[site.TypeEmpty])

	require.NoError(t, st.Ping(ctx))
}

func testFindEmpty(t *testing.T, st storage.Store) {
	ctx := context.Background()
	mustCreate(t, st, empty(3, 3))
	mustCreate(t, st, room(0, 0, "alice", "Hall"))
	near := mustCreate(t, st, empty(0, 1))
	p := empty(-2, 0)
	p.Type = site.TypePlaceholder
	mustCreate(t, st, p)

	got, err := st.FindEmpty(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, near.ID, got[0].ID)
	assert.Equal(t, site.TypePlaceholder, got[1].Type)

	all, err := st.FindEmpty(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func testConcurrentClaim(t *testing.T, st storage.Store) {
	ctx := context.Background()
	cell := mustCreate(t, st, empty(0, 0))

	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim := cell
			claim.Claim("owner", &site.RoomInfo{Name: "room" + string(rune('a'+i))}, time.Now())
			_, err := st.Update(ctx, claim)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, storage.ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
