package presence

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countEvent struct {
	storageID string
	count     int
}

type recordingListener struct {
	mu     sync.Mutex
	counts []countEvent
	moves  [][]string
}

func (l *recordingListener) CountChanged(storageID string, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = append(l.counts, countEvent{storageID, count})
}

func (l *recordingListener) ConnectionsMoved(from, to string, ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, append([]string{from, to}, ids...))
}

func (l *recordingListener) last() countEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[len(l.counts)-1]
}

// assertSymmetric checks that a connection is in a room iff the room is in
// the connection's set, and that no empty room lingers.
func assertSymmetric(t *testing.T, tr *Tracker) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for storageID, room := range tr.rooms {
		assert.NotEmpty(t, room, "empty room %s kept", storageID)
		for conn := range room {
			_, ok := tr.conns[conn][storageID]
			assert.True(t, ok, "room %s lists %s but inverse mapping does not", storageID, conn)
		}
	}
	for conn, joined := range tr.conns {
		for storageID := range joined {
			_, ok := tr.rooms[storageID][conn]
			assert.True(t, ok, "connection %s lists %s but room does not", conn, storageID)
		}
	}
}

func roomsOf(tr *Tracker, connectionID string) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return sortedKeys(tr.conns[connectionID])
}

func members(tr *Tracker, storageID string) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return sortedKeys(tr.rooms[storageID])
}

func occupied(tr *Tracker) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return sortedKeys(tr.rooms)
}

func TestJoinBroadcastsCount(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)

	tr.Join("c1", "abc")
	tr.Join("c2", "abc")

	assert.Equal(t, 2, tr.Count("abc"))
	assert.Equal(t, countEvent{"abc", 2}, l.last())
	assert.Equal(t, []string{"c1", "c2"}, members(tr, "abc"))
	assertSymmetric(t, tr)
}

func TestJoinIsIdempotent(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)

	tr.Join("c1", "abc")
	tr.Join("c1", "abc")

	assert.Equal(t, 1, tr.Count("abc"))
	assert.Equal(t, []string{"abc"}, roomsOf(tr, "c1"))
	assert.Equal(t, countEvent{"abc", 1}, l.last())
}

func TestJoinIgnoresEmptyIDs(t *testing.T) {
	tr := NewTracker(nil)
	tr.Join("", "abc")
	tr.Join("c1", "")
	assert.Empty(t, occupied(tr))
}

func TestLeaveRemovesEmptyRoom(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)

	tr.Join("c1", "abc")
	tr.Leave("c1", "abc")

	assert.Equal(t, 0, tr.Count("abc"))
	assert.Equal(t, countEvent{"abc", 0}, l.last())
	assert.Empty(t, occupied(tr))
	assert.Empty(t, roomsOf(tr, "c1"))
	assertSymmetric(t, tr)
}

func TestLeaveWhenNotMemberIsNoop(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)
	tr.Join("c1", "abc")
	before := len(l.counts)

	require.NotPanics(t, func() {
		tr.Leave("c2", "abc")
		tr.Leave("c2", "abc")
		tr.Leave("c1", "unknown")
	})

	assert.Equal(t, 1, tr.Count("abc"))
	assert.Len(t, l.counts, before)
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)

	tr.Join("c1", "a")
	tr.Join("c1", "b")
	tr.Join("c2", "b")

	tr.Disconnect("c1")

	assert.Equal(t, 0, tr.Count("a"))
	assert.Equal(t, 1, tr.Count("b"))
	assert.Empty(t, roomsOf(tr, "c1"))
	assert.Contains(t, l.counts, countEvent{"a", 0})
	assert.Contains(t, l.counts, countEvent{"b", 1})
	assertSymmetric(t, tr)
}

func TestDisconnectWithoutRooms(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)

	require.NotPanics(t, func() { tr.Disconnect("ghost") })
	assert.Empty(t, l.counts)
}

func TestMigrateMergesOccupants(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)

	tr.Join("c1", "old")
	tr.Join("c2", "old")
	tr.Join("c2", "new")
	tr.Join("c3", "new")

	tr.Migrate("old", "new")

	assert.Equal(t, 0, tr.Count("old"))
	assert.Equal(t, 3, tr.Count("new"))
	assert.Equal(t, []string{"new"}, roomsOf(tr, "c1"))
	assert.Equal(t, []string{"new"}, roomsOf(tr, "c2"))
	assert.Equal(t, countEvent{"new", 3}, l.last())
	require.Len(t, l.moves, 1)
	assert.Equal(t, []string{"old", "new", "c1", "c2"}, l.moves[0])
	assertSymmetric(t, tr)
}

func TestMigrateEmptyRoomStillBroadcasts(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)
	tr.Join("c1", "new")

	tr.Migrate("old", "new")

	assert.Equal(t, 1, tr.Count("new"))
	assert.Equal(t, countEvent{"new", 1}, l.last())
	assert.Empty(t, l.moves)
}

func TestMigrateSameIDIsIgnored(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)
	tr.Join("c1", "abc")
	before := len(l.counts)

	tr.Migrate("abc", "abc")

	assert.Equal(t, 1, tr.Count("abc"))
	assert.Len(t, l.counts, before)
}

func TestTwoConnectionsOneDisconnects(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)

	tr.Join("c1", "abc")
	tr.Join("c2", "abc")
	require.Equal(t, 2, tr.Count("abc"))

	tr.Disconnect("c1")

	assert.Equal(t, countEvent{"abc", 1}, l.last())
	assert.Equal(t, 1, tr.Count("abc"))
}

// TestRandomSequences replays random join/leave/disconnect sequences against
// a naive model and compares the results.
func TestRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	conns := []string{"c1", "c2", "c3", "c4"}
	rooms := []string{"r1", "r2", "r3"}

	for iter := 0; iter < 50; iter++ {
		tr := NewTracker(nil)
		model := map[string]map[string]bool{}

		for step := 0; step < 200; step++ {
			c := conns[rng.Intn(len(conns))]
			r := rooms[rng.Intn(len(rooms))]
			switch rng.Intn(3) {
			case 0:
				tr.Join(c, r)
				if model[c] == nil {
					model[c] = map[string]bool{}
				}
				model[c][r] = true
			case 1:
				tr.Leave(c, r)
				delete(model[c], r)
			case 2:
				tr.Disconnect(c)
				delete(model, c)
			}
		}

		for _, r := range rooms {
			want := 0
			for _, joined := range model {
				if joined[r] {
					want++
				}
			}
			assert.Equal(t, want, tr.Count(r), "iteration %d room %s", iter, r)
		}
		for _, c := range conns {
			want := []string{}
			for _, r := range rooms {
				if model[c][r] {
					want = append(want, r)
				}
			}
			assert.Equal(t, want, roomsOf(tr, c), "iteration %d connection %s", iter, c)
		}
		assertSymmetric(t, tr)
	}
}

func TestConcurrentMutations(t *testing.T) {
	tr := NewTracker(&recordingListener{})
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			for j := 0; j < 100; j++ {
				room := fmt.Sprintf("r%d", j%5)
				tr.Join(conn, room)
				_ = tr.Count(room)
				if j%3 == 0 {
					tr.Leave(conn, room)
				}
				if j%17 == 0 {
					tr.Migrate("r1", "r2")
				}
			}
			tr.Disconnect(conn)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, occupied(tr))
	assertSymmetric(t, tr)
}

func TestRebroadcastRepeatsEveryCount(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)

	tr.Join("c1", "abc")
	tr.Join("c2", "abc")
	tr.Join("c1", "xyz")
	tr.Leave("c1", "xyz")

	l.mu.Lock()
	l.counts = nil
	l.mu.Unlock()

	tr.Rebroadcast()
	assert.Equal(t, []countEvent{{"abc", 2}}, l.counts)
}

func TestRebroadcastKeepsMutationOrder(t *testing.T) {
	l := &recordingListener{}
	tr := NewTracker(l)
	tr.Join("c1", "abc")
	tr.Join("c2", "abc")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			tr.Rebroadcast()
		}
	}()
	go func() {
		defer wg.Done()
		tr.Leave("c2", "abc")
	}()
	wg.Wait()

	assert.Equal(t, countEvent{"abc", 1}, l.last())
}
