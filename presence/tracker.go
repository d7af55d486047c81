// Package presence tracks which realtime connections are looking at which
// storage partition.
package presence

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Listener is told about every occupancy change. Calls are made while the
// tracker lock is held, in mutation order; a Listener must not call back into
// the Tracker.
type Listener interface {
	// CountChanged reports the new occupancy of a storage room.
	CountChanged(storageID string, count int)

	// ConnectionsMoved reports connections that Migrate moved from one room to
	// another. It is called before the count for the destination is reported.
	ConnectionsMoved(from, to string, connectionIDs []string)
}

type set map[string]struct{}

// Tracker owns the storage→connections and connection→storages mappings.
// Both are only touched under mu, so they are always symmetric.
type Tracker struct {
	mu       sync.Mutex
	rooms    map[string]set
	conns    map[string]set
	listener Listener
}

// NewTracker returns an empty tracker. listener may be nil.
func NewTracker(listener Listener) *Tracker {
	return &Tracker{
		rooms:    make(map[string]set),
		conns:    make(map[string]set),
		listener: listener,
	}
}

// Join adds connectionID to storageID's room. Joining twice changes nothing
// but the current count is still broadcast, which lets a reconnecting client
// resynchronise.
func (t *Tracker) Join(connectionID, storageID string) {
	if connectionID == "" || storageID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	room, ok := t.rooms[storageID]
	if !ok {
		room = make(set)
		t.rooms[storageID] = room
	}
	room[connectionID] = struct{}{}

	joined, ok := t.conns[connectionID]
	if !ok {
		joined = make(set)
		t.conns[connectionID] = joined
	}
	joined[storageID] = struct{}{}

	logrus.WithFields(logrus.Fields{
		"socket_id":  connectionID,
		"storage_id": storageID,
		"count":      len(room),
	}).Debug("Connection joined storage room")
	t.notifyCount(storageID, len(room))
}

// Leave removes connectionID from storageID's room. Leaving a room the
// connection is not in is a no-op.
func (t *Tracker) Leave(connectionID, storageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.leaveLocked(connectionID, storageID)
}

// Disconnect leaves every room the connection joined and forgets it. It is
// safe to call for connections that never joined anything.
func (t *Tracker) Disconnect(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	joined := t.conns[connectionID]
	for _, storageID := range sortedKeys(joined) {
		t.leaveLocked(connectionID, storageID)
	}
	delete(t.conns, connectionID)

	logrus.WithFields(logrus.Fields{
		"socket_id": connectionID,
		"rooms":     len(joined),
	}).Debug("Connection removed from presence")
}

// Migrate moves every connection of oldStorageID into newStorageID, merging
// with connections already there, and drops the old room.
func (t *Tracker) Migrate(oldStorageID, newStorageID string) {
	if oldStorageID == "" || newStorageID == "" || oldStorageID == newStorageID {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	moving := t.rooms[oldStorageID]
	delete(t.rooms, oldStorageID)

	target, ok := t.rooms[newStorageID]
	if !ok && len(moving) > 0 {
		target = make(set, len(moving))
		t.rooms[newStorageID] = target
	}

	moved := sortedKeys(moving)
	for _, connectionID := range moved {
		target[connectionID] = struct{}{}
		joined := t.conns[connectionID]
		delete(joined, oldStorageID)
		joined[newStorageID] = struct{}{}
	}

	logrus.WithFields(logrus.Fields{
		"old_storage_id": oldStorageID,
		"new_storage_id": newStorageID,
		"moved":          len(moved),
		"count":          len(target),
	}).Info("Migrated storage room presence")

	if t.listener != nil && len(moved) > 0 {
		t.listener.ConnectionsMoved(oldStorageID, newStorageID, moved)
	}
	t.notifyCount(newStorageID, len(target))
}

// Count returns the number of connections in a storage room.
func (t *Tracker) Count(storageID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.rooms[storageID])
}

// Rebroadcast reports the occupancy of every non-empty room again. It holds
// the lock while notifying, so a repeated count never overtakes a newer one.
func (t *Tracker) Rebroadcast() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, storageID := range sortedKeys(t.rooms) {
		t.notifyCount(storageID, len(t.rooms[storageID]))
	}
}

func (t *Tracker) leaveLocked(connectionID, storageID string) {
	room, ok := t.rooms[storageID]
	if !ok {
		return
	}
	if _, member := room[connectionID]; !member {
		return
	}

	delete(room, connectionID)
	if len(room) == 0 {
		delete(t.rooms, storageID)
	}
	if joined, ok := t.conns[connectionID]; ok {
		delete(joined, storageID)
		if len(joined) == 0 {
			delete(t.conns, connectionID)
		}
	}

	logrus.WithFields(logrus.Fields{
		"socket_id":  connectionID,
		"storage_id": storageID,
		"count":      len(room),
	}).Debug("Connection left storage room")
	t.notifyCount(storageID, len(room))
}

func (t *Tracker) notifyCount(storageID string, count int) {
	if t.listener != nil {
		t.listener.CountChanged(storageID, count)
	}
}

func sortedKeys[V any](s map[string]V) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
