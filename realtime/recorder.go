package realtime

import "sync"

// Recorder is a Publisher that keeps every event in memory, for callers
// that run without a socket server.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// InRoom returns the events published to a storage room, in order.
func (r *Recorder) InRoom(storageID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.StorageID == storageID {
			out = append(out, ev)
		}
	}
	return out
}
