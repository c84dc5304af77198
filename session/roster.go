package session

import (
	"maps"
	"slices"
)

type remote struct {
	identity string
	sinks    map[TrackKind]Sink
}

// roster holds at most one sink per identity and track kind.
// It is guarded by the Controller's lock.
type roster struct {
	remotes map[string]*remote
}

func newRoster() *roster {
	return &roster{remotes: make(map[string]*remote)}
}

func (r *roster) add(identity string) *remote {
	rm, ok := r.remotes[identity]
	if !ok {
		rm = &remote{identity: identity, sinks: make(map[TrackKind]Sink)}
		r.remotes[identity] = rm
	}
	return rm
}

// attach replaces any sink already held for the same identity and kind.
func (r *roster) attach(identity string, kind TrackKind, sink Sink) {
	rm := r.add(identity)
	if prev, ok := rm.sinks[kind]; ok {
		prev.Release()
	}
	rm.sinks[kind] = sink
}

func (r *roster) detach(identity string, kind TrackKind) bool {
	rm, ok := r.remotes[identity]
	if !ok {
		return false
	}
	sink, ok := rm.sinks[kind]
	if !ok {
		return false
	}
	sink.Release()
	delete(rm.sinks, kind)
	return true
}

func (r *roster) remove(identity string) int {
	rm, ok := r.remotes[identity]
	if !ok {
		return 0
	}
	n := len(rm.sinks)
	for _, sink := range rm.sinks {
		sink.Release()
	}
	delete(r.remotes, identity)
	return n
}

func (r *roster) releaseAll() int {
	n := 0
	for identity := range r.remotes {
		n += r.remove(identity)
	}
	return n
}

func (r *roster) sinkCount() int {
	n := 0
	for _, rm := range r.remotes {
		n += len(rm.sinks)
	}
	return n
}

func (r *roster) snapshot() []RemoteParticipant {
	out := make([]RemoteParticipant, 0, len(r.remotes))
	for _, identity := range slices.Sorted(maps.Keys(r.remotes)) {
		rm := r.remotes[identity]
		out = append(out, RemoteParticipant{
			Identity: identity,
			Tracks:   slices.Sorted(maps.Keys(rm.sinks)),
		})
	}
	return out
}
