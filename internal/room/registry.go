package room

import (
	"sort"
	"sync"

	"syncpad/internal/activity"
	"syncpad/internal/protocol"
	"syncpad/pkg/logger"
)

// Registry is the only place rooms are born. It owns the documentId -> Room
// table; individual room state is guarded by each room's own mutex, so work
// on different documents never blocks.
type Registry struct {
	recorder activity.Sink

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(recorder activity.Sink) *Registry {
	return &Registry{
		recorder: recorder,
		rooms:    make(map[string]*Room),
	}
}

// Resolve returns the room for documentID, creating an empty one (no text,
// version 0) if none exists.
func (g *Registry) Resolve(documentID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolveLocked(documentID)
}

// Join resolves the room for documentID and adds the member to it in one
// registry critical section, so a concurrent Release can never retire the
// room between the lookup and the membership add.
func (g *Registry) Join(documentID string, conn Conn, id protocol.Identity) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	r := g.resolveLocked(documentID)
	r.Join(conn, id)
	return r
}

func (g *Registry) resolveLocked(documentID string) *Room {
	r, ok := g.rooms[documentID]
	if !ok {
		r = newRoom(documentID, g.recorder)
		g.rooms[documentID] = r
		logger.Sugar.Infof("Created room for document %s", documentID)
	}
	return r
}

// Release removes conn's membership from the room for documentID and drops
// the room once its last member is gone. Unknown documentIDs are a no-op, so
// a double leave is harmless. The room is only retired when this call
// actually removed a member; a stale release never deletes a room someone
// else is about to join.
func (g *Registry) Release(documentID, userID string, conn Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[documentID]
	if !ok {
		return
	}
	if removed, empty := r.Leave(conn, userID); removed && empty {
		delete(g.rooms, documentID)
		logger.Sugar.Infof("Closed empty room for document %s", documentID)
	}
}

// RoomStatus is the per-room view exposed to the query surface.
type RoomStatus struct {
	DocumentID  string `json:"document_id"`
	MemberCount int    `json:"member_count"`
	Version     int64  `json:"version"`
}

// Status snapshots every live room, sorted by document id.
func (g *Registry) Status() []RoomStatus {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	statuses := make([]RoomStatus, 0, len(rooms))
	for _, r := range rooms {
		count, version := r.Status()
		statuses = append(statuses, RoomStatus{
			DocumentID:  r.DocumentID(),
			MemberCount: count,
			Version:     version,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].DocumentID < statuses[j].DocumentID })
	return statuses
}
