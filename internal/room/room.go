package room

import (
	"encoding/json"
	"sort"
	"sync"

	"syncpad/internal/activity"
	"syncpad/internal/protocol"
	"syncpad/pkg/logger"
)

// Conn is the outbound side of one member's connection. Send must not block:
// a stalled receiver drops frames instead of holding up the room.
type Conn interface {
	Send(frame []byte)
}

// member is owned exclusively by its room; presence fields are only ever
// written by messages from the member's own connection.
type member struct {
	conn      Conn
	userID    string
	userName  string
	cursor    *int
	selection *protocol.SelectionRange
	peerID    string
}

// Room is the authoritative shared state for one collaboratively edited
// document: member table, document text, and the monotonic version counter.
// Every operation against the same room is serialized by its mutex;
// different rooms never contend.
type Room struct {
	documentID string
	recorder   activity.Sink

	mu      sync.Mutex
	members map[string]*member
	text    string
	version int64
}

func newRoom(documentID string, recorder activity.Sink) *Room {
	return &Room{
		documentID: documentID,
		recorder:   recorder,
		members:    make(map[string]*member),
	}
}

// DocumentID returns the id this room was created for.
func (r *Room) DocumentID() string {
	return r.documentID
}

// Status reports the member count and version for the query surface.
func (r *Room) Status() (memberCount int, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members), r.version
}

// Join adds a member, sends it the init snapshot, and announces it to the
// rest of the room. A second connection for the same user replaces the first.
func (r *Room) Join(conn Conn, id protocol.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[id.UserID] = &member{conn: conn, userID: id.UserID, userName: id.Name}

	conn.Send(protocol.Marshal(r.initFrame()))
	r.broadcast(protocol.Marshal(protocol.UserJoinedFrame{
		Type:     protocol.UserJoinedType,
		UserID:   id.UserID,
		UserName: id.Name,
	}), id.UserID)

	r.recorder.Record(activity.Event{
		Kind:       activity.KindOpen,
		UserID:     id.UserID,
		UserName:   id.Name,
		DocumentID: r.documentID,
	})
}

// Leave removes the member bound to conn and announces the departure.
// It reports whether a member was actually removed and whether the room is
// now empty; a stale conn (already replaced or already gone) removes
// nothing. Registry cleanup is the caller's job, keyed on removed so a
// stale leave cannot retire a room it was never part of.
func (r *Room) Leave(conn Conn, userID string) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok || m.conn != conn {
		return false, len(r.members) == 0
	}
	delete(r.members, userID)

	r.broadcast(protocol.Marshal(protocol.UserLeftFrame{
		Type:   protocol.UserLeftType,
		UserID: userID,
	}), userID)

	r.recorder.Record(activity.Event{
		Kind:       activity.KindClose,
		UserID:     userID,
		UserName:   m.userName,
		DocumentID: r.documentID,
	})
	return true, len(r.members) == 0
}

// SubmitEdit runs the versioned-edit protocol: a stale base version gets a
// sync-required reply and changes nothing; a current one applies the batch,
// steps the version by exactly one, and broadcasts inside the same critical
// section so every member observes edits in acceptance order.
func (r *Room) SubmitEdit(conn Conn, userID string, msg protocol.EditMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok || m.conn != conn {
		// Stale message after leave.
		return
	}

	if !r.applyIfCurrent(msg.BaseVersion, func() {
		r.text = applyChanges(r.text, msg.Changes)
	}) {
		conn.Send(protocol.Marshal(protocol.SyncRequiredFrame{
			Type:           protocol.SyncRequiredType,
			CurrentVersion: r.version,
		}))
		return
	}

	r.broadcast(protocol.Marshal(protocol.EditFrame{
		Type:    protocol.EditType,
		Changes: msg.Changes,
		Version: r.version,
		UserID:  userID,
	}), userID)

	r.recorder.Record(activity.Event{
		Kind:       activity.KindEdit,
		UserID:     userID,
		UserName:   m.userName,
		DocumentID: r.documentID,
		FileName:   msg.FileName,
		Content:    r.text,
	})
}

// applyIfCurrent is the single version-step primitive: the mutator runs and
// the version advances by exactly one if and only if base matches the current
// version. Callers hold r.mu.
func (r *Room) applyIfCurrent(base int64, mutate func()) bool {
	if base != r.version {
		return false
	}
	mutate()
	r.version++
	return true
}

// Save unconditionally overwrites the document text. Saves are an explicit
// "this is the truth now" action and skip the version check entirely.
func (r *Room) Save(conn Conn, userID, content, fileName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok || m.conn != conn {
		return
	}

	r.text = content
	r.broadcast(protocol.Marshal(protocol.SavedFrame{
		Type:    protocol.SavedType,
		Version: r.version,
	}), "")

	r.recorder.Record(activity.Event{
		Kind:       activity.KindSave,
		UserID:     userID,
		UserName:   m.userName,
		DocumentID: r.documentID,
		FileName:   fileName,
		Content:    content,
	})
}

// Sync replies with the current snapshot. Used for first-join initialization
// and for client-driven recovery after a sync-required reply.
func (r *Room) Sync(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn.Send(protocol.Marshal(r.initFrame()))
}

// UpdateCursor stores the member's cursor and fans it out to the others.
func (r *Room) UpdateCursor(conn Conn, userID string, position int, fileName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok || m.conn != conn {
		return
	}
	pos := position
	m.cursor = &pos

	r.broadcast(protocol.Marshal(protocol.CursorFrame{
		Type:     protocol.CursorType,
		UserID:   userID,
		Position: position,
	}), userID)

	r.recorder.Record(activity.Event{
		Kind:       activity.KindCursor,
		UserID:     userID,
		UserName:   m.userName,
		DocumentID: r.documentID,
		FileName:   fileName,
		Position:   position,
	})
}

// UpdateSelection is broadcast-only; selection churn is too high-frequency
// to be worth retaining in the activity log.
func (r *Room) UpdateSelection(conn Conn, userID string, sel protocol.SelectionRange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok || m.conn != conn {
		return
	}
	s := sel
	m.selection = &s

	r.broadcast(protocol.Marshal(protocol.SelectionFrame{
		Type:      protocol.SelectionType,
		UserID:    userID,
		Selection: sel,
	}), userID)
}

// JoinPeerMesh announces the member as reachable for direct peer channels
// and replies with the roster of peers it should connect to.
func (r *Room) JoinPeerMesh(conn Conn, userID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok || m.conn != conn {
		return
	}
	m.peerID = peerID

	r.broadcast(protocol.Marshal(protocol.PeerJoinedFrame{
		Type:     protocol.PeerJoinedType,
		PeerID:   peerID,
		UserID:   userID,
		UserName: m.userName,
	}), userID)

	peers := make([]protocol.PeerInfo, 0, len(r.members))
	for _, other := range r.members {
		if other.userID == userID || other.peerID == "" {
			continue
		}
		peers = append(peers, protocol.PeerInfo{
			PeerID:   other.peerID,
			UserID:   other.userID,
			UserName: other.userName,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].UserID < peers[j].UserID })
	conn.Send(protocol.Marshal(protocol.ExistingPeersFrame{
		Type:  protocol.ExistingPeersType,
		Peers: peers,
	}))
}

// RelaySignal forwards a signaling payload verbatim to one member. A missing
// target just disconnected; the message is dropped, not surfaced.
func (r *Room) RelaySignal(conn Conn, userID, targetUserID string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[userID]
	if !ok || m.conn != conn {
		return
	}
	target, ok := r.members[targetUserID]
	if !ok {
		logger.Sugar.Debugf("Dropping signal from %s to absent member %s in %s", userID, targetUserID, r.documentID)
		return
	}

	target.conn.Send(protocol.Marshal(protocol.SignalFrame{
		Type:         protocol.SignalType,
		FromUserID:   userID,
		FromUserName: m.userName,
		Payload:      payload,
	}))
}

// initFrame builds the snapshot sent on join and sync. Callers hold r.mu.
func (r *Room) initFrame() protocol.InitFrame {
	members := make([]protocol.MemberInfo, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, protocol.MemberInfo{
			UserID:    m.userID,
			UserName:  m.userName,
			Cursor:    m.cursor,
			Selection: m.selection,
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	return protocol.InitFrame{
		Type:         protocol.InitType,
		DocumentText: r.text,
		Version:      r.version,
		Members:      members,
	}
}

// broadcast fans a frame out to every member except exclude. Sends are
// non-blocking by the Conn contract, so one stalled receiver cannot hold the
// room's critical section.
func (r *Room) broadcast(frame []byte, exclude string) {
	if frame == nil {
		return
	}
	for _, m := range r.members {
		if m.userID == exclude {
			continue
		}
		m.conn.Send(frame)
	}
}

// applyChanges splices a batch of changes computed against the same pre-edit
// text. Highest offsets go first so lower offsets stay valid as lengths
// shift. Offsets and lengths count characters, not bytes, so a splice can
// never land mid-rune in multibyte text. Out-of-bounds values are clamped;
// malformed client state must not crash the room.
func applyChanges(text string, changes []protocol.Change) string {
	ordered := make([]protocol.Change, len(changes))
	copy(ordered, changes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Offset > ordered[j].Offset })

	runes := []rune(text)
	for _, c := range ordered {
		offset := c.Offset
		if offset < 0 {
			offset = 0
		}
		if offset > len(runes) {
			offset = len(runes)
		}
		switch c.Kind {
		case protocol.InsertChange:
			ins := []rune(c.Text)
			spliced := make([]rune, 0, len(runes)+len(ins))
			spliced = append(spliced, runes[:offset]...)
			spliced = append(spliced, ins...)
			spliced = append(spliced, runes[offset:]...)
			runes = spliced
		case protocol.DeleteChange:
			end := offset + c.Length
			if c.Length < 0 {
				end = offset
			}
			if end > len(runes) {
				end = len(runes)
			}
			spliced := make([]rune, 0, len(runes)-(end-offset))
			spliced = append(spliced, runes[:offset]...)
			spliced = append(spliced, runes[end:]...)
			runes = spliced
		default:
			logger.Sugar.Warnf("Ignoring change with unknown kind %q", c.Kind)
		}
	}
	return string(runes)
}
