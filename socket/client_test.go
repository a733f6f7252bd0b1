package socket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncpad/internal/activity"
	"syncpad/internal/protocol"
	"syncpad/internal/room"
)

// newTestServer exposes ServeWs with the identity taken straight from query
// parameters, standing in for the auth middleware.
func newTestServer(t *testing.T) (*httptest.Server, *room.Registry, *activity.Recorder) {
	t.Helper()
	recorder := activity.NewRecorder(1000, nil)
	registry := room.NewRegistry(recorder)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := protocol.Identity{
			UserID: r.URL.Query().Get("user_id"),
			Name:   r.URL.Query().Get("name"),
		}
		ServeWs(registry, w, r, identity)
	}))
	t.Cleanup(func() {
		server.Close()
		recorder.Close()
	})
	return server, registry, recorder
}

func dial(t *testing.T, server *httptest.Server, docID, userID, name string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/?docId="+docID+"&user_id="+userID+"&name="+name, nil)
	require.NoError(t, err, "failed to connect %s", userID)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err, "failed to read frame")
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := protocol.Envelope{Type: msgType, Payload: raw}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestRejectsConnectionWithoutIdentityOrDocument(t *testing.T) {
	server, _, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	_, _, err := websocket.DefaultDialer.Dial(wsURL+"/?docId=doc1", nil)
	assert.Error(t, err, "no identity")

	_, _, err = websocket.DefaultDialer.Dial(wsURL+"/?user_id=alice", nil)
	assert.Error(t, err, "no docId")
}

func TestEditSyncScenario(t *testing.T) {
	server, registry, _ := newTestServer(t)

	// Alice joins an empty document.
	alice := dial(t, server, "doc1", "alice", "Alice")
	init := readFrame(t, alice)
	assert.Equal(t, protocol.InitType, init["type"])
	assert.Equal(t, "", init["document_text"])
	assert.Equal(t, float64(0), init["version"])

	// Alice inserts "hi" against version 0.
	sendEnvelope(t, alice, protocol.EditType, protocol.EditMessage{
		Changes:     []protocol.Change{{Kind: protocol.InsertChange, Offset: 0, Text: "hi"}},
		BaseVersion: 0,
		FileName:    "main.go",
	})

	// Wait for the edit to land before bob joins, then his snapshot must
	// reflect it.
	require.Eventually(t, func() bool {
		statuses := registry.Status()
		return len(statuses) == 1 && statuses[0].Version == 1
	}, time.Second, 5*time.Millisecond)

	bob := dial(t, server, "doc1", "bob", "Bob")
	bobInit := readFrame(t, bob)
	assert.Equal(t, "hi", bobInit["document_text"])
	assert.Equal(t, float64(1), bobInit["version"])

	joined := readFrame(t, alice)
	assert.Equal(t, protocol.UserJoinedType, joined["type"])
	assert.Equal(t, "bob", joined["user_id"])

	// Bob submits a stale edit computed against version 0.
	sendEnvelope(t, bob, protocol.EditType, protocol.EditMessage{
		Changes:     []protocol.Change{{Kind: protocol.InsertChange, Offset: 2, Text: "!"}},
		BaseVersion: 0,
		FileName:    "main.go",
	})
	syncRequired := readFrame(t, bob)
	assert.Equal(t, protocol.SyncRequiredType, syncRequired["type"])
	assert.Equal(t, float64(1), syncRequired["current_version"])

	// Bob resyncs and retries with the current version.
	sendEnvelope(t, bob, protocol.SyncType, struct{}{})
	resync := readFrame(t, bob)
	assert.Equal(t, "hi", resync["document_text"])

	sendEnvelope(t, bob, protocol.EditType, protocol.EditMessage{
		Changes:     []protocol.Change{{Kind: protocol.InsertChange, Offset: 2, Text: "!"}},
		BaseVersion: 1,
		FileName:    "main.go",
	})

	// The accepted retry reaches alice, not the rejected attempt.
	broadcast := readFrame(t, alice)
	assert.Equal(t, protocol.EditType, broadcast["type"])
	assert.Equal(t, "bob", broadcast["user_id"])
	assert.Equal(t, float64(2), broadcast["version"])

	// A save is version-free and fans out to everyone, sender included.
	sendEnvelope(t, bob, protocol.SaveType, protocol.SavePayload{Content: "hi!", FileName: "main.go"})
	saved := readFrame(t, alice)
	assert.Equal(t, protocol.SavedType, saved["type"])
	saved = readFrame(t, bob)
	assert.Equal(t, protocol.SavedType, saved["type"])
}

func TestPresenceAndLeave(t *testing.T) {
	server, registry, _ := newTestServer(t)

	alice := dial(t, server, "doc1", "alice", "Alice")
	readFrame(t, alice) // init
	bob := dial(t, server, "doc1", "bob", "Bob")
	readFrame(t, bob)   // init
	readFrame(t, alice) // user-joined

	sendEnvelope(t, bob, protocol.CursorType, protocol.CursorPayload{Position: 7, FileName: "main.go"})
	cursor := readFrame(t, alice)
	assert.Equal(t, protocol.CursorType, cursor["type"])
	assert.Equal(t, "bob", cursor["user_id"])
	assert.Equal(t, float64(7), cursor["position"])

	sendEnvelope(t, bob, protocol.SelectionType, protocol.SelectionPayload{
		Selection: protocol.SelectionRange{Start: 1, End: 4},
	})
	selection := readFrame(t, alice)
	assert.Equal(t, protocol.SelectionType, selection["type"])

	// Explicit leave closes bob's membership and announces it.
	sendEnvelope(t, bob, protocol.LeaveType, struct{}{})
	left := readFrame(t, alice)
	assert.Equal(t, protocol.UserLeftType, left["type"])
	assert.Equal(t, "bob", left["user_id"])

	require.Eventually(t, func() bool {
		statuses := registry.Status()
		return len(statuses) == 1 && statuses[0].MemberCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRoomDestroyedWhenLastMemberDisconnects(t *testing.T) {
	server, registry, _ := newTestServer(t)

	alice := dial(t, server, "doc1", "alice", "Alice")
	readFrame(t, alice)
	require.Len(t, registry.Status(), 1)

	alice.Close()

	require.Eventually(t, func() bool {
		return len(registry.Status()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPeerMeshAndSignalRelay(t *testing.T) {
	server, _, _ := newTestServer(t)

	alice := dial(t, server, "doc1", "alice", "Alice")
	readFrame(t, alice)
	bob := dial(t, server, "doc1", "bob", "Bob")
	readFrame(t, bob)
	readFrame(t, alice) // user-joined

	sendEnvelope(t, alice, protocol.JoinPeerMeshType, protocol.JoinPeerMeshPayload{PeerID: "peer-a"})
	existing := readFrame(t, alice)
	assert.Equal(t, protocol.ExistingPeersType, existing["type"])
	assert.Empty(t, existing["peers"])

	peerJoined := readFrame(t, bob)
	assert.Equal(t, protocol.PeerJoinedType, peerJoined["type"])
	assert.Equal(t, "peer-a", peerJoined["peer_id"])
	assert.Equal(t, "alice", peerJoined["user_id"])

	sendEnvelope(t, bob, protocol.SignalType, map[string]interface{}{
		"target_user_id": "alice",
		"payload":        map[string]string{"sdp": "offer"},
	})
	signal := readFrame(t, alice)
	assert.Equal(t, protocol.SignalType, signal["type"])
	assert.Equal(t, "bob", signal["from_user_id"])
	assert.Equal(t, "Bob", signal["from_user_name"])
	payload, ok := signal["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "offer", payload["sdp"])

	// Signaling a vanished member is silently dropped; the room keeps
	// working afterwards.
	sendEnvelope(t, bob, protocol.SignalType, map[string]interface{}{
		"target_user_id": "nobody",
		"payload":        map[string]string{"sdp": "offer"},
	})
	sendEnvelope(t, bob, protocol.CursorType, protocol.CursorPayload{Position: 1})
	cursor := readFrame(t, alice)
	assert.Equal(t, protocol.CursorType, cursor["type"])
}

func TestJoinMessageReinitsBoundDocumentOnly(t *testing.T) {
	server, _, _ := newTestServer(t)

	alice := dial(t, server, "doc1", "alice", "Alice")
	readFrame(t, alice)

	// Rejoining the bound document replays the init snapshot.
	sendEnvelope(t, alice, protocol.JoinType, protocol.JoinPayload{DocumentID: "doc1"})
	frame := readFrame(t, alice)
	assert.Equal(t, protocol.InitType, frame["type"])

	// Joining another document is dropped; the connection stays bound.
	sendEnvelope(t, alice, protocol.JoinType, protocol.JoinPayload{DocumentID: "doc2"})
	sendEnvelope(t, alice, protocol.SyncType, struct{}{})
	frame = readFrame(t, alice)
	assert.Equal(t, protocol.InitType, frame["type"])
	assert.Equal(t, "", frame["document_text"])
}

func TestMalformedMessagesDoNotKillConnection(t *testing.T) {
	server, _, _ := newTestServer(t)

	alice := dial(t, server, "doc1", "alice", "Alice")
	readFrame(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"edit","payload":"broken"}`)))
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"who-knows","payload":{}}`)))

	// The connection is still live and serving.
	sendEnvelope(t, alice, protocol.SyncType, struct{}{})
	frame := readFrame(t, alice)
	assert.Equal(t, protocol.InitType, frame["type"])
}
