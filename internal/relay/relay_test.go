package relay_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/classroom/internal/config"
	"github.com/openclass/classroom/internal/domain"
	"github.com/openclass/classroom/internal/relay"
	"github.com/openclass/classroom/internal/syncstore"
	"github.com/openclass/classroom/internal/transport"
)

type testServer struct {
	hub *relay.Hub
	url string // ws://host
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	hub := relay.NewHub()
	store := relay.NewStoreService()
	router := relay.SetupRouter(&config.Config{Mode: "release"}, hub, store)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{
		hub: hub,
		url: "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dial(t *testing.T, ts *testServer, id domain.PeerID) transport.Transport {
	t.Helper()
	tr := transport.NewWS(ts.url+"/api/ws", id)
	require.NoError(t, tr.Login(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func recvMessage(t *testing.T, ch <-chan transport.Message) transport.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return transport.Message{}
	}
}

func recvMemberEvent(t *testing.T, ch <-chan transport.MemberEvent) transport.MemberEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for member event")
		return transport.MemberEvent{}
	}
}

func TestBroadcastReachesOtherMembers(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")

	chA, err := alice.Join(ctx, "room-1")
	require.NoError(t, err)
	chB, err := bob.Join(ctx, "room-1")
	require.NoError(t, err)

	require.NoError(t, chA.Broadcast(ctx, []byte(`"hello"`)))
	msg := recvMessage(t, chB.Messages())
	assert.Equal(t, domain.PeerID("alice"), msg.Sender)
	assert.Equal(t, []byte(`"hello"`), []byte(msg.Data))

	members, err := chA.Members(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.PeerID{"alice", "bob"}, members)
}

func TestUnicastReachesPeerDirectly(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	alice := dial(t, ts, "alice")
	bob := dial(t, ts, "bob")

	chA, err := alice.Join(ctx, "room-1")
	require.NoError(t, err)
	_, err = bob.Join(ctx, "room-1")
	require.NoError(t, err)

	require.NoError(t, chA.SendTo(ctx, "bob", []byte(`"psst"`)))
	msg := recvMessage(t, bob.P2P())
	assert.Equal(t, domain.PeerID("alice"), msg.Sender)
	assert.Equal(t, []byte(`"psst"`), []byte(msg.Data))
}

func TestMembershipEvents(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	alice := dial(t, ts, "alice")
	chA, err := alice.Join(ctx, "room-1")
	require.NoError(t, err)

	bob := dial(t, ts, "bob")
	chB, err := bob.Join(ctx, "room-1")
	require.NoError(t, err)

	ev := recvMemberEvent(t, chA.MemberEvents())
	assert.Equal(t, domain.PeerID("bob"), ev.Peer)
	assert.True(t, ev.Joined)

	require.NoError(t, chB.Leave(ctx))
	ev = recvMemberEvent(t, chA.MemberEvents())
	assert.Equal(t, domain.PeerID("bob"), ev.Peer)
	assert.False(t, ev.Joined)
}

func TestDuplicateLoginKicksFirstSession(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	first := transport.NewWS(ts.url+"/api/ws", "alice")
	require.NoError(t, first.Login(ctx))
	t.Cleanup(func() { _ = first.Close() })

	second := transport.NewWS(ts.url+"/api/ws", "alice")
	require.NoError(t, second.Login(ctx))
	t.Cleanup(func() { _ = second.Close() })

	select {
	case err := <-first.Errors():
		assert.ErrorIs(t, err, transport.ErrRemoteLogin)
	case <-time.After(3 * time.Second):
		t.Fatal("first session was never kicked")
	}
}

func TestJoinRequiresLogin(t *testing.T) {
	ts := newServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(ts.url+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(transport.Frame{Type: transport.FrameJoin, Seq: 1, Room: "room-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp transport.Frame
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, transport.FrameError, resp.Type)
	assert.Equal(t, uint64(1), resp.Seq)
}

func TestRoomListing(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	alice := dial(t, ts, "alice")
	_, err := alice.Join(ctx, "room-1")
	require.NoError(t, err)

	rooms := ts.hub.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "room-1", rooms[0].ID)
	assert.Equal(t, 1, rooms[0].Members)
}

func TestStoreServiceRoundTrip(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	writer, err := syncstore.DialRemote(ctx, ts.url+"/api/ws/store?room=room-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	reader, err := syncstore.DialRemote(ctx, ts.url+"/api/ws/store?room=room-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	def, err := syncstore.Marshal(map[string]any{"ban": false})
	require.NoError(t, err)
	_, err = writer.Connect(ctx, "classroom", def)
	require.NoError(t, err)
	got, err := reader.Connect(ctx, "classroom", syncstore.Value{})
	require.NoError(t, err)

	// The first connect materialized the default.
	var ban bool
	ok, err := got.Decode("ban", &ban)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ban)

	partial, err := syncstore.Marshal(map[string]any{"ban": true})
	require.NoError(t, err)
	require.NoError(t, writer.SetPartial(ctx, "classroom", partial))

	select {
	case upd := <-reader.Updates():
		assert.Equal(t, "classroom", upd.Namespace)
		ok, err := upd.Changed.Decode("ban", &ban)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, ban)
	case <-time.After(3 * time.Second):
		t.Fatal("update never arrived")
	}

	val, err := writer.Get(ctx, "classroom")
	require.NoError(t, err)
	ok, err = val.Decode("ban", &ban)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ban)
}

func TestStoreRoomsAreIsolated(t *testing.T) {
	ts := newServer(t)
	ctx := context.Background()

	a, err := syncstore.DialRemote(ctx, ts.url+"/api/ws/store?room=room-a")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := syncstore.DialRemote(ctx, ts.url+"/api/ws/store?room=room-b")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	defA, err := syncstore.Marshal(map[string]any{"x": "a"})
	require.NoError(t, err)
	_, err = a.Connect(ctx, "ns", defA)
	require.NoError(t, err)

	defB, err := syncstore.Marshal(map[string]any{"x": "b"})
	require.NoError(t, err)
	got, err := b.Connect(ctx, "ns", defB)
	require.NoError(t, err)

	var x string
	ok, err := got.Decode("x", &x)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", x, "room-b must not see room-a's namespace")
}
