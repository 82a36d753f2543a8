package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/classroom/internal/domain"
)

func recvMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func recvMemberEvent(t *testing.T, ch <-chan MemberEvent) MemberEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for member event")
		return MemberEvent{}
	}
}

func TestLoopbackJoinRequiresLogin(t *testing.T) {
	hub := NewLoopback()
	p := hub.Peer("p1")
	_, err := p.Join(context.Background(), "room")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestLoopbackBroadcastExcludesSender(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopback()

	a := hub.Peer("a")
	b := hub.Peer("b")
	require.NoError(t, a.Login(ctx))
	require.NoError(t, b.Login(ctx))

	chA, err := a.Join(ctx, "room")
	require.NoError(t, err)
	chB, err := b.Join(ctx, "room")
	require.NoError(t, err)

	require.NoError(t, chA.Broadcast(ctx, []byte("hello")))

	got := recvMessage(t, chB.Messages())
	assert.Equal(t, domain.PeerID("a"), got.Sender)
	assert.Equal(t, "hello", string(got.Data))

	select {
	case <-chA.Messages():
		t.Fatal("sender must not receive its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackUnicast(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopback()
	a := hub.Peer("a")
	b := hub.Peer("b")
	require.NoError(t, a.Login(ctx))
	require.NoError(t, b.Login(ctx))
	chA, err := a.Join(ctx, "room")
	require.NoError(t, err)
	_, err = b.Join(ctx, "room")
	require.NoError(t, err)

	require.NoError(t, chA.SendTo(ctx, "b", []byte("psst")))
	got := recvMessage(t, b.P2P())
	assert.Equal(t, domain.PeerID("a"), got.Sender)
	assert.Equal(t, "psst", string(got.Data))
}

func TestLoopbackMembershipEvents(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopback()
	a := hub.Peer("a")
	require.NoError(t, a.Login(ctx))
	chA, err := a.Join(ctx, "room")
	require.NoError(t, err)

	b := hub.Peer("b")
	require.NoError(t, b.Login(ctx))
	chB, err := b.Join(ctx, "room")
	require.NoError(t, err)

	ev := recvMemberEvent(t, chA.MemberEvents())
	assert.Equal(t, MemberEvent{Peer: "b", Joined: true}, ev)

	members, err := chB.Members(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.PeerID{"a", "b"}, members)

	require.NoError(t, chB.Leave(ctx))
	ev = recvMemberEvent(t, chA.MemberEvents())
	assert.Equal(t, MemberEvent{Peer: "b", Joined: false}, ev)

	// Leave is idempotent.
	require.NoError(t, chB.Leave(ctx))
}

func TestLoopbackDropSurfacesFatalError(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopback()
	a := hub.Peer("a")
	b := hub.Peer("b")
	require.NoError(t, a.Login(ctx))
	require.NoError(t, b.Login(ctx))
	chA, err := a.Join(ctx, "room")
	require.NoError(t, err)
	_, err = b.Join(ctx, "room")
	require.NoError(t, err)

	hub.Drop("b", ErrRemoteLogin)

	select {
	case err := <-b.Errors():
		assert.True(t, errors.Is(err, ErrRemoteLogin))
	case <-time.After(time.Second):
		t.Fatal("expected fatal error")
	}

	ev := recvMemberEvent(t, chA.MemberEvents())
	assert.Equal(t, MemberEvent{Peer: "b", Joined: false}, ev)
}
