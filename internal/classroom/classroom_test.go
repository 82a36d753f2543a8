package classroom_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/classroom/internal/classroom"
	"github.com/openclass/classroom/internal/command"
	"github.com/openclass/classroom/internal/domain"
	"github.com/openclass/classroom/internal/syncstore"
	"github.com/openclass/classroom/internal/transport"
)

const testRoom = domain.RoomID("room-1")

type fakeBackend struct {
	mu       sync.Mutex
	statuses []domain.Lifecycle
	fail     error
}

func (f *fakeBackend) UpdateRoomStatus(_ context.Context, _ domain.RoomID, status domain.Lifecycle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeBackend) FetchMembers(_ context.Context, _ domain.RoomID, ids []domain.PeerID) (map[domain.PeerID]domain.UserInfo, error) {
	out := make(map[domain.PeerID]domain.UserInfo, len(ids))
	for _, id := range ids {
		out[id] = domain.UserInfo{Name: "member " + string(id)}
	}
	return out, nil
}

func (f *fakeBackend) recorded() []domain.Lifecycle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Lifecycle(nil), f.statuses...)
}

type fixture struct {
	hub     *transport.Loopback
	store   *syncstore.Memory
	backend *fakeBackend
	owner   domain.PeerID
}

func newFixture() *fixture {
	return &fixture{
		hub:     transport.NewLoopback(),
		store:   syncstore.NewMemory(),
		backend: &fakeBackend{},
		owner:   "owner",
	}
}

func (f *fixture) join(t *testing.T, id domain.PeerID) *classroom.Coordinator {
	t.Helper()
	c := classroom.New(classroom.Config{
		Self:         id,
		Info:         domain.UserInfo{Name: string(id)},
		Room:         testRoom,
		Owner:        f.owner,
		MaxOnStage:   3,
		SnapshotWait: 300 * time.Millisecond,
	}, f.hub.Peer(id), f.store.Handle(), f.backend)
	require.NoError(t, c.Join(context.Background()))
	t.Cleanup(func() { _ = c.Leave(context.Background()) })
	return c
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func TestJoinEmptyRoom(t *testing.T) {
	f := newFixture()
	c := f.join(t, f.owner)

	state := c.State()
	assert.Equal(t, domain.LifecycleIdle, state.Lifecycle)
	assert.Equal(t, domain.ModeInteraction, state.Mode)
	assert.False(t, state.MessagesBanned)

	users := c.Users()
	require.Len(t, users, 1)
	assert.Equal(t, f.owner, users[0].ID)
}

func TestReconciliationSnapshot(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	ctx := context.Background()

	require.NoError(t, owner.StartClass(ctx))
	require.NoError(t, owner.ToggleBanMessages(ctx))

	student := f.join(t, "alice")
	waitFor(t, "student should adopt the snapshot", func() bool {
		s := student.State()
		return s.Lifecycle == domain.LifecycleStarted && s.MessagesBanned
	})
	waitFor(t, "student should see the owner's mic on", func() bool {
		u, ok := student.User(f.owner)
		return ok && u.Status.Mic
	})
}

func TestReconciliationSkipsSilentPeer(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	require.NoError(t, owner.StartClass(context.Background()))

	// A peer that joined the channel but never answers status requests.
	ghost := f.hub.Peer("ghost")
	require.NoError(t, ghost.Login(context.Background()))
	_, err := ghost.Join(context.Background(), testRoom)
	require.NoError(t, err)

	student := f.join(t, "alice")
	waitFor(t, "student should fall through to a live responder", func() bool {
		return student.State().Lifecycle == domain.LifecycleStarted
	})
}

func TestReconciliationAllSilentFallsBackToDefaults(t *testing.T) {
	f := newFixture()
	ghost := f.hub.Peer("ghost")
	require.NoError(t, ghost.Login(context.Background()))
	_, err := ghost.Join(context.Background(), testRoom)
	require.NoError(t, err)

	student := f.join(t, "alice")
	assert.Equal(t, domain.LifecycleIdle, student.State().Lifecycle)
	assert.Equal(t, domain.ModeInteraction, student.State().Mode)
}

func TestRaiseHandAcceptConverges(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	ctx := context.Background()

	require.NoError(t, owner.StartClass(ctx))
	require.NoError(t, alice.ToggleRaiseHand(ctx))
	waitFor(t, "owner should see the raised hand", func() bool {
		u, ok := owner.User("alice")
		return ok && u.Status.IsRaisingHand
	})

	require.NoError(t, owner.AcceptRaiseHand(ctx, "alice"))
	for name, c := range map[string]*classroom.Coordinator{"owner": owner, "alice": alice, "bob": bob} {
		waitFor(t, name+" should converge on alice on stage", func() bool {
			u, ok := c.User("alice")
			return ok && u.Status.IsSpeaking && u.Status.Mic && !u.Status.IsRaisingHand
		})
	}
}

func TestAcceptRaiseHandCapacity(t *testing.T) {
	f := newFixture()
	owner := classroom.New(classroom.Config{
		Self:       f.owner,
		Info:       domain.UserInfo{Name: "owner"},
		Room:       testRoom,
		Owner:      f.owner,
		MaxOnStage: 1,
	}, f.hub.Peer(f.owner), f.store.Handle(), f.backend)
	require.NoError(t, owner.Join(context.Background()))
	t.Cleanup(func() { _ = owner.Leave(context.Background()) })

	alice := f.join(t, "alice")
	bob := f.join(t, "bob")
	ctx := context.Background()

	require.NoError(t, alice.ToggleRaiseHand(ctx))
	require.NoError(t, bob.ToggleRaiseHand(ctx))
	waitFor(t, "owner should see both hands", func() bool {
		a, aok := owner.User("alice")
		b, bok := owner.User("bob")
		return aok && bok && a.Status.IsRaisingHand && b.Status.IsRaisingHand
	})

	require.NoError(t, owner.AcceptRaiseHand(ctx, "alice"))
	err := owner.AcceptRaiseHand(ctx, "bob")
	require.ErrorIs(t, err, classroom.ErrStageFull)

	// The rejected accept must not have mutated anything.
	b, ok := owner.User("bob")
	require.True(t, ok)
	assert.True(t, b.Status.IsRaisingHand)
	assert.False(t, b.Status.IsSpeaking)
	assert.Equal(t, 1, owner.OnStageCount())
}

func TestNonOwnerIntentsRejected(t *testing.T) {
	f := newFixture()
	f.join(t, f.owner)
	alice := f.join(t, "alice")
	ctx := context.Background()

	assert.ErrorIs(t, alice.StartClass(ctx), classroom.ErrNotOwner)
	assert.ErrorIs(t, alice.ToggleBanMessages(ctx), classroom.ErrNotOwner)
	assert.ErrorIs(t, alice.AcceptRaiseHand(ctx, "alice"), classroom.ErrNotOwner)
	assert.ErrorIs(t, alice.CancelAllRaisedHands(ctx), classroom.ErrNotOwner)
	assert.ErrorIs(t, alice.SendNotice(ctx, "quiet please"), classroom.ErrNotOwner)
	assert.ErrorIs(t, alice.Disconnect(ctx, f.owner), classroom.ErrNotOwner)

	// No rejected intent may have reached the backend.
	assert.Empty(t, f.backend.recorded())
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	ctx := context.Background()

	assert.ErrorIs(t, owner.PauseClass(ctx), classroom.ErrInvalidTransition)

	require.NoError(t, owner.StartClass(ctx))
	assert.Equal(t, domain.LifecycleStarted, owner.State().Lifecycle)
	u, _ := owner.User(f.owner)
	assert.True(t, u.Status.Mic, "start forces the owner mic on")

	require.NoError(t, owner.PauseClass(ctx))
	u, _ = owner.User(f.owner)
	assert.False(t, u.Status.Mic, "pause forces the owner mic off")

	require.NoError(t, owner.ResumeClass(ctx))
	require.NoError(t, owner.StopClass(ctx))
	assert.Equal(t, domain.LifecycleStopped, owner.State().Lifecycle)

	assert.Equal(t, []domain.Lifecycle{
		domain.LifecycleStarted,
		domain.LifecyclePaused,
		domain.LifecycleStarted,
		domain.LifecycleStopped,
	}, f.backend.recorded())
}

func TestBackendRejectionBlocksLifecycle(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	f.backend.fail = errors.New("backend says no")

	err := owner.StartClass(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.LifecycleIdle, owner.State().Lifecycle)
}

func TestStopFansOutMustLeaveOnce(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	alice := f.join(t, "alice")
	ctx := context.Background()

	ownerEvents, stopOwner := owner.Subscribe()
	defer stopOwner()
	aliceEvents, stopAlice := alice.Subscribe()
	defer stopAlice()

	require.NoError(t, owner.StartClass(ctx))
	require.NoError(t, owner.StopClass(ctx))

	for name, events := range map[string]<-chan classroom.Event{"owner": ownerEvents, "alice": aliceEvents} {
		assert.Equal(t, 1, countKind(events, classroom.EventMustLeave), "%s must-leave count", name)
	}
}

func TestForcedDeviceOffOnly(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	alice := f.join(t, "alice")
	ctx := context.Background()

	require.NoError(t, alice.OppositeMic(ctx, "alice"))
	waitFor(t, "owner should see the mic on", func() bool {
		u, ok := owner.User("alice")
		return ok && u.Status.Mic
	})

	require.NoError(t, owner.OppositeMic(ctx, "alice"))
	waitFor(t, "alice should see her mic forced off", func() bool {
		u, ok := alice.User("alice")
		return ok && !u.Status.Mic
	})

	assert.ErrorIs(t, owner.OppositeMic(ctx, "alice"), classroom.ErrForceDeviceOn)
	assert.ErrorIs(t, alice.OppositeCamera(ctx, f.owner), classroom.ErrNotOwner)
}

func TestOwnerRaiseHandIsNoop(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)

	require.NoError(t, owner.ToggleRaiseHand(context.Background()))
	u, _ := owner.User(f.owner)
	assert.False(t, u.Status.IsRaisingHand)
}

func TestStopInteractingSweepsStage(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	alice := f.join(t, "alice")
	ctx := context.Background()

	require.NoError(t, owner.StartClass(ctx))
	require.NoError(t, alice.ToggleRaiseHand(ctx))
	waitFor(t, "hand visible", func() bool {
		u, ok := owner.User("alice")
		return ok && u.Status.IsRaisingHand
	})
	require.NoError(t, owner.AcceptRaiseHand(ctx, "alice"))

	require.NoError(t, owner.StopInteracting(ctx))
	for name, c := range map[string]*classroom.Coordinator{"owner": owner, "alice": alice} {
		waitFor(t, name+" should see alice swept off", func() bool {
			u, ok := c.User("alice")
			return ok && !u.Status.IsSpeaking && !u.Status.Mic && !u.Status.Camera
		})
	}
}

func TestNotice(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	alice := f.join(t, "alice")

	events, stop := alice.Subscribe()
	defer stop()
	require.NoError(t, owner.SendNotice(context.Background(), "break in five minutes"))

	waitFor(t, "notice should arrive", func() bool {
		select {
		case ev := <-events:
			return ev.Kind == classroom.EventNotice && ev.Notice == "break in five minutes"
		default:
			return false
		}
	})
}

func TestIdempotentApply(t *testing.T) {
	f := newFixture()
	c := f.join(t, f.owner)

	dev := command.DeviceState{UserUUID: "alice", Camera: true, Mic: false}
	c.Apply(dev, "alice")
	once, ok := c.User("alice")
	require.True(t, ok)
	c.Apply(dev, "alice")
	twice, _ := c.User("alice")
	assert.Equal(t, once.Status, twice.Status)
}

func TestMemberLeftRemovesUser(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	alice := f.join(t, "alice")

	require.NoError(t, alice.OppositeCamera(context.Background(), "alice"))
	waitFor(t, "owner should know alice", func() bool {
		_, ok := owner.User("alice")
		return ok
	})

	require.NoError(t, alice.Leave(context.Background()))
	waitFor(t, "owner should drop alice", func() bool {
		_, ok := owner.User("alice")
		return !ok
	})
}

func TestRemoteLoginIsFatal(t *testing.T) {
	f := newFixture()
	f.join(t, f.owner)
	alice := f.join(t, "alice")

	events, stop := alice.Subscribe()
	defer stop()
	f.hub.Drop("alice", transport.ErrRemoteLogin)

	waitFor(t, "session error should surface", func() bool {
		select {
		case ev := <-events:
			return ev.Kind == classroom.EventSessionError && errors.Is(ev.Err, transport.ErrRemoteLogin)
		default:
			return false
		}
	})
	assert.ErrorIs(t, alice.ToggleRaiseHand(context.Background()), classroom.ErrLeft)
}

func TestLeaveIdempotent(t *testing.T) {
	f := newFixture()
	c := f.join(t, f.owner)
	ctx := context.Background()

	require.NoError(t, c.Leave(ctx))
	require.NoError(t, c.Leave(ctx))
	assert.ErrorIs(t, c.StartClass(ctx), classroom.ErrLeft)
}

func TestMemberNamesResolved(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	alice := f.join(t, "alice")

	// Device traffic makes alice known to the owner by id first.
	require.NoError(t, alice.OppositeCamera(context.Background(), "alice"))
	waitFor(t, "owner should resolve alice's name", func() bool {
		u, ok := owner.User("alice")
		return ok && u.Name != ""
	})
}

func countKind(events <-chan classroom.Event, kind classroom.EventKind) int {
	n := 0
	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return n
			}
			if ev.Kind == kind {
				n++
			}
		case <-deadline:
			return n
		}
	}
}

func TestSetClassMode(t *testing.T) {
	f := newFixture()
	owner := f.join(t, f.owner)
	alice := f.join(t, "alice")
	ctx := context.Background()

	assert.ErrorIs(t, alice.SetClassMode(ctx, domain.ModeLecture), classroom.ErrNotOwner)
	require.NoError(t, owner.SetClassMode(ctx, domain.ModeLecture))
	waitFor(t, "mode should converge", func() bool {
		return alice.State().Mode == domain.ModeLecture
	})
	err := owner.SetClassMode(ctx, domain.Mode("Seminar"))
	require.Error(t, err)
	assert.Contains(t, fmt.Sprint(err), "invalid class mode")
}
