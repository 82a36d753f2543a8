package classroom

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/command"
	"github.com/openclass/classroom/internal/domain"
	"github.com/openclass/classroom/internal/syncstore"
)

// Intents build outbound commands for the local peer. Authorization is
// checked before any network call; a rejected intent leaves state and
// the wire untouched.

func (c *Coordinator) StartClass(ctx context.Context) error {
	return c.requestLifecycle(ctx, domain.LifecycleStarted)
}

func (c *Coordinator) ResumeClass(ctx context.Context) error {
	return c.requestLifecycle(ctx, domain.LifecycleStarted)
}

func (c *Coordinator) PauseClass(ctx context.Context) error {
	return c.requestLifecycle(ctx, domain.LifecyclePaused)
}

func (c *Coordinator) StopClass(ctx context.Context) error {
	return c.requestLifecycle(ctx, domain.LifecycleStopped)
}

// requestLifecycle persists the transition through the backend first,
// then broadcasts it and applies it locally together with the owner
// mic side effect (start and resume force it on, pause and stop off).
func (c *Coordinator) requestLifecycle(ctx context.Context, next domain.Lifecycle) error {
	if err := c.ownerGate(); err != nil {
		return err
	}
	cur := c.State().Lifecycle
	if !cur.CanTransition(next) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur, next)
	}
	if err := c.backend.UpdateRoomStatus(ctx, c.cfg.Room, next); err != nil {
		return fmt.Errorf("persist lifecycle: %w", err)
	}
	if err := c.broadcast(ctx, command.RoomStatus{Status: next}); err != nil {
		return err
	}
	c.Apply(command.RoomStatus{Status: next}, c.cfg.Self)
	return c.setOwnMic(ctx, next == domain.LifecycleStarted)
}

func (c *Coordinator) setOwnMic(ctx context.Context, on bool) error {
	c.mu.Lock()
	status := c.users[c.cfg.Self].Status
	c.mu.Unlock()
	if status.Mic == on {
		return nil
	}
	dev := command.DeviceState{UserUUID: string(c.cfg.Self), Camera: status.Camera, Mic: on}
	if err := c.broadcast(ctx, dev); err != nil {
		return err
	}
	c.Apply(dev, c.cfg.Self)
	c.mirrorDevice(c.cfg.Self, domain.Status{Camera: status.Camera, Mic: on})
	return nil
}

// ToggleRaiseHand flips the local peer's raised hand. A no-op for the
// owner, who never queues for their own stage.
func (c *Coordinator) ToggleRaiseHand(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return ErrLeft
	}
	if c.cfg.Self == c.state.OwnerID {
		c.mu.Unlock()
		return nil
	}
	raise := !c.users[c.cfg.Self].Status.IsRaisingHand
	c.mu.Unlock()

	if err := c.broadcast(ctx, command.RaiseHand{Raise: raise}); err != nil {
		return err
	}
	c.mu.Lock()
	c.users[c.cfg.Self].Status.IsRaisingHand = raise
	c.mu.Unlock()
	c.bus.publish(Event{Kind: EventUserUpdated, Peer: c.cfg.Self})
	c.mirrorRaiseHands()
	return nil
}

// AcceptRaiseHand brings a queued peer on stage. Rejected without any
// mutation when the stage is full.
func (c *Coordinator) AcceptRaiseHand(ctx context.Context, peer domain.PeerID) error {
	if err := c.ownerGate(); err != nil {
		return err
	}
	c.mu.Lock()
	u, ok := c.users[peer]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUser, peer)
	}
	if !u.Status.IsRaisingHand {
		c.mu.Unlock()
		return nil
	}
	if c.onStageLocked() >= c.state.MaxOnStage {
		c.mu.Unlock()
		return ErrStageFull
	}
	c.mu.Unlock()

	cmd := command.AcceptRaiseHand{UserUUID: string(peer), Accept: true}
	if err := c.broadcast(ctx, cmd); err != nil {
		return err
	}
	c.Apply(cmd, c.cfg.Self)
	c.mirrorRaiseHands()
	c.mirrorStage(map[domain.PeerID]bool{peer: true})
	if u, ok := c.User(peer); ok {
		c.mirrorDevice(peer, u.Status)
	}
	return nil
}

func (c *Coordinator) CancelAllRaisedHands(ctx context.Context) error {
	if err := c.ownerGate(); err != nil {
		return err
	}
	if err := c.broadcast(ctx, command.CancelHandRaising{Cancel: true}); err != nil {
		return err
	}
	c.Apply(command.CancelHandRaising{Cancel: true}, c.cfg.Self)
	c.mirrorRaiseHands()
	return nil
}

// StopInteracting clears every raised hand and sweeps every non-owner
// off the stage in one go.
func (c *Coordinator) StopInteracting(ctx context.Context) error {
	if err := c.ownerGate(); err != nil {
		return err
	}
	var entries []command.SpeakEntry
	c.mu.Lock()
	for id, u := range c.users {
		if id != c.state.OwnerID && u.Status.IsSpeaking {
			entries = append(entries, command.SpeakEntry{UserUUID: string(id), Speak: false})
		}
	}
	c.mu.Unlock()

	if err := c.broadcast(ctx, command.CancelHandRaising{Cancel: true}); err != nil {
		return err
	}
	c.Apply(command.CancelHandRaising{Cancel: true}, c.cfg.Self)
	c.mirrorRaiseHands()
	if len(entries) == 0 {
		return nil
	}
	speak := command.Speak{Entries: entries}
	if err := c.broadcast(ctx, speak); err != nil {
		return err
	}
	c.Apply(speak, c.cfg.Self)
	stage := make(map[domain.PeerID]bool, len(entries))
	for _, e := range entries {
		id := domain.PeerID(e.UserUUID)
		stage[id] = false
		c.mirrorDevice(id, domain.Status{})
	}
	c.mirrorStage(stage)
	return nil
}

// Disconnect forces one peer off the stage, devices dark.
func (c *Coordinator) Disconnect(ctx context.Context, peer domain.PeerID) error {
	if err := c.ownerGate(); err != nil {
		return err
	}
	if _, ok := c.User(peer); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, peer)
	}
	speak := command.Speak{Entries: []command.SpeakEntry{{UserUUID: string(peer), Speak: false}}}
	if err := c.broadcast(ctx, speak); err != nil {
		return err
	}
	c.Apply(speak, c.cfg.Self)
	c.mirrorStage(map[domain.PeerID]bool{peer: false})
	c.mirrorDevice(peer, domain.Status{})
	return nil
}

func (c *Coordinator) OppositeCamera(ctx context.Context, peer domain.PeerID) error {
	return c.toggleDevice(ctx, peer, true)
}

func (c *Coordinator) OppositeMic(ctx context.Context, peer domain.PeerID) error {
	return c.toggleDevice(ctx, peer, false)
}

// toggleDevice flips one device flag. A peer may flip its own flags
// freely; the owner may flip another peer's flag off but never on.
func (c *Coordinator) toggleDevice(ctx context.Context, peer domain.PeerID, camera bool) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return ErrLeft
	}
	u, ok := c.users[peer]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownUser, peer)
	}
	cur := u.Status.Camera
	if !camera {
		cur = u.Status.Mic
	}
	if peer != c.cfg.Self {
		if c.cfg.Self != c.state.OwnerID {
			c.mu.Unlock()
			return ErrNotOwner
		}
		if !cur {
			c.mu.Unlock()
			return ErrForceDeviceOn
		}
	}
	next := u.Status
	if camera {
		next.Camera = !cur
	} else {
		next.Mic = !cur
	}
	c.mu.Unlock()

	dev := command.DeviceState{UserUUID: string(peer), Camera: next.Camera, Mic: next.Mic}
	if err := c.broadcast(ctx, dev); err != nil {
		return err
	}
	c.Apply(dev, c.cfg.Self)
	c.mirrorDevice(peer, next)
	return nil
}

func (c *Coordinator) ToggleBanMessages(ctx context.Context) error {
	if err := c.ownerGate(); err != nil {
		return err
	}
	ban := !c.State().MessagesBanned
	if err := c.broadcast(ctx, command.BanText{Ban: ban}); err != nil {
		return err
	}
	c.Apply(command.BanText{Ban: ban}, c.cfg.Self)
	c.mirrorClassroom(map[string]any{syncstore.KeyBan: ban})
	return nil
}

func (c *Coordinator) SetClassMode(ctx context.Context, mode domain.Mode) error {
	if err := c.ownerGate(); err != nil {
		return err
	}
	if !mode.Valid() {
		return fmt.Errorf("invalid class mode %q", mode)
	}
	if err := c.broadcast(ctx, command.ClassMode{Mode: mode}); err != nil {
		return err
	}
	c.Apply(command.ClassMode{Mode: mode}, c.cfg.Self)
	c.mirrorClassroom(map[string]any{syncstore.KeyClassMode: mode})
	return nil
}

func (c *Coordinator) SendNotice(ctx context.Context, text string) error {
	if err := c.ownerGate(); err != nil {
		return err
	}
	if err := c.broadcast(ctx, command.Notice{Text: text}); err != nil {
		return err
	}
	c.Apply(command.Notice{Text: text}, c.cfg.Self)
	return nil
}

func (c *Coordinator) ownerGate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return ErrLeft
	}
	if c.cfg.Self != c.state.OwnerID {
		return ErrNotOwner
	}
	return nil
}

type deviceEntry struct {
	Camera bool `json:"camera"`
	Mic    bool `json:"mic"`
}

const mirrorTimeout = 5 * time.Second

// Store mirroring is best effort; the command broadcast already
// carried the mutation, the store only has to catch up for peers that
// join later.
func (c *Coordinator) mirror(namespace string, kv map[string]any) {
	val, err := syncstore.Marshal(kv)
	if err != nil {
		log.Warn().Err(err).Str("module", "classroom.coordinator").
			Str("namespace", namespace).Msg("mirror marshal failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := c.store.SetPartial(ctx, namespace, val); err != nil {
		log.Warn().Err(err).Str("module", "classroom.coordinator").
			Str("namespace", namespace).Msg("mirror write failed")
	}
}

func (c *Coordinator) mirrorDevice(peer domain.PeerID, s domain.Status) {
	c.mirror(syncstore.NamespaceDeviceState, map[string]any{
		string(peer): deviceEntry{Camera: s.Camera, Mic: s.Mic},
	})
}

func (c *Coordinator) mirrorOwnDevice() {
	if u, ok := c.User(c.cfg.Self); ok {
		c.mirrorDevice(c.cfg.Self, u.Status)
	}
}

func (c *Coordinator) mirrorRaiseHands() {
	raised := []string{}
	c.mu.Lock()
	for id, u := range c.users {
		if u.Status.IsRaisingHand {
			raised = append(raised, string(id))
		}
	}
	c.mu.Unlock()
	c.mirrorClassroom(map[string]any{syncstore.KeyRaiseHandUsers: raised})
}

func (c *Coordinator) mirrorClassroom(kv map[string]any) {
	c.mirror(syncstore.NamespaceClassroom, kv)
}

func (c *Coordinator) mirrorStage(stage map[domain.PeerID]bool) {
	kv := make(map[string]any, len(stage))
	for id, on := range stage {
		kv[string(id)] = on
	}
	c.mirror(syncstore.NamespaceOnStage, kv)
}
