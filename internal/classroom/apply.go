package classroom

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/command"
	"github.com/openclass/classroom/internal/domain"
	"github.com/openclass/classroom/internal/syncstore"
)

// Apply merges one command into the local state. Both remote commands
// from the run loop and the local peer's own accepted intents pass
// through here, so every mutation takes the same path. Payloads are
// full replacements; duplicate delivery is a no-op.
func (c *Coordinator) Apply(cmd command.Command, sender domain.PeerID) {
	switch v := cmd.(type) {
	case command.DeviceState:
		c.applyDeviceState(v)
	case command.RequestChannelStatus:
		c.applyStatusRequest(v, sender)
	case command.RoomStatus:
		c.applyRoomStatus(v)
	case command.ChannelStatus:
		c.deliverSnapshot(v, sender)
	case command.RaiseHand:
		c.applyRaiseHand(v, sender)
	case command.AcceptRaiseHand:
		c.applyAccept(v)
	case command.CancelHandRaising:
		c.applyCancelAll()
	case command.BanText:
		c.applyBan(v.Ban)
	case command.Speak:
		c.applySpeak(v)
	case command.ClassMode:
		c.applyClassMode(v.Mode)
	case command.Notice:
		c.bus.publish(Event{Kind: EventNotice, Peer: sender, Notice: v.Text})
	case command.Undefined:
		log.Debug().Str("module", "classroom.coordinator").
			Str("tag", v.RawTag).Str("sender", string(sender)).Msg("ignoring unknown command")
	}
}

func (c *Coordinator) applyDeviceState(v command.DeviceState) {
	id := domain.PeerID(v.UserUUID)
	c.mu.Lock()
	u, fresh := c.ensureUserLocked(id)
	changed := fresh || u.Status.Camera != v.Camera || u.Status.Mic != v.Mic
	u.Status.Camera = v.Camera
	u.Status.Mic = v.Mic
	c.mu.Unlock()
	if changed {
		c.bus.publish(Event{Kind: EventUserUpdated, Peer: id})
	}
	if fresh {
		c.resolveInfo(id)
	}
}

// applyStatusRequest registers the requestor and, when this peer is in
// the target list, answers with a full snapshot. Responding depends on
// targeting only, so several concurrent joiners may each be served by
// different members.
func (c *Coordinator) applyStatusRequest(v command.RequestChannelStatus, sender domain.PeerID) {
	c.mu.Lock()
	u, fresh := c.ensureUserLocked(sender)
	if v.User.Name != "" {
		u.Name = v.User.Name
	}
	u.Status = domain.Status{
		IsSpeaking: v.User.IsSpeak,
		Camera:     v.User.Camera,
		Mic:        v.User.Mic,
	}
	targeted := false
	for _, id := range v.UserUUIDs {
		if domain.PeerID(id) == c.cfg.Self {
			targeted = true
			break
		}
	}
	var snap command.ChannelStatus
	if targeted {
		snap = c.snapshotLocked()
	}
	c.mu.Unlock()

	c.bus.publish(Event{Kind: EventUserUpdated, Peer: sender})
	if fresh {
		c.resolveInfo(sender)
	}
	if !targeted {
		return
	}
	ctx, cancel := context.WithTimeout(c.runCtx, 10*time.Second)
	defer cancel()
	if err := c.sendTo(ctx, sender, snap); err != nil {
		log.Warn().Err(err).Str("module", "classroom.coordinator").
			Str("peer", string(sender)).Msg("snapshot reply failed")
	}
}

func (c *Coordinator) snapshotLocked() command.ChannelStatus {
	states := make(map[string]string, len(c.users))
	for id, u := range c.users {
		states[string(id)] = domain.EncodeStatus(u.Status)
	}
	return command.ChannelStatus{
		BanMessage:      c.state.MessagesBanned,
		RoomStartStatus: c.state.Lifecycle,
		ClassRoomMode:   c.state.Mode,
		UserStates:      states,
	}
}

func (c *Coordinator) applyRoomStatus(v command.RoomStatus) {
	if !v.Status.Valid() {
		return
	}
	c.mu.Lock()
	changed := c.state.Lifecycle != v.Status
	c.state.Lifecycle = v.Status
	stop := v.Status == domain.LifecycleStopped && !c.mustLeave
	if stop {
		c.mustLeave = true
	}
	c.mu.Unlock()
	if changed {
		c.bus.publish(Event{Kind: EventRoomUpdated})
	}
	if stop {
		c.bus.publish(Event{Kind: EventMustLeave})
	}
}

// deliverSnapshot hands the snapshot to the waiting reconciliation, if
// any. The first one wins; late or unsolicited snapshots are dropped.
func (c *Coordinator) deliverSnapshot(v command.ChannelStatus, sender domain.PeerID) {
	c.snapMu.Lock()
	ch := c.snapCh
	c.snapCh = nil
	c.snapMu.Unlock()
	if ch == nil {
		log.Debug().Str("module", "classroom.coordinator").
			Str("sender", string(sender)).Msg("ignoring unsolicited snapshot")
		return
	}
	ch <- v
}

func (c *Coordinator) applyRaiseHand(v command.RaiseHand, sender domain.PeerID) {
	c.mu.Lock()
	if sender == c.state.OwnerID {
		c.mu.Unlock()
		return
	}
	u, _ := c.ensureUserLocked(sender)
	changed := u.Status.IsRaisingHand != v.Raise
	u.Status.IsRaisingHand = v.Raise
	c.mu.Unlock()
	if changed {
		c.bus.publish(Event{Kind: EventUserUpdated, Peer: sender})
	}
}

func (c *Coordinator) applyAccept(v command.AcceptRaiseHand) {
	id := domain.PeerID(v.UserUUID)
	c.mu.Lock()
	u, ok := c.users[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	u.Status.IsRaisingHand = false
	u.Status.IsSpeaking = v.Accept
	if v.Accept {
		u.Status.Mic = true
	}
	c.mu.Unlock()
	c.bus.publish(Event{Kind: EventUserUpdated, Peer: id})
}

func (c *Coordinator) applyCancelAll() {
	var changed []domain.PeerID
	c.mu.Lock()
	for id, u := range c.users {
		if u.Status.IsRaisingHand {
			u.Status.IsRaisingHand = false
			changed = append(changed, id)
		}
	}
	c.mu.Unlock()
	for _, id := range changed {
		c.bus.publish(Event{Kind: EventUserUpdated, Peer: id})
	}
}

func (c *Coordinator) applyBan(ban bool) {
	c.mu.Lock()
	changed := c.state.MessagesBanned != ban
	c.state.MessagesBanned = ban
	c.mu.Unlock()
	if changed {
		c.bus.publish(Event{Kind: EventRoomUpdated})
	}
}

func (c *Coordinator) applySpeak(v command.Speak) {
	var changed []domain.PeerID
	c.mu.Lock()
	for _, e := range v.Entries {
		id := domain.PeerID(e.UserUUID)
		u, ok := c.users[id]
		if !ok {
			continue
		}
		next := domain.Status{
			IsSpeaking: e.Speak,
			Camera:     e.Speak,
			Mic:        e.Speak,
		}
		if u.Status != next {
			u.Status = next
			changed = append(changed, id)
		}
	}
	c.mu.Unlock()
	for _, id := range changed {
		c.bus.publish(Event{Kind: EventUserUpdated, Peer: id})
	}
}

func (c *Coordinator) applyClassMode(m domain.Mode) {
	if !m.Valid() {
		return
	}
	c.mu.Lock()
	changed := c.state.Mode != m
	c.state.Mode = m
	c.mu.Unlock()
	if changed {
		c.bus.publish(Event{Kind: EventRoomUpdated})
	}
}

// ensureUserLocked returns the user for id, creating a blank entry on
// first observation. Caller holds mu.
func (c *Coordinator) ensureUserLocked(id domain.PeerID) (*domain.User, bool) {
	if u, ok := c.users[id]; ok {
		return u, false
	}
	u := &domain.User{ID: id}
	c.users[id] = u
	return u, true
}

// applyStoreValue folds a store namespace value into local state.
// Values are full replacements per key, so re-application is harmless;
// the writer's own updates also land here.
func (c *Coordinator) applyStoreValue(namespace string, val syncstore.Value) {
	switch namespace {
	case syncstore.NamespaceDeviceState:
		c.applyStoreDevices(val)
	case syncstore.NamespaceClassroom:
		c.applyStoreClassroom(val)
	case syncstore.NamespaceOnStage:
		c.applyStoreStage(val)
	}
}

func (c *Coordinator) applyStoreDevices(val syncstore.Value) {
	for key := range val {
		var dev deviceEntry
		if ok, err := val.Decode(key, &dev); err != nil || !ok {
			continue
		}
		c.applyDeviceState(command.DeviceState{UserUUID: key, Camera: dev.Camera, Mic: dev.Mic})
	}
}

func (c *Coordinator) applyStoreClassroom(val syncstore.Value) {
	var mode domain.Mode
	if ok, err := val.Decode(syncstore.KeyClassMode, &mode); err == nil && ok {
		c.applyClassMode(mode)
	}
	var ban bool
	if ok, err := val.Decode(syncstore.KeyBan, &ban); err == nil && ok {
		c.applyBan(ban)
	}
	var raised []string
	if ok, err := val.Decode(syncstore.KeyRaiseHandUsers, &raised); err == nil && ok {
		// The list replaces the whole raise-hand roster, never a delta.
		set := make(map[domain.PeerID]bool, len(raised))
		for _, id := range raised {
			set[domain.PeerID(id)] = true
		}
		var changed []domain.PeerID
		c.mu.Lock()
		for id, u := range c.users {
			next := set[id]
			if u.Status.IsRaisingHand != next {
				u.Status.IsRaisingHand = next
				changed = append(changed, id)
			}
		}
		c.mu.Unlock()
		for _, id := range changed {
			c.bus.publish(Event{Kind: EventUserUpdated, Peer: id})
		}
	}
}

func (c *Coordinator) applyStoreStage(val syncstore.Value) {
	var changed []domain.PeerID
	c.mu.Lock()
	for key := range val {
		var on bool
		if ok, err := val.Decode(key, &on); err != nil || !ok {
			continue
		}
		id := domain.PeerID(key)
		u, ok := c.users[id]
		if !ok {
			continue
		}
		if u.Status.IsSpeaking != on {
			u.Status.IsSpeaking = on
			changed = append(changed, id)
		}
	}
	c.mu.Unlock()
	for _, id := range changed {
		c.bus.publish(Event{Kind: EventUserUpdated, Peer: id})
	}
}
