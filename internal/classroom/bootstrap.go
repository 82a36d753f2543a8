package classroom

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/command"
	"github.com/openclass/classroom/internal/domain"
)

// reconcile obtains the current room state after joining. An empty
// room initializes to defaults without any round-trip; otherwise
// candidates are tried in random order, each with a bounded wait,
// falling back to defaults when every candidate stays silent.
func (c *Coordinator) reconcile(ctx context.Context) error {
	members, err := c.channel.Members(ctx)
	if err != nil {
		return err
	}
	candidates := make([]domain.PeerID, 0, len(members))
	for _, m := range members {
		if m != c.cfg.Self {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		c.bus.publish(Event{Kind: EventRoomUpdated})
		return nil
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	req := c.statusRequest()
	for _, peer := range candidates {
		snap, ok := c.askPeer(ctx, peer, req)
		if ok {
			c.mergeSnapshot(snap)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Str("module", "classroom.bootstrap").
			Str("peer", string(peer)).Msg("no snapshot from peer, trying another")
	}
	log.Warn().Str("module", "classroom.bootstrap").
		Str("room", string(c.cfg.Room)).Msg("all candidates silent, starting from defaults")
	c.bus.publish(Event{Kind: EventRoomUpdated})
	return nil
}

func (c *Coordinator) statusRequest() command.RequestChannelStatus {
	c.mu.Lock()
	self := c.users[c.cfg.Self]
	req := command.RequestChannelStatus{
		RoomUUID: string(c.cfg.Room),
		User: command.ParticipantInfo{
			Name:    self.Name,
			Camera:  self.Status.Camera,
			Mic:     self.Status.Mic,
			IsSpeak: self.Status.IsSpeaking,
		},
	}
	c.mu.Unlock()
	return req
}

// askPeer unicasts a status request to one candidate and waits for the
// snapshot the run loop routes back. Only one waiter is armed at a
// time; the first snapshot wins, later ones are dropped.
func (c *Coordinator) askPeer(ctx context.Context, peer domain.PeerID, req command.RequestChannelStatus) (command.ChannelStatus, bool) {
	ch := make(chan command.ChannelStatus, 1)
	c.snapMu.Lock()
	c.snapCh = ch
	c.snapMu.Unlock()
	disarm := func() {
		c.snapMu.Lock()
		c.snapCh = nil
		c.snapMu.Unlock()
	}

	req.UserUUIDs = []string{string(peer)}
	if err := c.sendTo(ctx, peer, req); err != nil {
		disarm()
		log.Warn().Err(err).Str("module", "classroom.bootstrap").
			Str("peer", string(peer)).Msg("status request failed")
		return command.ChannelStatus{}, false
	}

	timer := time.NewTimer(c.cfg.SnapshotWait)
	defer timer.Stop()
	select {
	case snap := <-ch:
		return snap, true
	case <-timer.C:
		disarm()
		return command.ChannelStatus{}, false
	case <-ctx.Done():
		disarm()
		return command.ChannelStatus{}, false
	}
}

func (c *Coordinator) mergeSnapshot(snap command.ChannelStatus) {
	var unnamed []domain.PeerID
	c.mu.Lock()
	c.state.MessagesBanned = snap.BanMessage
	if snap.RoomStartStatus.Valid() {
		c.state.Lifecycle = snap.RoomStartStatus
	}
	if snap.ClassRoomMode.Valid() {
		c.state.Mode = snap.ClassRoomMode
	}
	var updated []domain.PeerID
	for raw, flags := range snap.UserStates {
		id := domain.PeerID(raw)
		if id == c.cfg.Self {
			continue
		}
		u, _ := c.ensureUserLocked(id)
		u.Status = domain.ParseStatus(flags)
		updated = append(updated, id)
		if u.Name == "" {
			unnamed = append(unnamed, id)
		}
	}
	stop := c.state.Lifecycle == domain.LifecycleStopped && !c.mustLeave
	if stop {
		c.mustLeave = true
	}
	c.mu.Unlock()

	c.bus.publish(Event{Kind: EventRoomUpdated})
	for _, id := range updated {
		c.bus.publish(Event{Kind: EventUserUpdated, Peer: id})
	}
	if stop {
		c.bus.publish(Event{Kind: EventMustLeave})
	}
	c.resolveInfo(unnamed...)
}
