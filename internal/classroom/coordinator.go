// Package classroom is the per-room state coordinator. It owns the
// room state and user roster, applies inbound commands, validates
// outbound intents before any network send, and mirrors high-churn
// fields through the shared store.
package classroom

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/api"
	"github.com/openclass/classroom/internal/command"
	"github.com/openclass/classroom/internal/domain"
	"github.com/openclass/classroom/internal/syncstore"
	"github.com/openclass/classroom/internal/transport"
)

// Backend persists lifecycle transitions and resolves member
// meta-data. Implemented by api.Client.
type Backend interface {
	UpdateRoomStatus(ctx context.Context, roomID domain.RoomID, status domain.Lifecycle) error
	FetchMembers(ctx context.Context, roomID domain.RoomID, ids []domain.PeerID) (map[domain.PeerID]domain.UserInfo, error)
}

var _ Backend = (*api.Client)(nil)

const (
	DefaultMaxOnStage   = 16
	DefaultSnapshotWait = 10 * time.Second
)

type Config struct {
	Self  domain.PeerID
	Info  domain.UserInfo
	Room  domain.RoomID
	Owner domain.PeerID

	// MaxOnStage caps the number of speaking users. Zero means
	// DefaultMaxOnStage.
	MaxOnStage int
	// SnapshotWait bounds how long one reconciliation candidate may
	// take to answer before another peer is tried. Zero means
	// DefaultSnapshotWait.
	SnapshotWait time.Duration
}

// Coordinator is one client's room session. All state mutation is
// serialized under mu; the run loop and intent methods both go through
// the same apply path so local and remote commands take one code path.
type Coordinator struct {
	cfg     Config
	tr      transport.Transport
	store   syncstore.Store
	backend Backend

	mu        sync.Mutex
	state     domain.RoomState
	users     map[domain.PeerID]*domain.User
	left      bool
	mustLeave bool

	channel transport.Channel
	bus     *eventBus

	snapMu sync.Mutex
	snapCh chan command.ChannelStatus

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, tr transport.Transport, store syncstore.Store, backend Backend) *Coordinator {
	if cfg.MaxOnStage <= 0 {
		cfg.MaxOnStage = DefaultMaxOnStage
	}
	if cfg.SnapshotWait <= 0 {
		cfg.SnapshotWait = DefaultSnapshotWait
	}
	c := &Coordinator{
		cfg:     cfg,
		tr:      tr,
		store:   store,
		backend: backend,
		state: domain.RoomState{
			RoomID:     cfg.Room,
			OwnerID:    cfg.Owner,
			Lifecycle:  domain.LifecycleIdle,
			Mode:       domain.ModeInteraction,
			MaxOnStage: cfg.MaxOnStage,
		},
		users: make(map[domain.PeerID]*domain.User),
		bus:   newEventBus(),
		done:  make(chan struct{}),
	}
	c.users[cfg.Self] = &domain.User{
		ID:        cfg.Self,
		Name:      cfg.Info.Name,
		AvatarURL: cfg.Info.AvatarURL,
	}
	return c
}

// Join logs in, joins the room channel, connects the store namespaces,
// starts the run loop and reconciles against the current members. The
// passed context bounds the join sequence only; the session itself
// lives until Leave or a fatal transport error.
func (c *Coordinator) Join(ctx context.Context) error {
	if err := c.tr.Login(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	ch, err := c.tr.Join(ctx, c.cfg.Room)
	if err != nil {
		return fmt.Errorf("join channel: %w", err)
	}
	c.channel = ch

	stored, err := c.connectStore(ctx)
	if err != nil {
		_ = ch.Leave(ctx)
		return err
	}

	c.runCtx, c.cancel = context.WithCancel(context.Background())
	go c.run()

	if err := c.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	// The store holds whatever survived peer departure; it is applied
	// after the snapshot so the last writer still wins.
	for ns, val := range stored {
		c.applyStoreValue(ns, val)
	}
	c.mirrorOwnDevice()
	return nil
}

func (c *Coordinator) connectStore(ctx context.Context) (map[string]syncstore.Value, error) {
	classroomDefault, err := syncstore.Marshal(map[string]any{
		syncstore.KeyClassMode:      domain.ModeInteraction,
		syncstore.KeyRaiseHandUsers: []string{},
		syncstore.KeyBan:            false,
	})
	if err != nil {
		return nil, fmt.Errorf("store defaults: %w", err)
	}
	out := make(map[string]syncstore.Value, 3)
	for ns, def := range map[string]syncstore.Value{
		syncstore.NamespaceDeviceState: {},
		syncstore.NamespaceClassroom:   classroomDefault,
		syncstore.NamespaceOnStage:     {},
	} {
		val, err := c.store.Connect(ctx, ns, def)
		if err != nil {
			return nil, fmt.Errorf("connect store namespace %q: %w", ns, err)
		}
		out[ns] = val
	}
	return out, nil
}

// run is the serialization point for everything inbound: channel
// messages, unicasts, membership deltas, store updates and fatal
// transport errors.
func (c *Coordinator) run() {
	defer close(c.done)

	msgs := c.channel.Messages()
	p2p := c.tr.P2P()
	members := c.channel.MemberEvents()
	updates := c.store.Updates()
	fatals := c.tr.Errors()

	for {
		select {
		case <-c.runCtx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			c.handleInbound(msg)
		case msg, ok := <-p2p:
			if !ok {
				p2p = nil
				continue
			}
			c.handleInbound(msg)
		case ev, ok := <-members:
			if !ok {
				members = nil
				continue
			}
			c.handleMember(ev)
		case upd, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			c.applyStoreValue(upd.Namespace, upd.Changed)
		case err, ok := <-fatals:
			if !ok {
				fatals = nil
				continue
			}
			c.handleFatal(err)
		}
	}
}

func (c *Coordinator) handleInbound(msg transport.Message) {
	if msg.Sender == c.cfg.Self {
		return
	}
	cmd, _, err := command.Decode(msg.Data)
	if err != nil {
		log.Warn().Err(err).Str("module", "classroom.coordinator").
			Str("sender", string(msg.Sender)).Msg("dropping undecodable command")
		return
	}
	c.Apply(cmd, msg.Sender)
}

func (c *Coordinator) handleMember(ev transport.MemberEvent) {
	if ev.Peer == c.cfg.Self {
		return
	}
	if !ev.Joined {
		c.mu.Lock()
		_, known := c.users[ev.Peer]
		delete(c.users, ev.Peer)
		c.mu.Unlock()
		if known {
			c.bus.publish(Event{Kind: EventUserLeft, Peer: ev.Peer})
		}
		return
	}
	c.mu.Lock()
	_, known := c.users[ev.Peer]
	if !known {
		c.users[ev.Peer] = &domain.User{ID: ev.Peer}
	}
	c.mu.Unlock()
	if !known {
		c.bus.publish(Event{Kind: EventUserUpdated, Peer: ev.Peer})
		c.resolveInfo(ev.Peer)
	}
}

func (c *Coordinator) handleFatal(err error) {
	log.Error().Err(err).Str("module", "classroom.coordinator").
		Str("room", string(c.cfg.Room)).Msg("fatal transport error, session over")
	c.mu.Lock()
	c.left = true
	c.mu.Unlock()
	c.bus.publish(Event{Kind: EventSessionError, Err: err})
	c.cancel()
}

// resolveInfo fills display meta-data for peers observed by id only.
// Best effort, runs off the serialized loop.
func (c *Coordinator) resolveInfo(ids ...domain.PeerID) {
	if len(ids) == 0 {
		return
	}
	parent := c.runCtx
	if parent == nil {
		parent = context.Background()
	}
	go func() {
		ctx, cancel := context.WithTimeout(parent, 10*time.Second)
		defer cancel()
		infos, err := c.backend.FetchMembers(ctx, c.cfg.Room, ids)
		if err != nil {
			log.Warn().Err(err).Str("module", "classroom.coordinator").Msg("member lookup failed")
			return
		}
		var changed []domain.PeerID
		c.mu.Lock()
		for id, info := range infos {
			u, ok := c.users[id]
			if !ok || u.Name == info.Name && u.AvatarURL == info.AvatarURL {
				continue
			}
			u.Name = info.Name
			u.AvatarURL = info.AvatarURL
			changed = append(changed, id)
		}
		c.mu.Unlock()
		for _, id := range changed {
			c.bus.publish(Event{Kind: EventUserUpdated, Peer: id})
		}
	}()
}

// Leave tears the session down. Idempotent; outstanding waits are
// cancelled and further intents fail with ErrLeft.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	var err error
	if c.channel != nil {
		err = c.channel.Leave(ctx)
	}
	if cerr := c.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	c.bus.close()
	return err
}

// Subscribe returns a stream of coordinator events and a cancel
// function. Slow consumers lose events instead of blocking the room.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.bus.subscribe()
}

func (c *Coordinator) State() domain.RoomState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) User(id domain.PeerID) (domain.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.users[id]
	if !ok {
		return domain.User{}, false
	}
	return *u, true
}

// Users returns the roster sorted by id.
func (c *Coordinator) Users() []domain.User {
	c.mu.Lock()
	out := make([]domain.User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, *u)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OnStageCount reports how many users currently hold the stage.
func (c *Coordinator) OnStageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onStageLocked()
}

func (c *Coordinator) onStageLocked() int {
	n := 0
	for _, u := range c.users {
		if u.Status.IsSpeaking {
			n++
		}
	}
	return n
}

func (c *Coordinator) broadcast(ctx context.Context, cmd command.Command) error {
	data, err := command.Encode(cmd, string(c.cfg.Room))
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Tag(), err)
	}
	if err := c.channel.Broadcast(ctx, data); err != nil {
		return fmt.Errorf("broadcast %s: %w", cmd.Tag(), err)
	}
	return nil
}

func (c *Coordinator) sendTo(ctx context.Context, peer domain.PeerID, cmd command.Command) error {
	data, err := command.Encode(cmd, string(c.cfg.Room))
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Tag(), err)
	}
	if err := c.channel.SendTo(ctx, peer, data); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd.Tag(), peer, err)
	}
	return nil
}
