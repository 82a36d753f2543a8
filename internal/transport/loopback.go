package transport

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/domain"
)

// Loopback is an in-process hub wiring any number of peers together
// with the same semantics the relay provides: per-room broadcast,
// unicast, membership events. Used by tests and the demo binary's
// single-process mode.
type Loopback struct {
	mu    sync.Mutex
	peers map[domain.PeerID]*loopbackPeer
	rooms map[domain.RoomID]map[domain.PeerID]*loopbackChannel
}

func NewLoopback() *Loopback {
	return &Loopback{
		peers: make(map[domain.PeerID]*loopbackPeer),
		rooms: make(map[domain.RoomID]map[domain.PeerID]*loopbackChannel),
	}
}

// Peer returns the Transport for id, creating it on first use.
// A second login with an id that is already connected kicks the first
// session, mirroring the duplicate-login rule of the real service.
func (l *Loopback) Peer(id domain.PeerID) Transport {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.peers[id]; ok {
		return p
	}
	p := &loopbackPeer{
		id:   id,
		hub:  l,
		p2p:  make(chan Message, sendQueueSize),
		errs: make(chan error, 4),
	}
	l.peers[id] = p
	return p
}

// Drop force-disconnects a peer with the given fatal error and removes
// it from every room. Lets tests exercise the fatal-error paths.
func (l *Loopback) Drop(id domain.PeerID, cause error) {
	l.mu.Lock()
	p, ok := l.peers[id]
	if ok {
		delete(l.peers, id)
	}
	memberships := l.removeFromRoomsLocked(id)
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.errs <- cause:
	default:
	}
	for _, room := range memberships {
		l.notifyLeft(room, id)
	}
}

func (l *Loopback) removeFromRoomsLocked(id domain.PeerID) []domain.RoomID {
	var out []domain.RoomID
	for room, members := range l.rooms {
		if _, ok := members[id]; ok {
			delete(members, id)
			out = append(out, room)
		}
	}
	return out
}

func (l *Loopback) join(room domain.RoomID, ch *loopbackChannel) {
	l.mu.Lock()
	members, ok := l.rooms[room]
	if !ok {
		members = make(map[domain.PeerID]*loopbackChannel)
		l.rooms[room] = members
	}
	others := make([]*loopbackChannel, 0, len(members))
	for _, m := range members {
		others = append(others, m)
	}
	members[ch.peer.id] = ch
	l.mu.Unlock()
	for _, other := range others {
		deliver(other.memberEvents, MemberEvent{Peer: ch.peer.id, Joined: true}, "members")
	}
}

func (l *Loopback) leave(room domain.RoomID, id domain.PeerID) {
	l.mu.Lock()
	if members, ok := l.rooms[room]; ok {
		delete(members, id)
	}
	l.mu.Unlock()
	l.notifyLeft(room, id)
}

func (l *Loopback) notifyLeft(room domain.RoomID, id domain.PeerID) {
	for _, other := range l.members(room) {
		deliver(other.memberEvents, MemberEvent{Peer: id, Joined: false}, "members")
	}
}

func (l *Loopback) members(room domain.RoomID) []*loopbackChannel {
	l.mu.Lock()
	defer l.mu.Unlock()
	members := l.rooms[room]
	out := make([]*loopbackChannel, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

func (l *Loopback) broadcast(room domain.RoomID, from domain.PeerID, data []byte) {
	for _, m := range l.members(room) {
		if m.peer.id == from {
			continue
		}
		deliver(m.messages, Message{Sender: from, Data: data}, "channel")
	}
}

func (l *Loopback) sendTo(to domain.PeerID, from domain.PeerID, data []byte) {
	l.mu.Lock()
	p, ok := l.peers[to]
	l.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "transport.loopback").Str("to", string(to)).Msg("p2p target not connected")
		return
	}
	deliver(p.p2p, Message{Sender: from, Data: data}, "p2p")
}

type loopbackPeer struct {
	id  domain.PeerID
	hub *Loopback

	mu       sync.Mutex
	loggedIn bool
	closed   bool

	p2p  chan Message
	errs chan error
}

func (p *loopbackPeer) Login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.loggedIn = true
	return nil
}

func (p *loopbackPeer) Join(ctx context.Context, room domain.RoomID) (Channel, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if !p.loggedIn {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	p.mu.Unlock()
	ch := &loopbackChannel{
		id:           room,
		peer:         p,
		messages:     make(chan Message, sendQueueSize),
		memberEvents: make(chan MemberEvent, sendQueueSize),
	}
	p.hub.join(room, ch)
	return ch, nil
}

func (p *loopbackPeer) P2P() <-chan Message { return p.p2p }
func (p *loopbackPeer) Errors() <-chan error { return p.errs }

func (p *loopbackPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.hub.mu.Lock()
	delete(p.hub.peers, p.id)
	memberships := p.hub.removeFromRoomsLocked(p.id)
	p.hub.mu.Unlock()
	for _, room := range memberships {
		p.hub.notifyLeft(room, p.id)
	}
	return nil
}

type loopbackChannel struct {
	id           domain.RoomID
	peer         *loopbackPeer
	messages     chan Message
	memberEvents chan MemberEvent

	mu   sync.Mutex
	left bool
}

func (c *loopbackChannel) ID() domain.RoomID                { return c.id }
func (c *loopbackChannel) Messages() <-chan Message         { return c.messages }
func (c *loopbackChannel) MemberEvents() <-chan MemberEvent { return c.memberEvents }

func (c *loopbackChannel) Members(ctx context.Context) ([]domain.PeerID, error) {
	members := c.peer.hub.members(c.id)
	out := make([]domain.PeerID, 0, len(members))
	for _, m := range members {
		out = append(out, m.peer.id)
	}
	return out, nil
}

func (c *loopbackChannel) Broadcast(ctx context.Context, data []byte) error {
	c.peer.hub.broadcast(c.id, c.peer.id, data)
	return nil
}

func (c *loopbackChannel) SendTo(ctx context.Context, peer domain.PeerID, data []byte) error {
	c.peer.hub.sendTo(peer, c.peer.id, data)
	return nil
}

func (c *loopbackChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()
	c.peer.hub.leave(c.id, c.peer.id)
	return nil
}
