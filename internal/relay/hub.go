// Package relay is the hosted counterpart of the client transport: a
// websocket broker with per-room broadcast, unicast routing, the
// duplicate-login rule and the shared store service.
package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/domain"
	"github.com/openclass/classroom/internal/transport"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrNotMember   = errors.New("not a room member")
	ErrPeerGone    = errors.New("peer not connected")
)

// Hub owns the peer registry and the room set. One hub per process;
// rooms come and go with their members.
type Hub struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*Session
	rooms map[domain.RoomID]*room
}

func NewHub() *Hub {
	return &Hub{
		peers: make(map[domain.PeerID]*Session),
		rooms: make(map[domain.RoomID]*room),
	}
}

// login registers the session under its peer id. A second login with
// the same id kicks the first session, the newcomer always wins.
func (h *Hub) login(s *Session) {
	h.mu.Lock()
	old := h.peers[s.id]
	h.peers[s.id] = s
	h.mu.Unlock()
	if old != nil && old != s {
		log.Warn().Str("module", "relay.hub").Str("peer", string(s.id)).Msg("duplicate login, kicking previous session")
		old.kick(transport.ReasonRemoteLogin)
	}
	log.Info().Str("module", "relay.hub").Str("peer", string(s.id)).Msg("peer logged in")
}

// logout removes the session and announces its departure to every room
// it was in. A session replaced by a duplicate login does not unseat
// its successor.
func (h *Hub) logout(s *Session) {
	h.mu.Lock()
	if h.peers[s.id] == s {
		delete(h.peers, s.id)
	}
	var left []*room
	for _, r := range h.rooms {
		if r.remove(s.id, s) {
			left = append(left, r)
		}
	}
	h.mu.Unlock()
	for _, r := range left {
		r.announce(transport.Frame{Type: transport.FrameLeft, Room: string(r.id), Peer: string(s.id)}, s.id)
	}
}

func (h *Hub) join(s *Session, id domain.RoomID) {
	h.mu.Lock()
	r, ok := h.rooms[id]
	if !ok {
		r = newRoom(id)
		h.rooms[id] = r
	}
	h.mu.Unlock()
	r.add(s)
	r.announce(transport.Frame{Type: transport.FrameJoined, Room: string(id), Peer: string(s.id)}, s.id)
}

func (h *Hub) leave(s *Session, id domain.RoomID) {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if r.remove(s.id, s) {
		r.announce(transport.Frame{Type: transport.FrameLeft, Room: string(id), Peer: string(s.id)}, s.id)
	}
}

func (h *Hub) members(id domain.RoomID) []string {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.memberIDs()
}

func (h *Hub) broadcast(from *Session, id domain.RoomID, data []byte) error {
	h.mu.RLock()
	r, ok := h.rooms[id]
	h.mu.RUnlock()
	if !ok || !r.has(from.id) {
		return ErrNotMember
	}
	r.announce(transport.Frame{
		Type:   transport.FrameMessage,
		Room:   string(id),
		Sender: string(from.id),
		Data:   data,
	}, from.id)
	return nil
}

func (h *Hub) sendTo(from *Session, to domain.PeerID, data []byte) error {
	h.mu.RLock()
	target, ok := h.peers[to]
	h.mu.RUnlock()
	if !ok {
		return ErrPeerGone
	}
	target.trySend(transport.Frame{
		Type:   transport.FrameMessage,
		Sender: string(from.id),
		Data:   data,
	})
	return nil
}

// RoomInfo is the listing shape served by the HTTP surface.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for id, r := range h.rooms {
		n := len(r.memberIDs())
		if n == 0 {
			continue
		}
		out = append(out, RoomInfo{ID: string(id), Members: n})
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// room is a threadsafe membership set. It never closes session-owned
// resources.
type room struct {
	id      domain.RoomID
	mu      sync.RWMutex
	members map[domain.PeerID]*Session
}

func newRoom(id domain.RoomID) *room {
	return &room{id: id, members: make(map[domain.PeerID]*Session)}
}

func (r *room) add(s *Session) {
	r.mu.Lock()
	r.members[s.id] = s
	r.mu.Unlock()
	log.Info().Str("module", "relay.room").Str("room", string(r.id)).Str("peer", string(s.id)).Msg("member added")
}

// remove drops id only while s is still the registered session, so a
// kicked predecessor cannot remove its replacement.
func (r *room) remove(id domain.PeerID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.members[id]; !ok || cur != s {
		return false
	}
	delete(r.members, id)
	return true
}

func (r *room) has(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

func (r *room) memberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, string(id))
	}
	return out
}

// announce fans a frame to every member but the originator. Slow
// members lose the frame rather than stalling the room.
func (r *room) announce(f transport.Frame, except domain.PeerID) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.members))
	for id, m := range r.members {
		if id == except {
			continue
		}
		targets = append(targets, m)
	}
	r.mu.RUnlock()
	dropped := 0
	for _, m := range targets {
		if !m.trySend(f) {
			dropped++
		}
	}
	if dropped > 0 {
		log.Warn().Str("module", "relay.room").Str("room", string(r.id)).Int("dropped", dropped).Msg("slow members missed a frame")
	}
}
