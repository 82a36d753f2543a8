package relay

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/domain"
	"github.com/openclass/classroom/internal/transport"
)

const (
	sessionSendQueue = 256
	writeDeadline    = 5 * time.Second
)

// Session is one websocket peer on the hub. It owns the connection and
// its send queue; the hub never writes to the socket directly.
type Session struct {
	sid  string
	hub  *Hub
	conn *websocket.Conn

	mu       sync.Mutex
	id       domain.PeerID
	loggedIn bool

	send chan transport.Frame
	once sync.Once
	stop chan struct{}
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	return &Session{
		sid:  uuid.NewString(),
		hub:  hub,
		conn: conn,
		send: make(chan transport.Frame, sessionSendQueue),
		stop: make(chan struct{}),
	}
}

// serve runs the read loop on the caller's goroutine and the write
// pump beside it. Returns when the connection dies.
func (s *Session) serve() {
	go s.writePump()
	defer s.close()
	defer s.hub.logout(s)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "relay.session").Str("sid", s.sid).Msg("read loop done")
			return
		}
		var f transport.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "relay.session").Str("sid", s.sid).Msg("bad frame")
			continue
		}
		s.handle(f)
	}
}

func (s *Session) handle(f transport.Frame) {
	switch f.Type {
	case transport.FrameLogin:
		s.handleLogin(f)
	case transport.FrameJoin:
		if !s.authed(f) {
			return
		}
		s.hub.join(s, domain.RoomID(f.Room))
		s.trySend(transport.Frame{Type: transport.FrameJoinOK, Seq: f.Seq, Room: f.Room})
	case transport.FrameLeave:
		if !s.authed(f) {
			return
		}
		s.hub.leave(s, domain.RoomID(f.Room))
	case transport.FrameMembers:
		if !s.authed(f) {
			return
		}
		s.trySend(transport.Frame{
			Type:    transport.FrameMembers,
			Seq:     f.Seq,
			Room:    f.Room,
			Members: s.hub.members(domain.RoomID(f.Room)),
		})
	case transport.FramePublish:
		if !s.authed(f) {
			return
		}
		if err := s.hub.broadcast(s, domain.RoomID(f.Room), f.Data); err != nil {
			s.sendError(f.Seq, err.Error())
		}
	case transport.FrameP2P:
		if !s.authed(f) {
			return
		}
		if err := s.hub.sendTo(s, domain.PeerID(f.To), f.Data); err != nil {
			log.Debug().Err(err).Str("module", "relay.session").Str("to", f.To).Msg("p2p undeliverable")
		}
	default:
		s.sendError(f.Seq, "unknown frame type "+f.Type)
	}
}

func (s *Session) handleLogin(f transport.Frame) {
	if f.Peer == "" {
		s.sendError(f.Seq, "peer id required")
		return
	}
	s.mu.Lock()
	s.id = domain.PeerID(f.Peer)
	s.loggedIn = true
	s.mu.Unlock()
	s.hub.login(s)
	s.trySend(transport.Frame{Type: transport.FrameLoginOK, Seq: f.Seq, Peer: f.Peer})
}

func (s *Session) authed(f transport.Frame) bool {
	s.mu.Lock()
	ok := s.loggedIn
	s.mu.Unlock()
	if !ok {
		s.sendError(f.Seq, ErrNotLoggedIn.Error())
	}
	return ok
}

func (s *Session) sendError(seq uint64, reason string) {
	s.trySend(transport.Frame{Type: transport.FrameError, Seq: seq, Reason: reason})
}

func (s *Session) trySend(f transport.Frame) bool {
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

// kick notifies the peer it lost the session, then closes. Used for
// the duplicate-login rule.
func (s *Session) kick(reason string) {
	s.trySend(transport.Frame{Type: transport.FrameKicked, Reason: reason})
	// Give the write pump a moment to flush the kick frame.
	time.AfterFunc(100*time.Millisecond, s.close)
}

func (s *Session) close() {
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.Close()
	})
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.stop:
			return
		case f := <-s.send:
			data, err := json.Marshal(f)
			if err != nil {
				log.Error().Err(err).Str("module", "relay.session").Msg("marshal frame")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
