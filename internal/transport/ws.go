package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/domain"
)

const (
	// DefaultReconnectTimeout bounds how long a dropped connection may
	// stay in Reconnecting before the session is declared dead.
	DefaultReconnectTimeout = 5 * time.Second

	requestTimeout = 10 * time.Second
	redialInterval = 250 * time.Millisecond
	sendQueueSize  = 64
	writeDeadline  = 5 * time.Second
)

// WS is a Transport over a websocket connection to the relay.
type WS struct {
	url  string
	self domain.PeerID

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	connStop chan struct{}
	closed   bool
	loggedIn bool
	inflight *loginAttempt
	channels map[domain.RoomID]*wsChannel
	pending  map[uint64]chan Frame

	seq  atomic.Uint64
	send chan Frame
	p2p  chan Message
	errs chan error

	reconnectTimeout time.Duration
	dialer           *websocket.Dialer
}

type loginAttempt struct {
	done chan struct{}
	err  error
}

// NewWS builds a transport for the relay at url, identifying as self.
// Nothing is dialed until Login.
func NewWS(url string, self domain.PeerID) *WS {
	return &WS{
		url:              url,
		self:             self,
		channels:         make(map[domain.RoomID]*wsChannel),
		pending:          make(map[uint64]chan Frame),
		send:             make(chan Frame, sendQueueSize),
		p2p:              make(chan Message, sendQueueSize),
		errs:             make(chan error, 4),
		reconnectTimeout: DefaultReconnectTimeout,
		dialer:           websocket.DefaultDialer,
	}
}

func (t *WS) P2P() <-chan Message { return t.p2p }
func (t *WS) Errors() <-chan error { return t.errs }

// State reports the current connection state.
func (t *WS) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Login dials and authenticates. Safe to call multiple times and from
// multiple goroutines; while one login is in flight every caller
// shares its outcome.
func (t *WS) Login(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.loggedIn && t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	if att := t.inflight; att != nil {
		t.mu.Unlock()
		return waitAttempt(ctx, att)
	}
	att := &loginAttempt{done: make(chan struct{})}
	t.inflight = att
	t.state = StateConnecting
	t.mu.Unlock()

	go t.doLogin(att)
	return waitAttempt(ctx, att)
}

func waitAttempt(ctx context.Context, att *loginAttempt) error {
	select {
	case <-att.done:
		return att.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WS) doLogin(att *loginAttempt) {
	err := t.connectAndLogin()
	t.mu.Lock()
	t.inflight = nil
	if err != nil {
		t.state = StateIdle
	} else {
		t.loggedIn = true
		t.state = StateConnected
	}
	t.mu.Unlock()
	att.err = err
	close(att.done)
	if err != nil {
		log.Error().Err(err).Str("module", "transport.ws").Msg("login failed")
	} else {
		log.Info().Str("module", "transport.ws").Str("peer", string(t.self)).Msg("logged in")
	}
}

func (t *WS) connectAndLogin() error {
	conn, _, err := t.dialer.Dial(t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	t.adoptConn(conn)
	resp, err := t.request(Frame{Type: FrameLogin, Peer: string(t.self)})
	if err != nil {
		return fmt.Errorf("login handshake: %w", err)
	}
	if resp.Type != FrameLoginOK {
		return fmt.Errorf("login rejected: %s", resp.Reason)
	}
	return nil
}

// adoptConn installs conn as the active connection and restarts both
// pumps for it. The previous pump pair, if any, is stopped.
func (t *WS) adoptConn(conn *websocket.Conn) {
	t.mu.Lock()
	if t.connStop != nil {
		close(t.connStop)
	}
	stop := make(chan struct{})
	t.conn = conn
	t.connStop = stop
	t.mu.Unlock()
	go t.writePump(conn, stop)
	go t.readPump(conn)
}

// request sends a frame and waits for the response carrying the same
// sequence number.
func (t *WS) request(f Frame) (Frame, error) {
	seq := t.seq.Add(1)
	f.Seq = seq
	ch := make(chan Frame, 1)
	t.mu.Lock()
	t.pending[seq] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, seq)
		t.mu.Unlock()
	}()
	if err := t.enqueue(f); err != nil {
		return Frame{}, err
	}
	select {
	case resp := <-ch:
		if resp.Type == FrameError {
			return resp, fmt.Errorf("relay error: %s", resp.Reason)
		}
		return resp, nil
	case <-time.After(requestTimeout):
		return Frame{}, fmt.Errorf("%s request: timeout", f.Type)
	}
}

func (t *WS) enqueue(f Frame) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	select {
	case t.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (t *WS) writePump(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case f := <-t.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			data, err := json.Marshal(f)
			if err != nil {
				log.Error().Err(err).Str("module", "transport.ws").Msg("marshal frame")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "transport.ws").Msg("write frame")
				return
			}
		}
	}
}

func (t *WS) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.onDisconnect(conn, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("module", "transport.ws").Msg("bad frame")
			continue
		}
		t.dispatch(f)
	}
}

func (t *WS) dispatch(f Frame) {
	switch f.Type {
	case FrameLoginOK, FrameJoinOK, FrameMembers, FrameError:
		t.mu.Lock()
		ch, ok := t.pending[f.Seq]
		t.mu.Unlock()
		if ok {
			ch <- f
		}
	case FrameMessage:
		msg := Message{Sender: domain.PeerID(f.Sender), Data: f.Data}
		if f.Room == "" {
			deliver(t.p2p, msg, "p2p")
			return
		}
		if ch := t.channel(domain.RoomID(f.Room)); ch != nil {
			deliver(ch.messages, msg, "channel")
		}
	case FrameJoined, FrameLeft:
		if ch := t.channel(domain.RoomID(f.Room)); ch != nil {
			ev := MemberEvent{Peer: domain.PeerID(f.Peer), Joined: f.Type == FrameJoined}
			deliver(ch.memberEvents, ev, "members")
		}
	case FrameKicked:
		if f.Reason == ReasonRemoteLogin {
			t.fatal(ErrRemoteLogin)
			return
		}
		t.fatal(fmt.Errorf("kicked: %s", f.Reason))
	default:
		log.Warn().Str("module", "transport.ws").Str("type", f.Type).Msg("unknown frame")
	}
}

func deliver[T any](ch chan T, v T, kind string) {
	select {
	case ch <- v:
	default:
		log.Warn().Str("module", "transport.ws").Str("stream", kind).Msg("slow consumer, dropping")
	}
}

func (t *WS) channel(room domain.RoomID) *wsChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.channels[room]
}

func (t *WS) onDisconnect(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.closed || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.state = StateReconnecting
	t.conn = nil
	if t.connStop != nil {
		close(t.connStop)
		t.connStop = nil
	}
	t.mu.Unlock()
	log.Warn().Err(cause).Str("module", "transport.ws").Msg("connection lost, reconnecting")
	go t.reconnectLoop()
}

// reconnectLoop tries to restore the session within the bounded
// window; past the deadline the session is fatally dead, never
// silently retried further.
func (t *WS) reconnectLoop() {
	deadline := time.Now().Add(t.reconnectTimeout)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		rooms := make([]domain.RoomID, 0, len(t.channels))
		for id := range t.channels {
			rooms = append(rooms, id)
		}
		t.mu.Unlock()

		if err := t.restoreSession(rooms); err != nil {
			log.Warn().Err(err).Str("module", "transport.ws").Msg("reconnect attempt failed")
			time.Sleep(redialInterval)
			continue
		}
		t.mu.Lock()
		t.state = StateConnected
		t.mu.Unlock()
		log.Info().Str("module", "transport.ws").Msg("reconnected")
		return
	}
	t.fatal(ErrReconnectTimeout)
}

func (t *WS) restoreSession(rooms []domain.RoomID) error {
	if err := t.connectAndLogin(); err != nil {
		return err
	}
	for _, room := range rooms {
		if _, err := t.request(Frame{Type: FrameJoin, Room: string(room)}); err != nil {
			return fmt.Errorf("rejoin %s: %w", room, err)
		}
	}
	return nil
}

func (t *WS) fatal(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	if t.connStop != nil {
		close(t.connStop)
		t.connStop = nil
	}
	t.mu.Unlock()
	log.Error().Err(err).Str("module", "transport.ws").Msg("fatal session error")
	select {
	case t.errs <- err:
	default:
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Join enters a room channel. The returned Channel stays valid across
// transparent reconnects.
func (t *WS) Join(ctx context.Context, room domain.RoomID) (Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if !t.loggedIn {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	if existing, ok := t.channels[room]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	ch := &wsChannel{
		id:           room,
		t:            t,
		messages:     make(chan Message, sendQueueSize),
		memberEvents: make(chan MemberEvent, sendQueueSize),
	}
	t.channels[room] = ch
	t.mu.Unlock()

	if _, err := t.request(Frame{Type: FrameJoin, Room: string(room)}); err != nil {
		t.mu.Lock()
		delete(t.channels, room)
		t.mu.Unlock()
		return nil, fmt.Errorf("join %s: %w", room, err)
	}
	log.Info().Str("module", "transport.ws").Str("room", string(room)).Msg("joined channel")
	return ch, nil
}

// Close tears the session down. Idempotent.
func (t *WS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	if t.connStop != nil {
		close(t.connStop)
		t.connStop = nil
	}
	t.state = StateIdle
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	log.Info().Str("module", "transport.ws").Msg("closed")
	return nil
}

type wsChannel struct {
	id           domain.RoomID
	t            *WS
	messages     chan Message
	memberEvents chan MemberEvent

	mu   sync.Mutex
	left bool
}

func (c *wsChannel) ID() domain.RoomID                { return c.id }
func (c *wsChannel) Messages() <-chan Message         { return c.messages }
func (c *wsChannel) MemberEvents() <-chan MemberEvent { return c.memberEvents }

func (c *wsChannel) Members(ctx context.Context) ([]domain.PeerID, error) {
	resp, err := c.t.request(Frame{Type: FrameMembers, Room: string(c.id)})
	if err != nil {
		return nil, err
	}
	out := make([]domain.PeerID, 0, len(resp.Members))
	for _, m := range resp.Members {
		out = append(out, domain.PeerID(m))
	}
	return out, nil
}

func (c *wsChannel) Broadcast(ctx context.Context, data []byte) error {
	return c.t.enqueue(Frame{Type: FramePublish, Room: string(c.id), Data: data})
}

func (c *wsChannel) SendTo(ctx context.Context, peer domain.PeerID, data []byte) error {
	return c.t.enqueue(Frame{Type: FrameP2P, To: string(peer), Data: data})
}

// Leave exits the channel. Idempotent.
func (c *wsChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()
	c.t.mu.Lock()
	delete(c.t.channels, c.id)
	c.t.mu.Unlock()
	return c.t.enqueue(Frame{Type: FrameLeave, Room: string(c.id)})
}
