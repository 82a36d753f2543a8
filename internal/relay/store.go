package relay

import (
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclass/classroom/internal/syncstore"
)

// StoreService hosts the shared store for every room. One mutex
// serializes all writes, which is exactly what gives each key its
// last-writer-wins order; update frames fan out to every client
// connected to the namespace, the writer included.
type StoreService struct {
	mu         sync.Mutex
	namespaces map[string]syncstore.Value
	clients    map[*storeClient]struct{}
}

func NewStoreService() *StoreService {
	return &StoreService{
		namespaces: make(map[string]syncstore.Value),
		clients:    make(map[*storeClient]struct{}),
	}
}

// Serve owns the connection for one store client until it dies.
// Namespaces are scoped by room so different rooms never collide.
func (s *StoreService) Serve(conn *websocket.Conn, room string) {
	c := &storeClient{
		svc:       s,
		room:      room,
		conn:      conn,
		connected: make(map[string]bool),
		send:      make(chan syncstore.StoreFrame, sessionSendQueue),
		stop:      make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	defer c.close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f syncstore.StoreFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "relay.store").Msg("bad store frame")
			continue
		}
		c.handle(f)
	}
}

func (s *StoreService) scoped(room, ns string) string { return room + "/" + ns }

func (s *StoreService) connect(c *storeClient, ns string, def syncstore.Value) syncstore.Value {
	key := s.scoped(c.room, ns)
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.namespaces[key]
	if !ok {
		val = def.Clone()
		s.namespaces[key] = val
	}
	c.connected[ns] = true
	return val.Clone()
}

func (s *StoreService) setPartial(c *storeClient, ns string, partial syncstore.Value) {
	key := s.scoped(c.room, ns)
	s.mu.Lock()
	val, ok := s.namespaces[key]
	if !ok {
		val = make(syncstore.Value)
		s.namespaces[key] = val
	}
	changed := make(syncstore.Value, len(partial))
	for k, raw := range partial {
		val[k] = raw
		changed[k] = raw
	}
	targets := make([]*storeClient, 0, len(s.clients))
	for other := range s.clients {
		if other.room == c.room && other.connected[ns] {
			targets = append(targets, other)
		}
	}
	s.mu.Unlock()
	update := syncstore.StoreFrame{Type: syncstore.StoreFrameUpdate, Namespace: ns, Value: changed}
	for _, t := range targets {
		t.trySend(update)
	}
}

func (s *StoreService) get(room, ns string) (syncstore.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.namespaces[s.scoped(room, ns)]
	if !ok {
		return nil, false
	}
	return val.Clone(), true
}

type storeClient struct {
	svc  *StoreService
	room string
	conn *websocket.Conn

	// connected is only touched under svc.mu.
	connected map[string]bool

	send chan syncstore.StoreFrame
	once sync.Once
	stop chan struct{}
}

func (c *storeClient) handle(f syncstore.StoreFrame) {
	switch f.Type {
	case syncstore.StoreFrameConnect:
		val := c.svc.connect(c, f.Namespace, f.Value)
		c.trySend(syncstore.StoreFrame{Type: syncstore.StoreFrameConnected, Seq: f.Seq, Namespace: f.Namespace, Value: val})
	case syncstore.StoreFrameSet:
		c.svc.setPartial(c, f.Namespace, f.Value)
		c.trySend(syncstore.StoreFrame{Type: syncstore.StoreFrameOK, Seq: f.Seq, Namespace: f.Namespace})
	case syncstore.StoreFrameGet:
		val, ok := c.svc.get(c.room, f.Namespace)
		if !ok {
			c.trySend(syncstore.StoreFrame{Type: syncstore.StoreFrameErr, Seq: f.Seq, Reason: "unknown namespace"})
			return
		}
		c.trySend(syncstore.StoreFrame{Type: syncstore.StoreFrameValue, Seq: f.Seq, Namespace: f.Namespace, Value: val})
	default:
		c.trySend(syncstore.StoreFrame{Type: syncstore.StoreFrameErr, Seq: f.Seq, Reason: "unknown store frame " + f.Type})
	}
}

func (c *storeClient) trySend(f syncstore.StoreFrame) {
	select {
	case c.send <- f:
	default:
		log.Warn().Str("module", "relay.store").Str("room", c.room).Msg("slow store client, dropping frame")
	}
}

func (c *storeClient) close() {
	c.once.Do(func() {
		c.svc.mu.Lock()
		delete(c.svc.clients, c)
		c.svc.mu.Unlock()
		close(c.stop)
		_ = c.conn.Close()
	})
}

func (c *storeClient) writePump() {
	for {
		select {
		case <-c.stop:
			return
		case f := <-c.send:
			data, err := json.Marshal(f)
			if err != nil {
				log.Error().Err(err).Str("module", "relay.store").Msg("marshal store frame")
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
