package syncstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	remoteRequestTimeout = 10 * time.Second
	remoteWriteDeadline  = 5 * time.Second
)

// Remote is a Store backed by the relay's hosted store service over
// its own websocket. The relay serializes writes, so last-writer-wins
// order is decided there, not client side.
type Remote struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	connected map[string]bool
	pending   map[uint64]chan StoreFrame
	closed    bool

	seq     atomic.Uint64
	updates chan Update
	sendMu  sync.Mutex
}

// DialRemote connects to the relay store endpoint for one room, e.g.
// ws://relay/api/ws/store?room=r1.
func DialRemote(ctx context.Context, url string) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", url, err)
	}
	r := &Remote{
		conn:      conn,
		connected: make(map[string]bool),
		pending:   make(map[uint64]chan StoreFrame),
		updates:   make(chan Update, updateQueueSize),
	}
	go r.readPump()
	return r, nil
}

func (r *Remote) readPump() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				log.Error().Err(err).Str("module", "syncstore.remote").Msg("store connection lost")
				_ = r.Close()
			}
			return
		}
		var f StoreFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Error().Err(err).Str("module", "syncstore.remote").Msg("bad store frame")
			continue
		}
		switch f.Type {
		case StoreFrameUpdate:
			select {
			case r.updates <- Update{Namespace: f.Namespace, Changed: f.Value}:
			default:
				log.Warn().Str("module", "syncstore.remote").Str("ns", f.Namespace).Msg("slow consumer, dropping update")
			}
		case StoreFrameConnected, StoreFrameValue, StoreFrameOK, StoreFrameErr:
			r.mu.Lock()
			ch, ok := r.pending[f.Seq]
			r.mu.Unlock()
			if ok {
				ch <- f
			}
		default:
			log.Warn().Str("module", "syncstore.remote").Str("type", f.Type).Msg("unknown store frame")
		}
	}
}

func (r *Remote) request(ctx context.Context, f StoreFrame) (StoreFrame, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return StoreFrame{}, ErrStoreClosed
	}
	seq := r.seq.Add(1)
	f.Seq = seq
	ch := make(chan StoreFrame, 1)
	r.pending[seq] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
	}()

	data, err := json.Marshal(f)
	if err != nil {
		return StoreFrame{}, fmt.Errorf("marshal store frame: %w", err)
	}
	r.sendMu.Lock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(remoteWriteDeadline))
	err = r.conn.WriteMessage(websocket.TextMessage, data)
	r.sendMu.Unlock()
	if err != nil {
		return StoreFrame{}, fmt.Errorf("write store frame: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Type == StoreFrameErr {
			return StoreFrame{}, fmt.Errorf("store: %s", resp.Reason)
		}
		return resp, nil
	case <-ctx.Done():
		return StoreFrame{}, ctx.Err()
	case <-time.After(remoteRequestTimeout):
		return StoreFrame{}, fmt.Errorf("store %s: timeout", f.Type)
	}
}

func (r *Remote) Connect(ctx context.Context, namespace string, def Value) (Value, error) {
	resp, err := r.request(ctx, StoreFrame{Type: StoreFrameConnect, Namespace: namespace, Value: def})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.connected[namespace] = true
	r.mu.Unlock()
	return resp.Value, nil
}

func (r *Remote) SetPartial(ctx context.Context, namespace string, partial Value) error {
	r.mu.Lock()
	ok := r.connected[namespace]
	r.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	_, err := r.request(ctx, StoreFrame{Type: StoreFrameSet, Namespace: namespace, Value: partial})
	return err
}

func (r *Remote) Get(ctx context.Context, namespace string) (Value, error) {
	r.mu.Lock()
	ok := r.connected[namespace]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotConnected
	}
	resp, err := r.request(ctx, StoreFrame{Type: StoreFrameGet, Namespace: namespace})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (r *Remote) Updates() <-chan Update { return r.updates }

// Close is idempotent.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.conn.Close()
}
