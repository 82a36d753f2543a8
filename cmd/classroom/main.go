// Demo room client: joins a classroom through the relay, prints every
// coordinator event and, as the owner, can start the class right away.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/openclass/classroom/internal/api"
	"github.com/openclass/classroom/internal/classroom"
	"github.com/openclass/classroom/internal/config"
	"github.com/openclass/classroom/internal/domain"
	"github.com/openclass/classroom/internal/syncstore"
	"github.com/openclass/classroom/internal/transport"
)

// nullBackend stands in when no REST backend is configured: lifecycle
// transitions are accepted as-is and names echo the peer id.
type nullBackend struct{}

func (nullBackend) UpdateRoomStatus(context.Context, domain.RoomID, domain.Lifecycle) error {
	return nil
}

func (nullBackend) FetchMembers(_ context.Context, _ domain.RoomID, ids []domain.PeerID) (map[domain.PeerID]domain.UserInfo, error) {
	out := make(map[domain.PeerID]domain.UserInfo, len(ids))
	for _, id := range ids {
		out[id] = domain.UserInfo{Name: string(id)}
	}
	return out, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	peer := pflag.String("peer", "", "peer id (random when empty)")
	name := pflag.String("name", "guest", "display name")
	room := pflag.String("room", "", "room id (overrides config)")
	owner := pflag.String("owner", "", "owner peer id for the room")
	start := pflag.Bool("start", false, "start the class after joining (owner only)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *room != "" {
		cfg.Client.Room = *room
	}
	self := domain.PeerID(*peer)
	if self == "" {
		self = domain.PeerID(uuid.NewString())
	}
	ownerID := domain.PeerID(*owner)
	if ownerID == "" {
		ownerID = self
	}

	var backend classroom.Backend = nullBackend{}
	if cfg.Client.BackendURL != "" {
		backend = api.NewClient(cfg.Client.BackendURL)
	}

	tr := transport.NewWS(cfg.Client.RelayURL+"/api/ws", self)
	defer tr.Close()
	store, err := syncstore.DialRemote(ctx, cfg.Client.RelayURL+"/api/ws/store?room="+cfg.Client.Room)
	if err != nil {
		log.Fatal().Err(err).Msg("store dial failed")
	}

	coord := classroom.New(classroom.Config{
		Self:         self,
		Info:         domain.UserInfo{Name: *name},
		Room:         domain.RoomID(cfg.Client.Room),
		Owner:        ownerID,
		MaxOnStage:   cfg.Client.MaxOnStage,
		SnapshotWait: cfg.Client.SnapshotWait,
	}, tr, store, backend)

	if err := coord.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	log.Info().Str("peer", string(self)).Str("room", cfg.Client.Room).Msg("joined")

	events, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	if *start && self == ownerID {
		if err := coord.StartClass(ctx); err != nil {
			log.Error().Err(err).Msg("start class failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("leaving room")
			leaveCtx := context.Background()
			if err := coord.Leave(leaveCtx); err != nil {
				log.Error().Err(err).Msg("leave failed")
			}
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			printEvent(coord, ev)
			if ev.Kind == classroom.EventMustLeave || ev.Kind == classroom.EventSessionError {
				_ = coord.Leave(context.Background())
				return
			}
		}
	}
}

func printEvent(coord *classroom.Coordinator, ev classroom.Event) {
	e := log.Info().Stringer("event", ev.Kind)
	switch ev.Kind {
	case classroom.EventRoomUpdated:
		s := coord.State()
		e.Str("lifecycle", string(s.Lifecycle)).Str("mode", string(s.Mode)).Bool("banned", s.MessagesBanned)
	case classroom.EventUserUpdated:
		if u, ok := coord.User(ev.Peer); ok {
			e.Str("peer", string(ev.Peer)).Str("name", u.Name).
				Bool("speaking", u.Status.IsSpeaking).Bool("hand", u.Status.IsRaisingHand).
				Bool("camera", u.Status.Camera).Bool("mic", u.Status.Mic)
		}
	case classroom.EventUserLeft:
		e.Str("peer", string(ev.Peer))
	case classroom.EventNotice:
		e.Str("notice", ev.Notice)
	case classroom.EventSessionError:
		e.AnErr("cause", ev.Err)
	}
	e.Msg("room event")
}
