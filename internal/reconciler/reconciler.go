package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/Chiesa14/erc-system-sub000/internal/push"
	"github.com/Chiesa14/erc-system-sub000/internal/rest"
	"github.com/Chiesa14/erc-system-sub000/internal/stats"
	"github.com/Chiesa14/erc-system-sub000/internal/store"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
)

const DefaultHistoryLimit = 50

// Reconciler keeps the store in line with the server. It applies push
// events in arrival order and, after every handshake, re-fetches the
// history of each open room because the push channel never replays
// what was missed.
type Reconciler struct {
	store        *store.Store
	api          rest.ChatAPI
	selfId       int
	historyLimit int
	stats        stats.StatsProvider
	log          *log.Logger

	mu   sync.Mutex
	open map[int]bool
}

var _ push.Handler = (*Reconciler)(nil)

func New(st *store.Store, api rest.ChatAPI, selfId, historyLimit int, su stats.StatsProvider, logger *log.Logger) *Reconciler {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	return &Reconciler{
		store:        st,
		api:          api,
		selfId:       selfId,
		historyLimit: historyLimit,
		stats:        su,
		log:          logger,
		open:         make(map[int]bool),
	}
}

// RefreshRooms reloads the room list. Open rooms that disappeared are
// closed.
func (r *Reconciler) RefreshRooms(ctx context.Context) error {
	rooms, err := r.api.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	n := r.store.SetRooms(rooms)
	r.log.Printf("loaded %d rooms", n)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.open {
		if _, ok := r.store.Room(id); !ok {
			r.log.Printf("room %d is gone, closing it", id)
			delete(r.open, id)
		}
	}

	return nil
}

// OpenRoom loads the latest history of a room and keeps it fresh across
// reconnects until CloseRoom.
func (r *Reconciler) OpenRoom(ctx context.Context, roomId int) error {
	if _, ok := r.store.Room(roomId); !ok {
		return fmt.Errorf("%w: room %d is unknown", types.ErrValidationFailed, roomId)
	}

	if err := r.loadHistory(ctx, roomId); err != nil {
		return err
	}

	r.mu.Lock()
	r.open[roomId] = true
	r.mu.Unlock()

	return nil
}

func (r *Reconciler) CloseRoom(roomId int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, roomId)
}

func (r *Reconciler) OpenRooms() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int, 0, len(r.open))
	for id := range r.open {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return ids
}

// loadHistory fetches the latest history of a room. Events applied while
// the request is in flight are kept over the fetched copy.
func (r *Reconciler) loadHistory(ctx context.Context, roomId int) error {
	mark, err := r.store.Mark(roomId)
	if err != nil {
		return fmt.Errorf("apply room %d: %w", roomId, err)
	}

	msgs, err := r.api.FetchMessages(ctx, roomId, r.historyLimit)
	if errors.Is(err, rest.ErrMalformedResponse) {
		r.log.Printf("history of room %d unusable, keeping local copy: %v", roomId, err)
		r.stats.Incr(stats.MalformedEvents)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch room %d: %w", roomId, err)
	}

	if err := r.store.ApplySnapshotSince(roomId, mark, msgs); err != nil {
		return fmt.Errorf("apply room %d: %w", roomId, err)
	}

	return nil
}

// HandleOpen resyncs the room list and every open room. Any failure fails
// the handshake so the push client retries it.
func (r *Reconciler) HandleOpen(ctx context.Context, reconnected bool) error {
	if err := r.RefreshRooms(ctx); err != nil {
		return err
	}

	rooms := r.OpenRooms()
	for _, id := range rooms {
		if err := r.loadHistory(ctx, id); err != nil {
			return err
		}
	}

	if reconnected {
		r.log.Printf("resynced %d open rooms after reconnect", len(rooms))
	}

	return nil
}

// HandleDrop forgets typing indicators; nobody can be trusted to still be
// typing once the channel is gone.
func (r *Reconciler) HandleDrop(err error) {
	r.store.ClearTyping()
}

func (r *Reconciler) HandleEvent(ev push.Event) {
	if err := r.apply(ev); err != nil {
		r.log.Printf("dropping %s event: %v", ev.Type, err)
		if errors.Is(err, types.ErrReconcileMismatch) {
			r.stats.Incr(stats.ReconcileMismatches)
		} else {
			r.stats.Incr(stats.MalformedEvents)
		}
	}
}

func (r *Reconciler) apply(ev push.Event) error {
	switch ev.Type {
	case push.MessageCreated, push.MessageUpdated:
		outcome, err := r.store.Reconcile(*ev.Message, "")
		if err != nil {
			return err
		}
		if outcome == store.OutcomeReplaced {
			r.stats.Incr(stats.ConfirmedMessages)
		}
	case push.MessageDeleted:
		found, err := r.store.DeleteMessage(ev.Deletion.RoomId, ev.Deletion.MessageId)
		if err != nil {
			return err
		}
		if !found {
			r.log.Printf("delete of message %d in room %d: not loaded", ev.Deletion.MessageId, ev.Deletion.RoomId)
		}
	case push.ReactionAdded:
		_, err := r.store.AddReaction(*ev.Reaction)
		return err
	case push.ReactionRemoved:
		_, err := r.store.RemoveReaction(*ev.Reaction)
		return err
	case push.TypingChanged:
		if ev.Typing.UserId == r.selfId {
			return nil
		}
		return r.store.SetTyping(ev.Typing.RoomId, ev.Typing.UserId, ev.Typing.IsTyping)
	default:
		return fmt.Errorf("%w: %q", push.ErrUnknownEvent, ev.Type)
	}

	return nil
}
