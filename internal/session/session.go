package session

import (
	"context"
	"fmt"
	"log"

	"github.com/Chiesa14/erc-system-sub000/internal/api"
	"github.com/Chiesa14/erc-system-sub000/internal/auth"
	"github.com/Chiesa14/erc-system-sub000/internal/clock"
	"github.com/Chiesa14/erc-system-sub000/internal/config"
	"github.com/Chiesa14/erc-system-sub000/internal/gateway"
	"github.com/Chiesa14/erc-system-sub000/internal/push"
	"github.com/Chiesa14/erc-system-sub000/internal/reconciler"
	"github.com/Chiesa14/erc-system-sub000/internal/rest"
	"github.com/Chiesa14/erc-system-sub000/internal/stats"
	"github.com/Chiesa14/erc-system-sub000/internal/store"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
)

// Session is the chat state of one authenticated user. Nothing in it is
// shared with other sessions.
type Session struct {
	creds      *auth.Credentials
	store      *store.Store
	reconciler *reconciler.Reconciler
	push       *push.Client
	gateway    *gateway.Gateway
	log        *log.Logger
}

var _ api.Chat = (*Session)(nil)

func New(cfg *config.Config, su stats.StatsProvider, logger *log.Logger) (*Session, error) {
	creds, err := auth.NewCredentials(cfg.AuthToken, cfg.UserId)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	client := rest.NewClient(cfg.APIBaseURL, creds, rest.Options{
		Timeout: cfg.RequestTimeout,
		Rate:    cfg.RequestRate,
		Burst:   cfg.RequestBurst,
	}, logger)

	return newSession(cfg, creds, client, clock.Real{}, su, logger), nil
}

func newSession(cfg *config.Config, creds *auth.Credentials, client rest.ChatAPI, c clock.Clock, su stats.StatsProvider, logger *log.Logger) *Session {
	st := store.NewStore(logger)
	rec := reconciler.New(st, client, creds.UserId(), cfg.HistoryLimit, su, logger)

	pc := push.NewClient(cfg.PushURL, creds, rec, push.Options{
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	}, su, logger)

	gw := gateway.New(st, client, creds, pc, c, gateway.Options{TypingWindow: cfg.TypingWindow}, su, logger)
	pc.OnOpen(gw.ResumeTyping)

	return &Session{
		creds:      creds,
		store:      st,
		reconciler: rec,
		push:       pc,
		gateway:    gw,
		log:        logger,
	}
}

// Run keeps the push channel up until ctx is done or Logout is called.
func (s *Session) Run(ctx context.Context) error {
	return s.push.Run(ctx)
}

// Logout stops typing everywhere, closes the push channel and forgets the
// token. Later calls fail with types.ErrAuthMissing.
func (s *Session) Logout() {
	s.gateway.StopTyping()
	s.push.Close()
	s.creds.Revoke()
	s.log.Printf("user %d logged out", s.creds.UserId())
}

func (s *Session) SelfId() int {
	return s.creds.UserId()
}

func (s *Session) ConnectionState() push.State {
	return s.push.State()
}

func (s *Session) Rooms() []types.Room {
	return s.store.Rooms()
}

func (s *Session) OpenRoom(ctx context.Context, roomId int) error {
	return s.reconciler.OpenRoom(ctx, roomId)
}

func (s *Session) CloseRoom(roomId int) {
	s.reconciler.CloseRoom(roomId)
}

func (s *Session) Messages(roomId int) ([]types.Message, bool) {
	if _, ok := s.store.Room(roomId); !ok {
		return nil, false
	}
	return s.store.Messages(roomId), true
}

func (s *Session) Send(ctx context.Context, req gateway.SendRequest) (types.Message, error) {
	return s.gateway.SendMessage(ctx, req)
}

func (s *Session) Forward(ctx context.Context, req gateway.ForwardRequest) (types.Message, error) {
	return s.gateway.Forward(ctx, req)
}

func (s *Session) Retry(ctx context.Context, token string) (types.Message, error) {
	return s.gateway.Retry(ctx, token)
}

func (s *Session) AddReaction(ctx context.Context, messageId int, emoji string) (types.Message, error) {
	return s.gateway.AddReaction(ctx, messageId, emoji)
}

func (s *Session) RemoveReaction(ctx context.Context, messageId int, emoji string) (types.Message, error) {
	return s.gateway.RemoveReaction(ctx, messageId, emoji)
}

// Typing lists the other users typing in roomId.
func (s *Session) Typing(roomId int) ([]int, bool) {
	if _, ok := s.store.Room(roomId); !ok {
		return nil, false
	}
	return s.store.Typing(roomId, s.creds.UserId()), true
}

func (s *Session) Keystroke(roomId int) error {
	return s.gateway.Keystroke(roomId)
}

// Draft returns the compose context of a loaded room.
func (s *Session) Draft(roomId int) (gateway.Draft, bool) {
	if _, ok := s.store.Room(roomId); !ok {
		return gateway.Draft{}, false
	}
	return s.gateway.Draft(roomId), true
}

func (s *Session) SetReply(roomId, messageId int) error {
	return s.gateway.SetReply(roomId, messageId)
}

func (s *Session) SetForward(roomId, sourceRoomId, messageId int) error {
	return s.gateway.SetForward(roomId, sourceRoomId, messageId)
}

func (s *Session) ClearDraft(roomId int) {
	s.gateway.ClearDraft(roomId)
}

func (s *Session) Submit(ctx context.Context, roomId int, content string) (types.Message, error) {
	return s.gateway.Submit(ctx, roomId, content)
}
