package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/Chiesa14/erc-system-sub000/internal/gateway"
	"github.com/Chiesa14/erc-system-sub000/internal/push"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/gorilla/handlers"
)

// Chat is the chat session as seen by the bridge.
type Chat interface {
	SelfId() int
	ConnectionState() push.State
	Rooms() []types.Room
	OpenRoom(ctx context.Context, roomId int) error
	CloseRoom(roomId int)
	Messages(roomId int) ([]types.Message, bool)
	Send(ctx context.Context, req gateway.SendRequest) (types.Message, error)
	Forward(ctx context.Context, req gateway.ForwardRequest) (types.Message, error)
	Retry(ctx context.Context, token string) (types.Message, error)
	AddReaction(ctx context.Context, messageId int, emoji string) (types.Message, error)
	RemoveReaction(ctx context.Context, messageId int, emoji string) (types.Message, error)
	Typing(roomId int) ([]int, bool)
	Keystroke(roomId int) error
	Draft(roomId int) (gateway.Draft, bool)
	SetReply(roomId, messageId int) error
	SetForward(roomId, sourceRoomId, messageId int) error
	ClearDraft(roomId int)
	Submit(ctx context.Context, roomId int, content string) (types.Message, error)
}

type Options struct {
	ListenAddr     string
	AllowedOrigins []string
}

// Bridge serves the chat session to the portal front end over local
// HTTP JSON.
type Bridge struct {
	log  *log.Logger
	chat Chat
	srv  *http.Server
}

func NewBridge(mux *http.ServeMux, logger *log.Logger, chat Chat, opts Options) *Bridge {
	b := &Bridge{
		log:  logger,
		chat: chat,
	}

	mux.HandleFunc("GET /healthz", b.healthCheck)
	mux.HandleFunc("GET /api/connection", b.connection)
	mux.HandleFunc("GET /api/rooms", b.getRooms)
	mux.HandleFunc("POST /api/rooms/{id}/open", b.openRoom)
	mux.HandleFunc("DELETE /api/rooms/{id}/open", b.closeRoom)
	mux.HandleFunc("GET /api/rooms/{id}/messages", b.getMessages)
	mux.HandleFunc("POST /api/rooms/{id}/messages", b.sendMessage)
	mux.HandleFunc("POST /api/rooms/{id}/forward", b.forwardMessage)
	mux.HandleFunc("POST /api/messages/{token}/retry", b.retryMessage)
	mux.HandleFunc("POST /api/messages/{id}/reactions", b.addReaction)
	mux.HandleFunc("DELETE /api/messages/{id}/reactions", b.removeReaction)
	mux.HandleFunc("GET /api/rooms/{id}/typing", b.getTyping)
	mux.HandleFunc("POST /api/rooms/{id}/keystroke", b.keystroke)
	mux.HandleFunc("GET /api/rooms/{id}/draft", b.getDraft)
	mux.HandleFunc("PUT /api/rooms/{id}/draft", b.setDraft)
	mux.HandleFunc("DELETE /api/rooms/{id}/draft", b.clearDraft)
	mux.HandleFunc("POST /api/rooms/{id}/submit", b.submitDraft)
	mux.HandleFunc("GET /api/reactions", b.getReactions)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(opts.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(noStore(mux))

	h = handlers.LoggingHandler(logger.Writer(), h)
	h = b.errorHandler(h)

	b.srv = &http.Server{
		Addr:    opts.ListenAddr,
		Handler: h,
	}

	return b
}

func (b *Bridge) Handler() http.Handler {
	return b.srv.Handler
}

func (b *Bridge) Start() error {
	b.log.Printf("starting bridge on %s\n", b.srv.Addr)
	return b.srv.ListenAndServe()
}

func (b *Bridge) Shutdown(ctx context.Context) error {
	b.log.Println("shutting down HTTP server...")
	if err := b.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
