package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Chiesa14/erc-system-sub000/internal/auth"
	"github.com/Chiesa14/erc-system-sub000/internal/clock"
	"github.com/Chiesa14/erc-system-sub000/internal/rest"
	"github.com/Chiesa14/erc-system-sub000/internal/stats"
	"github.com/Chiesa14/erc-system-sub000/internal/store"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/Chiesa14/erc-system-sub000/internal/typing"
)

// Signaler delivers the local user's typing frames.
type Signaler interface {
	SendTyping(roomId int, typing bool) error
}

type SendRequest struct {
	RoomId           int                  `json:"room_id"`
	Content          string               `json:"content"`
	ReplyToMessageId int                  `json:"reply_to_message_id,omitempty"`
	ForwardedFrom    *types.ForwardedFrom `json:"forwarded_from,omitempty"`
}

type ForwardRequest struct {
	SourceRoomId int `json:"source_room_id"`
	MessageId    int `json:"message_id"`
	TargetRoomId int `json:"target_room_id"`
}

type Options struct {
	TypingWindow time.Duration
}

// Gateway turns user actions into optimistic store updates followed by
// REST calls, and settles the optimistic state with the outcome.
type Gateway struct {
	store    *store.Store
	api      rest.ChatAPI
	identity auth.Identity
	signaler Signaler
	clock    clock.Clock
	typing   *typing.Coordinator
	stats    stats.StatsProvider
	log      *log.Logger

	mu     sync.Mutex
	drafts map[int]Draft
}

func New(st *store.Store, api rest.ChatAPI, identity auth.Identity, signaler Signaler, c clock.Clock, opts Options, su stats.StatsProvider, logger *log.Logger) *Gateway {
	g := &Gateway{
		store:    st,
		api:      api,
		identity: identity,
		signaler: signaler,
		clock:    c,
		stats:    su,
		log:      logger,
		drafts:   make(map[int]Draft),
	}
	g.typing = typing.NewCoordinator(c, opts.TypingWindow, g.emitTyping, logger)

	return g
}

func (g *Gateway) emitTyping(s typing.Signal) {
	if err := g.signaler.SendTyping(s.RoomId, s.Typing); err != nil {
		g.log.Printf("dropping typing signal for room %d: %v", s.RoomId, err)
	}
}

func (g *Gateway) selfId() int {
	return g.identity.UserId()
}

func (g *Gateway) requireToken() error {
	if _, err := g.identity.Token(); err != nil {
		return types.ErrAuthMissing
	}
	return nil
}

func (g *Gateway) requireRoom(roomId int) error {
	if _, ok := g.store.Room(roomId); !ok {
		return fmt.Errorf("%w: room %d is unknown", types.ErrValidationFailed, roomId)
	}
	return nil
}

// confirmedIn returns a server-confirmed message of roomId.
func (g *Gateway) confirmedIn(roomId, messageId int) (types.Message, error) {
	m, ok := g.store.Message(roomId, messageId)
	if !ok || !m.IsConfirmed() {
		return types.Message{}, fmt.Errorf("%w: message %d is not a confirmed message of room %d", types.ErrValidationFailed, messageId, roomId)
	}
	return m, nil
}

func (g *Gateway) forwardSource(sourceRoomId, messageId, targetRoomId int) (types.Message, error) {
	if sourceRoomId == targetRoomId {
		return types.Message{}, fmt.Errorf("%w: cannot forward a message into its own room", types.ErrValidationFailed)
	}
	return g.confirmedIn(sourceRoomId, messageId)
}

// checkForward rejects a forward whose source is missing or whose content
// differs from the source message.
func (g *Gateway) checkForward(sourceRoomId, messageId, targetRoomId int, content string) error {
	src, err := g.forwardSource(sourceRoomId, messageId, targetRoomId)
	if err != nil {
		return err
	}
	if src.Content != content {
		return fmt.Errorf("%w: forwarded content differs from message %d", types.ErrValidationFailed, messageId)
	}
	return nil
}

// SendMessage shows the message at once as pending and posts it. The
// returned message is the local entry after the call settled; on failure
// it is the failed entry and the error is returned alongside.
func (g *Gateway) SendMessage(ctx context.Context, req SendRequest) (types.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return types.Message{}, fmt.Errorf("%w: content cannot be empty", types.ErrValidationFailed)
	}
	if err := g.requireToken(); err != nil {
		return types.Message{}, err
	}
	if err := g.requireRoom(req.RoomId); err != nil {
		return types.Message{}, err
	}
	if req.ReplyToMessageId != 0 && req.ForwardedFrom != nil {
		return types.Message{}, fmt.Errorf("%w: a message cannot both reply and forward", types.ErrValidationFailed)
	}
	if req.ReplyToMessageId != 0 {
		if _, err := g.confirmedIn(req.RoomId, req.ReplyToMessageId); err != nil {
			return types.Message{}, err
		}
	}
	if ff := req.ForwardedFrom; ff != nil {
		if err := g.checkForward(ff.RoomId, ff.MessageId, req.RoomId, req.Content); err != nil {
			return types.Message{}, err
		}
	}

	draft := types.Message{
		RoomId:           req.RoomId,
		SenderId:         g.selfId(),
		Content:          req.Content,
		CreatedAt:        g.clock.Now(),
		ReplyToMessageId: req.ReplyToMessageId,
		ForwardedFrom:    req.ForwardedFrom,
	}

	token, err := g.store.AppendOptimistic(draft)
	if err != nil {
		return types.Message{}, err
	}
	g.stats.Incr(stats.OptimisticSends)
	g.typing.MessageSent(req.RoomId)

	return g.deliver(ctx, token, draft)
}

// Reply sends content as a reply to a confirmed message of the same room.
func (g *Gateway) Reply(ctx context.Context, roomId, replyToMessageId int, content string) (types.Message, error) {
	if replyToMessageId <= 0 {
		return types.Message{}, fmt.Errorf("%w: reply needs a message id", types.ErrValidationFailed)
	}

	return g.SendMessage(ctx, SendRequest{RoomId: roomId, Content: content, ReplyToMessageId: replyToMessageId})
}

// Forward copies a confirmed message into another room. The source
// message is left untouched.
func (g *Gateway) Forward(ctx context.Context, req ForwardRequest) (types.Message, error) {
	src, err := g.forwardSource(req.SourceRoomId, req.MessageId, req.TargetRoomId)
	if err != nil {
		return types.Message{}, err
	}

	return g.SendMessage(ctx, SendRequest{
		RoomId:        req.TargetRoomId,
		Content:       src.Content,
		ForwardedFrom: &types.ForwardedFrom{MessageId: src.Id, RoomId: req.SourceRoomId},
	})
}

// Retry re-sends a failed, retryable message with its original token.
func (g *Gateway) Retry(ctx context.Context, token string) (types.Message, error) {
	m, ok := g.store.MessageByToken(token)
	if !ok {
		return types.Message{}, fmt.Errorf("%w: no message with token %q", types.ErrValidationFailed, token)
	}
	if m.Status != types.StatusFailed || !m.Retryable {
		return types.Message{}, fmt.Errorf("%w: message %q is not retryable", types.ErrValidationFailed, token)
	}
	if err := g.requireToken(); err != nil {
		return types.Message{}, err
	}

	m, ok = g.store.MarkPending(token)
	if !ok {
		return types.Message{}, fmt.Errorf("%w: message %q is no longer pending", types.ErrValidationFailed, token)
	}

	return g.deliver(ctx, token, m)
}

// deliver posts a pending message. Once issued the request is not
// cancelled with ctx.
func (g *Gateway) deliver(ctx context.Context, token string, draft types.Message) (types.Message, error) {
	serverMsg, err := g.api.CreateMessage(context.WithoutCancel(ctx), rest.CreateMessageRequest{
		RoomId:           draft.RoomId,
		Content:          draft.Content,
		ReplyToMessageId: draft.ReplyToMessageId,
		ForwardedFrom:    draft.ForwardedFrom,
		ClientToken:      token,
	})

	if errors.Is(err, rest.ErrMalformedResponse) {
		g.log.Printf("send %s: %v, waiting for the push echo", token, err)
		return g.local(token, draft), nil
	}

	if err != nil {
		retryable := types.IsRetryable(err)
		g.store.MarkFailed(token, err, retryable)
		g.stats.Incr(stats.FailedSends)
		g.log.Printf("send %s to room %d failed (retryable %t): %v", token, draft.RoomId, retryable, err)
		return g.local(token, draft), fmt.Errorf("send message: %w", err)
	}

	outcome, err := g.store.Reconcile(serverMsg, token)
	if err != nil {
		g.log.Printf("send %s: confirmed as %d but not reconciled: %v", token, serverMsg.Id, err)
		return serverMsg, nil
	}
	if outcome == store.OutcomeReplaced {
		g.stats.Incr(stats.ConfirmedMessages)
	}

	return g.local(token, serverMsg), nil
}

func (g *Gateway) local(token string, fallback types.Message) types.Message {
	if m, ok := g.store.MessageByToken(token); ok {
		return m
	}
	return fallback
}

func (g *Gateway) validateReaction(messageId int, emoji string) (types.Message, error) {
	if messageId == 0 {
		g.log.Printf("reaction %q without a message id", emoji)
		return types.Message{}, fmt.Errorf("%w: reaction needs a message id", types.ErrValidationFailed)
	}
	if err := g.requireToken(); err != nil {
		return types.Message{}, err
	}
	if !types.IsAllowedEmoji(emoji) {
		return types.Message{}, fmt.Errorf("%w: emoji %q is not allowed", types.ErrValidationFailed, emoji)
	}

	m, ok := g.store.FindMessage(messageId)
	if !ok || !m.IsConfirmed() {
		return types.Message{}, fmt.Errorf("%w: message %d is unknown", types.ErrValidationFailed, messageId)
	}

	return m, nil
}

// AddReaction reacts with emoji as the local user. Reacting twice with the
// same emoji is a no-op; a failed call rolls the optimistic reaction back.
func (g *Gateway) AddReaction(ctx context.Context, messageId int, emoji string) (types.Message, error) {
	m, err := g.validateReaction(messageId, emoji)
	if err != nil {
		return types.Message{}, err
	}

	self := g.selfId()
	if m.HasReaction(self, emoji) {
		return m, nil
	}

	r := types.Reaction{MessageId: messageId, UserId: self, Emoji: emoji}
	added, err := g.store.AddReaction(r)
	if err != nil {
		return types.Message{}, err
	}

	res, err := g.api.AddReaction(context.WithoutCancel(ctx), messageId, emoji)
	if err != nil && !errors.Is(err, rest.ErrMalformedResponse) {
		if added {
			g.store.RemoveReaction(r)
		}
		g.log.Printf("reaction %s on message %d failed: %v", emoji, messageId, err)
		return g.current(m), fmt.Errorf("add reaction: %w", err)
	}

	g.applyReactionResult(res, func(r types.Reaction) { g.store.AddReaction(r) })
	return g.current(m), nil
}

// RemoveReaction withdraws the local user's emoji reaction.
func (g *Gateway) RemoveReaction(ctx context.Context, messageId int, emoji string) (types.Message, error) {
	m, err := g.validateReaction(messageId, emoji)
	if err != nil {
		return types.Message{}, err
	}

	self := g.selfId()
	var existing types.Reaction
	found := false
	for _, r := range m.Reactions {
		if r.UserId == self && r.Emoji == emoji {
			existing, found = r, true
			break
		}
	}
	if !found {
		return m, nil
	}

	if _, err := g.store.RemoveReaction(existing); err != nil {
		return types.Message{}, err
	}

	res, err := g.api.RemoveReaction(context.WithoutCancel(ctx), messageId, emoji)
	if err != nil && !errors.Is(err, rest.ErrMalformedResponse) {
		g.store.AddReaction(existing)
		g.log.Printf("removing reaction %s on message %d failed: %v", emoji, messageId, err)
		return g.current(m), fmt.Errorf("remove reaction: %w", err)
	}

	g.applyReactionResult(res, func(r types.Reaction) { g.store.RemoveReaction(r) })
	return g.current(m), nil
}

func (g *Gateway) applyReactionResult(res rest.ReactionResult, apply func(types.Reaction)) {
	switch {
	case res.Message != nil:
		if _, err := g.store.Reconcile(*res.Message, ""); err != nil {
			g.log.Printf("reaction response for message %d: %v", res.Message.Id, err)
		}
	case res.Reaction != nil:
		apply(*res.Reaction)
	}
}

func (g *Gateway) current(m types.Message) types.Message {
	if cur, ok := g.store.Message(m.RoomId, m.Id); ok {
		return cur
	}
	return m
}

// Keystroke notes local typing activity in a room.
func (g *Gateway) Keystroke(roomId int) error {
	if err := g.requireRoom(roomId); err != nil {
		return err
	}

	g.typing.Keystroke(roomId)
	return nil
}

func (g *Gateway) TypingState(roomId int) typing.State {
	return g.typing.State(roomId)
}

// ResumeTyping repeats start_typing for rooms the user is still typing
// in, for a push channel that just reconnected.
func (g *Gateway) ResumeTyping() {
	g.typing.Resume()
}

// StopTyping ends local typing everywhere, e.g. on logout.
func (g *Gateway) StopTyping() {
	g.typing.StopAll()
}
