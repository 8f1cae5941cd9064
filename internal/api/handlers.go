package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Chiesa14/erc-system-sub000/internal/gateway"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
)

type RoomResponse struct {
	types.Room
	DisplayName string `json:"display_name"`
}

type ConnectionResponse struct {
	State  string `json:"state"`
	UserId int    `json:"user_id"`
}

type SendMessageRequest struct {
	Content          string `json:"content"`
	ReplyToMessageId int    `json:"reply_to_message_id,omitempty"`
}

type ForwardMessageRequest struct {
	SourceRoomId int `json:"source_room_id"`
	MessageId    int `json:"message_id"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji"`
}

// DraftRequest sets the compose context of a room: either a reply or a
// forward, never both.
type DraftRequest struct {
	ReplyToMessageId int                    `json:"reply_to_message_id,omitempty"`
	Forward          *ForwardMessageRequest `json:"forward,omitempty"`
}

type SubmitRequest struct {
	Content string `json:"content"`
}

type TypingResponse struct {
	RoomId  int   `json:"room_id"`
	UserIds []int `json:"user_ids"`
}

func (b *Bridge) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		b.log.Printf("json encode: %v", err)
	}
}

func (b *Bridge) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		b.log.Println(errResp.Error())
	}
	b.writeJson(w, errResp.StatusCode, errResp)
}

func pathId(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(r.PathValue(name))
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

func (b *Bridge) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (b *Bridge) connection(w http.ResponseWriter, _ *http.Request) {
	b.writeJson(w, http.StatusOK, ConnectionResponse{
		State:  b.chat.ConnectionState().String(),
		UserId: b.chat.SelfId(),
	})
}

func (b *Bridge) getRooms(w http.ResponseWriter, _ *http.Request) {
	selfId := b.chat.SelfId()

	rooms := b.chat.Rooms()
	resp := make([]RoomResponse, len(rooms))
	for i, r := range rooms {
		resp[i] = RoomResponse{Room: r, DisplayName: r.DisplayName(selfId)}
	}

	b.writeJson(w, http.StatusOK, resp)
}

func (b *Bridge) openRoom(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	if err := b.chat.OpenRoom(r.Context(), roomId); err != nil {
		b.writeError(w, errorFromChat(err))
		return
	}

	msgs, _ := b.chat.Messages(roomId)
	b.writeJson(w, http.StatusOK, msgs)
}

func (b *Bridge) closeRoom(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	b.chat.CloseRoom(roomId)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) getMessages(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	msgs, ok := b.chat.Messages(roomId)
	if !ok {
		b.writeError(w, NewNotFoundError())
		return
	}

	b.writeJson(w, http.StatusOK, msgs)
}

func (b *Bridge) sendMessage(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	msg, err := b.chat.Send(r.Context(), gateway.SendRequest{
		RoomId:           roomId,
		Content:          req.Content,
		ReplyToMessageId: req.ReplyToMessageId,
	})
	if err != nil {
		b.writeError(w, errorFromChat(err))
		return
	}

	b.writeJson(w, statusFor(msg), msg)
}

func (b *Bridge) forwardMessage(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	var req ForwardMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	msg, err := b.chat.Forward(r.Context(), gateway.ForwardRequest{
		SourceRoomId: req.SourceRoomId,
		MessageId:    req.MessageId,
		TargetRoomId: roomId,
	})
	if err != nil {
		b.writeError(w, errorFromChat(err))
		return
	}

	b.writeJson(w, statusFor(msg), msg)
}

func (b *Bridge) retryMessage(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	if token == "" {
		b.writeError(w, NewBadRequestError(errors.New("missing token")))
		return
	}

	msg, err := b.chat.Retry(r.Context(), token)
	if err != nil {
		b.writeError(w, errorFromChat(err))
		return
	}

	b.writeJson(w, statusFor(msg), msg)
}

func (b *Bridge) addReaction(w http.ResponseWriter, r *http.Request) {
	b.reaction(w, r, b.chat.AddReaction)
}

func (b *Bridge) removeReaction(w http.ResponseWriter, r *http.Request) {
	b.reaction(w, r, b.chat.RemoveReaction)
}

func (b *Bridge) reaction(w http.ResponseWriter, r *http.Request, apply func(context.Context, int, string) (types.Message, error)) {
	messageId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	var req ReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	msg, err := apply(r.Context(), messageId, req.Emoji)
	if err != nil {
		b.writeError(w, errorFromChat(err))
		return
	}

	b.writeJson(w, http.StatusOK, msg)
}

func (b *Bridge) getTyping(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	users, ok := b.chat.Typing(roomId)
	if !ok {
		b.writeError(w, NewNotFoundError())
		return
	}
	if users == nil {
		users = []int{}
	}

	b.writeJson(w, http.StatusOK, TypingResponse{RoomId: roomId, UserIds: users})
}

func (b *Bridge) keystroke(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	if err := b.chat.Keystroke(roomId); err != nil {
		b.writeError(w, errorFromChat(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) getDraft(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	d, ok := b.chat.Draft(roomId)
	if !ok {
		b.writeError(w, NewNotFoundError())
		return
	}

	b.writeJson(w, http.StatusOK, d)
}

func (b *Bridge) setDraft(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	var req DraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	switch {
	case req.ReplyToMessageId != 0 && req.Forward != nil:
		err = errors.New("a draft cannot both reply and forward")
		b.writeError(w, NewBadRequestError(err))
		return
	case req.ReplyToMessageId != 0:
		err = b.chat.SetReply(roomId, req.ReplyToMessageId)
	case req.Forward != nil:
		err = b.chat.SetForward(roomId, req.Forward.SourceRoomId, req.Forward.MessageId)
	default:
		b.writeError(w, NewBadRequestError(errors.New("draft needs a reply or a forward")))
		return
	}
	if err != nil {
		b.writeError(w, errorFromChat(err))
		return
	}

	d, _ := b.chat.Draft(roomId)
	b.writeJson(w, http.StatusOK, d)
}

func (b *Bridge) clearDraft(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	b.chat.ClearDraft(roomId)
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) submitDraft(w http.ResponseWriter, r *http.Request) {
	roomId, err := pathId(r, "id")
	if err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		b.writeError(w, NewBadRequestError(err))
		return
	}

	msg, err := b.chat.Submit(r.Context(), roomId, req.Content)
	if err != nil {
		b.writeError(w, errorFromChat(err))
		return
	}

	b.writeJson(w, statusFor(msg), msg)
}

func (b *Bridge) getReactions(w http.ResponseWriter, _ *http.Request) {
	b.writeJson(w, http.StatusOK, types.AllowedEmoji())
}

// statusFor is 201 once the server confirmed the message and 202 while
// it is still waiting for the push echo.
func statusFor(msg types.Message) int {
	if msg.IsConfirmed() {
		return http.StatusCreated
	}
	return http.StatusAccepted
}
