package gateway

import (
	"context"
	"fmt"

	"github.com/Chiesa14/erc-system-sub000/internal/types"
)

// Draft is the compose context of a room. Replying and forwarding are
// mutually exclusive: setting one clears the other.
type Draft struct {
	ReplyToMessageId int                  `json:"reply_to_message_id,omitempty"`
	Forward          *types.ForwardedFrom `json:"forward,omitempty"`
}

func (g *Gateway) Draft(roomId int) Draft {
	g.mu.Lock()
	defer g.mu.Unlock()

	d := g.drafts[roomId]
	if d.Forward != nil {
		ff := *d.Forward
		d.Forward = &ff
	}
	return d
}

func (g *Gateway) SetReply(roomId, messageId int) error {
	if _, err := g.confirmedIn(roomId, messageId); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.drafts[roomId] = Draft{ReplyToMessageId: messageId}

	return nil
}

// SetForward prepares forwarding message messageId of sourceRoomId into
// roomId.
func (g *Gateway) SetForward(roomId, sourceRoomId, messageId int) error {
	if roomId == sourceRoomId {
		return fmt.Errorf("%w: cannot forward a message into its own room", types.ErrValidationFailed)
	}
	if err := g.requireRoom(roomId); err != nil {
		return err
	}
	if _, err := g.confirmedIn(sourceRoomId, messageId); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.drafts[roomId] = Draft{Forward: &types.ForwardedFrom{MessageId: messageId, RoomId: sourceRoomId}}

	return nil
}

func (g *Gateway) ClearDraft(roomId int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drafts, roomId)
}

// Submit sends according to the room's draft and clears it on success. A
// forward carries the source content only, so content is ignored then.
func (g *Gateway) Submit(ctx context.Context, roomId int, content string) (types.Message, error) {
	d := g.Draft(roomId)

	var (
		m   types.Message
		err error
	)
	switch {
	case d.Forward != nil:
		m, err = g.Forward(ctx, ForwardRequest{SourceRoomId: d.Forward.RoomId, MessageId: d.Forward.MessageId, TargetRoomId: roomId})
	case d.ReplyToMessageId != 0:
		m, err = g.Reply(ctx, roomId, d.ReplyToMessageId, content)
	default:
		m, err = g.SendMessage(ctx, SendRequest{RoomId: roomId, Content: content})
	}

	if err != nil {
		return m, err
	}

	g.ClearDraft(roomId)
	return m, nil
}
