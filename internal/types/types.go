package types

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type MemberRef struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

type Room struct {
	Id        int         `json:"id"`
	Name      string      `json:"name,omitempty"`
	Members   []MemberRef `json:"members"`
	AvatarUrl string      `json:"avatar_url,omitempty"`
}

// DisplayName returns the room name, or the names of the other members
// when the room has none.
func (r Room) DisplayName(selfId int) string {
	if r.Name != "" {
		return r.Name
	}

	names := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m.Id == selfId || m.Name == "" {
			continue
		}
		names = append(names, m.Name)
	}

	return strings.Join(names, ", ")
}

func (r Room) Validate() error {
	if r.Id <= 0 {
		return fmt.Errorf("%w: room id must be positive", ErrValidationFailed)
	}
	if len(r.Members) == 0 {
		return fmt.Errorf("%w: room %d has no members", ErrValidationFailed, r.Id)
	}
	for _, m := range r.Members {
		if m.Id <= 0 {
			return fmt.Errorf("%w: room %d has a member without id", ErrValidationFailed, r.Id)
		}
	}

	return nil
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// ForwardedFrom records the message a forwarded message was copied from.
type ForwardedFrom struct {
	MessageId int `json:"message_id"`
	RoomId    int `json:"room_id"`
}

type Message struct {
	Id               int            `json:"id,omitempty"`
	RoomId           int            `json:"room_id"`
	SenderId         int            `json:"sender_id"`
	Content          string         `json:"content"`
	CreatedAt        time.Time      `json:"created_at"`
	IsEdited         bool           `json:"is_edited"`
	ReplyToMessageId int            `json:"reply_to_message_id,omitempty"`
	ForwardedFrom    *ForwardedFrom `json:"forwarded_from,omitempty"`
	Reactions        []Reaction     `json:"reactions,omitempty"`
	ClientToken      string         `json:"client_token,omitempty"`

	// local state, never sent by the server
	Status    MessageStatus `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

func (m Message) IsConfirmed() bool {
	return m.Id > 0
}

func (m Message) IsForwarded() bool {
	return m.ForwardedFrom != nil
}

func (m Message) HasReaction(userId int, emoji string) bool {
	return slices.IndexFunc(m.Reactions, func(r Reaction) bool {
		return r.UserId == userId && r.Emoji == emoji
	}) >= 0
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	c := m
	if m.Reactions != nil {
		c.Reactions = slices.Clone(m.Reactions)
	}
	if m.ForwardedFrom != nil {
		ff := *m.ForwardedFrom
		c.ForwardedFrom = &ff
	}

	return c
}

// Validate checks a message received from the server.
func (m Message) Validate() error {
	if m.Id <= 0 {
		return fmt.Errorf("%w: message id must be positive", ErrValidationFailed)
	}
	if err := m.validateBody(); err != nil {
		return err
	}

	for _, r := range m.Reactions {
		if r.MessageId != 0 && r.MessageId != m.Id {
			return fmt.Errorf("%w: reaction for message %d attached to message %d", ErrValidationFailed, r.MessageId, m.Id)
		}
		if err := r.validateBody(); err != nil {
			return err
		}
	}

	return nil
}

// ValidateDraft checks a message composed locally, before it gets an id.
func (m Message) ValidateDraft() error {
	if m.Id != 0 {
		return fmt.Errorf("%w: draft message already has id %d", ErrValidationFailed, m.Id)
	}
	if err := m.validateBody(); err != nil {
		return err
	}
	if m.ReplyToMessageId != 0 && m.ForwardedFrom != nil {
		return fmt.Errorf("%w: a message cannot both reply and forward", ErrValidationFailed)
	}

	return nil
}

func (m Message) validateBody() error {
	if m.RoomId <= 0 {
		return fmt.Errorf("%w: room id must be positive", ErrValidationFailed)
	}
	if m.SenderId <= 0 {
		return fmt.Errorf("%w: sender id must be positive", ErrValidationFailed)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("%w: content cannot be empty", ErrValidationFailed)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrValidationFailed)
	}
	if m.ReplyToMessageId < 0 {
		return fmt.Errorf("%w: invalid reply_to_message_id", ErrValidationFailed)
	}
	if ff := m.ForwardedFrom; ff != nil && (ff.MessageId <= 0 || ff.RoomId <= 0) {
		return fmt.Errorf("%w: forwarded_from requires message_id and room_id", ErrValidationFailed)
	}

	return nil
}

type Reaction struct {
	Id        int    `json:"id,omitempty"`
	MessageId int    `json:"message_id"`
	UserId    int    `json:"user_id"`
	Emoji     string `json:"emoji"`
}

func (r Reaction) Validate() error {
	if r.MessageId <= 0 {
		return fmt.Errorf("%w: reaction message id must be positive", ErrValidationFailed)
	}

	return r.validateBody()
}

func (r Reaction) validateBody() error {
	if r.UserId <= 0 {
		return fmt.Errorf("%w: reaction user id must be positive", ErrValidationFailed)
	}
	if !IsAllowedEmoji(r.Emoji) {
		return fmt.Errorf("%w: emoji %q is not allowed", ErrValidationFailed, r.Emoji)
	}

	return nil
}

var allowedEmoji = []string{"👍", "❤️", "😂", "😮", "😢", "🙏", "🎉"}

func AllowedEmoji() []string {
	return slices.Clone(allowedEmoji)
}

func IsAllowedEmoji(e string) bool {
	return slices.Contains(allowedEmoji, e)
}
