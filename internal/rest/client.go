package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Chiesa14/erc-system-sub000/internal/auth"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout  = 10 * time.Second
	requestIdHeader = "X-Request-Id"
)

// ChatAPI is the collaborator REST service the chat core talks to.
type ChatAPI interface {
	ListRooms(ctx context.Context) ([]types.Room, error)
	FetchMessages(ctx context.Context, roomId, limit int) ([]types.Message, error)
	CreateMessage(ctx context.Context, req CreateMessageRequest) (types.Message, error)
	AddReaction(ctx context.Context, messageId int, emoji string) (ReactionResult, error)
	RemoveReaction(ctx context.Context, messageId int, emoji string) (ReactionResult, error)
}

type CreateMessageRequest struct {
	RoomId           int                  `json:"room_id"`
	Content          string               `json:"content"`
	ReplyToMessageId int                  `json:"reply_to_message_id,omitempty"`
	ForwardedFrom    *types.ForwardedFrom `json:"forwarded_from,omitempty"`
	ClientToken      string               `json:"client_token"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

// ReactionResult is whatever the server chose to return for a reaction
// call: the updated message, the reaction itself, or nothing.
type ReactionResult struct {
	Message  *types.Message
	Reaction *types.Reaction
}

type Options struct {
	Timeout time.Duration
	// Rate is the sustained number of requests per second. Zero disables
	// client-side limiting.
	Rate  float64
	Burst int
}

type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *log.Logger
}

var _ ChatAPI = (*Client)(nil)

func NewClient(baseURL string, tokens auth.TokenSource, opts Options, logger *log.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    limiter,
		log:        logger,
	}
}

// doRequest issues an authenticated JSON request and returns the body of
// a 2xx response.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, body any) (int, []byte, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return 0, nil, &Error{StatusCode: http.StatusUnauthorized, Message: "no bearer token", Err: err}
	}

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestId := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIdHeader, requestId)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, newTransportError("rate limiter", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Printf("%s %s [%s] failed: %v", method, endpoint, requestId, err)
		return 0, nil, newTransportError("request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, newTransportError("failed to read response body", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Printf("%s %s [%s]: status %d", method, endpoint, requestId, resp.StatusCode)
		return resp.StatusCode, nil, newStatusError(resp.StatusCode, respBody)
	}

	return resp.StatusCode, respBody, nil
}

// ListRooms returns the rooms the user belongs to. Rooms that fail
// validation are dropped.
func (c *Client) ListRooms(ctx context.Context) ([]types.Room, error) {
	code, respBody, err := c.doRequest(ctx, http.MethodGet, "/rooms", nil)
	if err != nil {
		return nil, err
	}

	var rooms []types.Room
	if err := json.Unmarshal(respBody, &rooms); err != nil {
		return nil, newMalformedError(code, err)
	}

	valid := rooms[:0]
	for _, r := range rooms {
		if err := r.Validate(); err != nil {
			c.log.Printf("dropping room from list: %v", err)
			continue
		}
		valid = append(valid, r)
	}

	return valid, nil
}

type messagesEnvelope struct {
	Messages []types.Message `json:"messages"`
}

// FetchMessages returns the latest limit messages of a room. The server
// may answer with a bare array or with {"messages": [...]}.
func (c *Client) FetchMessages(ctx context.Context, roomId, limit int) ([]types.Message, error) {
	endpoint := fmt.Sprintf("/rooms/%d/messages", roomId)
	if limit > 0 {
		endpoint += "?" + url.Values{"limit": {fmt.Sprint(limit)}}.Encode()
	}

	code, respBody, err := c.doRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var msgs []types.Message
	trimmed := bytes.TrimSpace(respBody)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env messagesEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, newMalformedError(code, err)
		}
		msgs = env.Messages
	} else if err := json.Unmarshal(trimmed, &msgs); err != nil {
		return nil, newMalformedError(code, err)
	}

	valid := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.RoomId == 0 {
			m.RoomId = roomId
		}
		if m.RoomId != roomId {
			c.log.Printf("dropping message %d: belongs to room %d, not %d", m.Id, m.RoomId, roomId)
			continue
		}
		if err := m.Validate(); err != nil {
			c.log.Printf("dropping message from room %d: %v", roomId, err)
			continue
		}
		valid = append(valid, m)
	}

	if len(msgs) > 0 && len(valid) == 0 {
		return nil, newMalformedError(code, fmt.Errorf("none of %d messages of room %d is usable", len(msgs), roomId))
	}

	return valid, nil
}

func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) (types.Message, error) {
	code, respBody, err := c.doRequest(ctx, http.MethodPost, "/messages", req)
	if err != nil {
		return types.Message{}, err
	}

	var msg types.Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return types.Message{}, newMalformedError(code, err)
	}
	if err := msg.Validate(); err != nil {
		return types.Message{}, newMalformedError(code, err)
	}

	return msg, nil
}

func (c *Client) AddReaction(ctx context.Context, messageId int, emoji string) (ReactionResult, error) {
	return c.reaction(ctx, http.MethodPost, messageId, emoji)
}

func (c *Client) RemoveReaction(ctx context.Context, messageId int, emoji string) (ReactionResult, error) {
	return c.reaction(ctx, http.MethodDelete, messageId, emoji)
}

func (c *Client) reaction(ctx context.Context, method string, messageId int, emoji string) (ReactionResult, error) {
	endpoint := fmt.Sprintf("/messages/%d/reactions", messageId)
	code, respBody, err := c.doRequest(ctx, method, endpoint, reactionRequest{Emoji: emoji})
	if err != nil {
		return ReactionResult{}, err
	}

	res, err := decodeReactionResult(respBody)
	if err != nil {
		return ReactionResult{}, newMalformedError(code, err)
	}

	return res, nil
}

// decodeReactionResult tells a Message apart from a Reaction by the
// fields only a message carries.
func decodeReactionResult(body []byte) (ReactionResult, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return ReactionResult{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ReactionResult{}, err
	}

	if _, ok := fields["content"]; ok {
		var msg types.Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return ReactionResult{}, err
		}
		if err := msg.Validate(); err != nil {
			return ReactionResult{}, err
		}
		return ReactionResult{Message: &msg}, nil
	}

	var r types.Reaction
	if err := json.Unmarshal(body, &r); err != nil {
		return ReactionResult{}, err
	}
	if err := r.Validate(); err != nil {
		return ReactionResult{}, err
	}

	return ReactionResult{Reaction: &r}, nil
}
