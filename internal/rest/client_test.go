package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Chiesa14/erc-system-sub000/internal/auth"
	"github.com/Chiesa14/erc-system-sub000/internal/testutil"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var createdAt = time.Date(2026, 10, 4, 9, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *auth.Credentials) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds, err := auth.NewCredentials("secret-token", 9)
	require.NoError(t, err)

	return NewClient(srv.URL, creds, Options{Timeout: time.Second}, testutil.TestLogger(t)), creds
}

func writeJson(t *testing.T, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestHeaders(t *testing.T) {
	var seen []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		_, err := uuid.Parse(r.Header.Get(requestIdHeader))
		assert.NoError(t, err, "expected a uuid request id")
		seen = append(seen, r.Header.Get(requestIdHeader))
		writeJson(t, w, http.StatusOK, []types.Room{})
	})

	_, err := client.ListRooms(context.Background())
	require.NoError(t, err)
	_, err = client.ListRooms(context.Background())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.NotEqual(t, seen[0], seen[1], "expected a fresh request id per call")
}

func TestMissingToken(t *testing.T) {
	called := false
	client, creds := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})
	creds.Revoke()

	_, err := client.ListRooms(context.Background())
	assert.ErrorIs(t, err, types.ErrAuthMissing)
	assert.False(t, called, "expected no request without a token")
}

func TestListRooms(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/rooms", r.URL.Path)
		writeJson(t, w, http.StatusOK, []types.Room{
			{Id: 7, Name: "general", Members: []types.MemberRef{{Id: 9}, {Id: 10}}},
			{Id: 0, Name: "broken", Members: []types.MemberRef{{Id: 9}}},
			{Id: 8, Members: nil},
		})
	})

	rooms, err := client.ListRooms(context.Background())
	require.NoError(t, err)
	require.Len(t, rooms, 1, "expected invalid rooms to be dropped")
	assert.Equal(t, 7, rooms[0].Id)
}

func TestFetchMessages(t *testing.T) {
	msgs := []types.Message{
		{Id: 1, RoomId: 7, SenderId: 10, Content: "hi", CreatedAt: createdAt},
		{Id: 2, RoomId: 7, SenderId: 9, Content: "", CreatedAt: createdAt},
		{Id: 3, RoomId: 8, SenderId: 9, Content: "elsewhere", CreatedAt: createdAt},
		{Id: 4, SenderId: 9, Content: "implicit room", CreatedAt: createdAt},
	}

	tcases := []struct {
		name string
		body any
	}{
		{name: "bare array", body: msgs},
		{name: "envelope", body: map[string]any{"messages": msgs}},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/rooms/7/messages", r.URL.Path)
				assert.Equal(t, "50", r.URL.Query().Get("limit"))
				writeJson(t, w, http.StatusOK, tc.body)
			})

			got, err := client.FetchMessages(context.Background(), 7, 50)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, 1, got[0].Id)
			assert.Equal(t, 4, got[1].Id)
			assert.Equal(t, 7, got[1].RoomId)
		})
	}
}

func TestFetchMessagesUnusable(t *testing.T) {
	tcases := []struct {
		name        string
		body        any
		expectedErr error
		expectedLen int
	}{
		{
			name:        "only invalid messages",
			body:        []types.Message{{Id: 2, RoomId: 7, SenderId: 9, CreatedAt: createdAt}},
			expectedErr: ErrMalformedResponse,
		},
		{name: "empty history", body: []types.Message{}, expectedLen: 0},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJson(t, w, http.StatusOK, tc.body)
			})

			got, err := client.FetchMessages(context.Background(), 7, 50)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				assert.ErrorIs(t, err, types.ErrValidationFailed)
				assert.Nil(t, got)
				return
			}

			require.NoError(t, err)
			assert.Len(t, got, tc.expectedLen)
		})
	}
}

func TestCreateMessage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req CreateMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, CreateMessageRequest{
			RoomId:        2,
			Content:       "look",
			ForwardedFrom: &types.ForwardedFrom{MessageId: 42, RoomId: 1},
			ClientToken:   "tok-1",
		}, req)

		writeJson(t, w, http.StatusCreated, types.Message{
			Id: 43, RoomId: 2, SenderId: 9, Content: "look", CreatedAt: createdAt,
			ForwardedFrom: req.ForwardedFrom, ClientToken: req.ClientToken,
		})
	})

	msg, err := client.CreateMessage(context.Background(), CreateMessageRequest{
		RoomId:        2,
		Content:       "look",
		ForwardedFrom: &types.ForwardedFrom{MessageId: 42, RoomId: 1},
		ClientToken:   "tok-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 43, msg.Id)
	assert.Equal(t, "tok-1", msg.ClientToken)
}

func TestCreateMessageMalformed(t *testing.T) {
	tcases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "ok"},
		{name: "missing id", body: `{"room_id": 7, "sender_id": 9, "content": "hi"}`},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusCreated)
				_, _ = io.WriteString(w, tc.body)
			})

			_, err := client.CreateMessage(context.Background(), CreateMessageRequest{RoomId: 7, Content: "hi"})
			assert.ErrorIs(t, err, ErrMalformedResponse)
			assert.ErrorIs(t, err, types.ErrValidationFailed)
			assert.False(t, types.IsRetryable(err))
		})
	}
}

func TestStatusClassification(t *testing.T) {
	tcases := []struct {
		name     string
		status   int
		expected error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, expected: types.ErrAuthMissing},
		{name: "forbidden", status: http.StatusForbidden, expected: types.ErrPermissionDenied},
		{name: "bad request", status: http.StatusBadRequest, expected: types.ErrValidationFailed},
		{name: "not found", status: http.StatusNotFound, expected: types.ErrValidationFailed},
		{name: "conflict", status: http.StatusConflict, expected: types.ErrValidationFailed},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, expected: types.ErrValidationFailed},
		{name: "too many requests", status: http.StatusTooManyRequests, expected: types.ErrNetworkFailure},
		{name: "server error", status: http.StatusInternalServerError, expected: types.ErrNetworkFailure},
		{name: "bad gateway", status: http.StatusBadGateway, expected: types.ErrNetworkFailure},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tc.status)
			})

			_, err := client.CreateMessage(context.Background(), CreateMessageRequest{RoomId: 7, Content: "hi"})
			assert.ErrorIs(t, err, tc.expected)

			var restErr *Error
			require.True(t, errors.As(err, &restErr))
			assert.Equal(t, tc.status, restErr.StatusCode)
			assert.Contains(t, restErr.Error(), "nope")
		})
	}
}

func TestTransportFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	})

	_, err := client.ListRooms(context.Background())
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
	assert.True(t, types.IsRetryable(err))
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.ListRooms(ctx)
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReactions(t *testing.T) {
	tcases := []struct {
		name     string
		method   string
		status   int
		body     string
		expected ReactionResult
	}{
		{
			name:   "add returns reaction",
			method: http.MethodPost,
			status: http.StatusCreated,
			body:   `{"id": 1, "message_id": 5, "user_id": 9, "emoji": "❤️"}`,
			expected: ReactionResult{
				Reaction: &types.Reaction{Id: 1, MessageId: 5, UserId: 9, Emoji: "❤️"},
			},
		},
		{
			name:   "add returns message",
			method: http.MethodPost,
			status: http.StatusOK,
			body:   `{"id": 5, "room_id": 7, "sender_id": 10, "content": "hi", "created_at": "2026-10-04T09:00:00Z", "reactions": [{"id": 1, "message_id": 5, "user_id": 9, "emoji": "❤️"}]}`,
			expected: ReactionResult{
				Message: &types.Message{
					Id: 5, RoomId: 7, SenderId: 10, Content: "hi", CreatedAt: createdAt,
					Reactions: []types.Reaction{{Id: 1, MessageId: 5, UserId: 9, Emoji: "❤️"}},
				},
			},
		},
		{
			name:     "remove returns no content",
			method:   http.MethodDelete,
			status:   http.StatusNoContent,
			expected: ReactionResult{},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, tc.method, r.Method)
				assert.Equal(t, "/messages/5/reactions", r.URL.Path)

				var req reactionRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "❤️", req.Emoji)

				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			var res ReactionResult
			var err error
			if tc.method == http.MethodPost {
				res, err = client.AddReaction(context.Background(), 5, "❤️")
			} else {
				res, err = client.RemoveReaction(context.Background(), 5, "❤️")
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, res)
		})
	}
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJson(t, w, http.StatusOK, []types.Room{})
	}))
	defer srv.Close()

	creds, err := auth.NewCredentials("secret-token", 9)
	require.NoError(t, err)
	client := NewClient(srv.URL, creds, Options{Rate: 0.001, Burst: 1}, testutil.TestLogger(t))

	_, err = client.ListRooms(context.Background())
	require.NoError(t, err, "expected the burst to admit the first call")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.ListRooms(ctx)
	assert.ErrorIs(t, err, types.ErrNetworkFailure, "expected the limiter to refuse a second call inside the deadline")
}
