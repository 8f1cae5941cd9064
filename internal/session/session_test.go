package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Chiesa14/erc-system-sub000/internal/config"
	"github.com/Chiesa14/erc-system-sub000/internal/gateway"
	"github.com/Chiesa14/erc-system-sub000/internal/push"
	"github.com/Chiesa14/erc-system-sub000/internal/rest"
	"github.com/Chiesa14/erc-system-sub000/internal/stats"
	"github.com/Chiesa14/erc-system-sub000/internal/testutil"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 3 * time.Second
	tick        = 10 * time.Millisecond
	selfId      = 9
)

var t0 = time.Date(2026, 10, 4, 9, 0, 0, 0, time.UTC)

// chatServer fakes the collaborator REST service and the push channel.
type chatServer struct {
	*httptest.Server

	mu      sync.Mutex
	history []types.Message
	fetches int
	nextId  int
	frames  []push.Envelope
	conn    *websocket.Conn

	conns chan *websocket.Conn
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	cs := &chatServer{
		history: []types.Message{{Id: 1, RoomId: 7, SenderId: 10, Content: "Welcome", CreatedAt: t0}},
		nextId:  100,
		conns:   make(chan *websocket.Conn, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]types.Room{{
			Id:      7,
			Members: []types.MemberRef{{Id: selfId, Name: "me"}, {Id: 10, Name: "Pastor John"}},
		}})
	})
	mux.HandleFunc("GET /rooms/7/messages", func(w http.ResponseWriter, r *http.Request) {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.fetches++
		json.NewEncoder(w).Encode(map[string]any{"messages": cs.history})
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		var req rest.CreateMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		cs.mu.Lock()
		msg := types.Message{
			Id:          cs.nextId,
			RoomId:      req.RoomId,
			SenderId:    selfId,
			Content:     req.Content,
			CreatedAt:   t0.Add(time.Duration(cs.nextId) * time.Second),
			ClientToken: req.ClientToken,

			ReplyToMessageId: req.ReplyToMessageId,
			ForwardedFrom:    req.ForwardedFrom,
		}
		cs.nextId++
		cs.history = append(cs.history, msg)
		cs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(msg)
	})

	upgrader := websocket.Upgrader{}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conn = conn
		cs.mu.Unlock()
		cs.conns <- conn

		for {
			var env push.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			cs.mu.Lock()
			cs.frames = append(cs.frames, env)
			cs.mu.Unlock()
		}
	})

	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)

	return cs
}

func (cs *chatServer) push(t *testing.T, typ push.EventType, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.NotNil(t, cs.conn, "no push connection")
	require.NoError(t, cs.conn.WriteJSON(push.Envelope{Type: typ, Payload: raw}))
}

func (cs *chatServer) fetchCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.fetches
}

func (cs *chatServer) typingFrames() []push.Envelope {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]push.Envelope(nil), cs.frames...)
}

func (cs *chatServer) config() *config.Config {
	cfg := config.Default()
	cfg.APIBaseURL = cs.URL
	cfg.PushURL = "ws" + strings.TrimPrefix(cs.URL, "http") + "/ws"
	cfg.AuthToken = "tok"
	cfg.UserId = selfId
	cfg.RequestRate = 0
	cfg.ReconnectMin = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond
	return cfg
}

func startSession(t *testing.T, cs *chatServer) (*Session, <-chan error) {
	t.Helper()

	s, err := New(cs.config(), stats.Noop{}, testutil.TestLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- s.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})

	require.Eventually(t, func() bool { return s.ConnectionState() == push.Open }, waitTimeout, tick)
	return s, done
}

func contents(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestNewRequiresToken(t *testing.T) {
	cfg := config.Default()
	cfg.UserId = selfId

	_, err := New(cfg, stats.Noop{}, testutil.TestLogger(t))
	assert.ErrorIs(t, err, types.ErrAuthMissing)
}

func TestSendConvergesWithEcho(t *testing.T) {
	cs := newChatServer(t)
	s, _ := startSession(t, cs)

	rooms := s.Rooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "Pastor John", rooms[0].DisplayName(s.SelfId()))

	require.NoError(t, s.OpenRoom(context.Background(), 7))
	msgs, ok := s.Messages(7)
	require.True(t, ok)
	assert.Equal(t, []string{"Welcome"}, contents(msgs))

	sent, err := s.Send(context.Background(), gateway.SendRequest{RoomId: 7, Content: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, 100, sent.Id)
	assert.Equal(t, types.StatusConfirmed, sent.Status)

	echo := sent
	echo.Status = ""
	cs.push(t, push.MessageCreated, echo)
	cs.push(t, push.TypingChanged, push.Typing{RoomId: 7, UserId: 10, IsTyping: true})

	// events apply in order, so the echo is in once typing shows up
	require.Eventually(t, func() bool {
		users, _ := s.Typing(7)
		return len(users) == 1 && users[0] == 10
	}, waitTimeout, tick)

	msgs, _ = s.Messages(7)
	assert.Equal(t, []string{"Welcome", "Hello"}, contents(msgs), "expected the echo not to duplicate the message")
	assert.Equal(t, 100, msgs[1].Id)
}

func TestReconnectRefetchesOpenRooms(t *testing.T) {
	cs := newChatServer(t)
	s, _ := startSession(t, cs)
	require.NoError(t, s.OpenRoom(context.Background(), 7))
	fetches := cs.fetchCount()

	cs.push(t, push.TypingChanged, push.Typing{RoomId: 7, UserId: 10, IsTyping: true})
	require.Eventually(t, func() bool {
		users, _ := s.Typing(7)
		return len(users) == 1
	}, waitTimeout, tick)

	// a message lands while the channel is down
	cs.mu.Lock()
	cs.history = append(cs.history, types.Message{Id: 2, RoomId: 7, SenderId: 10, Content: "missed", CreatedAt: t0.Add(time.Minute)})
	conn := cs.conn
	cs.mu.Unlock()
	conn.Close()

	<-cs.conns
	select {
	case <-cs.conns:
	case <-time.After(waitTimeout):
		t.Fatal("timeout: no reconnect")
	}

	require.Eventually(t, func() bool {
		msgs, _ := s.Messages(7)
		return len(msgs) == 2 && s.ConnectionState() == push.Open
	}, waitTimeout, tick)
	assert.Greater(t, cs.fetchCount(), fetches, "expected room 7 to be fetched again after reconnect")

	users, ok := s.Typing(7)
	assert.True(t, ok)
	assert.Empty(t, users, "expected typing indicators to be cleared by the drop")
}

func TestKeystrokeSendsTypingFrames(t *testing.T) {
	cs := newChatServer(t)
	s, _ := startSession(t, cs)

	require.NoError(t, s.Keystroke(7))
	require.NoError(t, s.Keystroke(7))
	assert.ErrorIs(t, s.Keystroke(8), types.ErrValidationFailed)

	require.Eventually(t, func() bool { return len(cs.typingFrames()) == 1 }, waitTimeout, tick)
	frames := cs.typingFrames()
	assert.Equal(t, push.StartTyping, frames[0].Type)
	assert.JSONEq(t, `{"room_id":7}`, string(frames[0].Payload))

	_, err := s.Send(context.Background(), gateway.SendRequest{RoomId: 7, Content: "done typing"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(cs.typingFrames()) == 2 }, waitTimeout, tick)
	assert.Equal(t, push.StopTyping, cs.typingFrames()[1].Type)
}

func TestUnknownRoom(t *testing.T) {
	cs := newChatServer(t)
	s, _ := startSession(t, cs)

	_, ok := s.Messages(8)
	assert.False(t, ok)
	_, ok = s.Typing(8)
	assert.False(t, ok)
	assert.ErrorIs(t, s.OpenRoom(context.Background(), 8), types.ErrValidationFailed)
}

func TestLogout(t *testing.T) {
	cs := newChatServer(t)
	s, done := startSession(t, cs)
	require.NoError(t, s.Keystroke(7))

	s.Logout()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("timeout: Run did not return after logout")
	}
	assert.Equal(t, push.Closed, s.ConnectionState())

	_, err := s.Send(context.Background(), gateway.SendRequest{RoomId: 7, Content: "Hello"})
	assert.ErrorIs(t, err, types.ErrAuthMissing)
}

func TestDraftReplyIsClearedAfterSubmit(t *testing.T) {
	cs := newChatServer(t)
	s, _ := startSession(t, cs)
	require.NoError(t, s.OpenRoom(context.Background(), 7))

	require.NoError(t, s.SetReply(7, 1))
	d, ok := s.Draft(7)
	require.True(t, ok)
	assert.Equal(t, 1, d.ReplyToMessageId)

	sent, err := s.Submit(context.Background(), 7, "Amen")
	require.NoError(t, err)
	assert.Equal(t, 1, sent.ReplyToMessageId)

	d, _ = s.Draft(7)
	assert.Equal(t, gateway.Draft{}, d, "expected the reply context to be cleared")

	_, ok = s.Draft(8)
	assert.False(t, ok)
}
