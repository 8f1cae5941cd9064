package push

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Chiesa14/erc-system-sub000/internal/auth"
	"github.com/Chiesa14/erc-system-sub000/internal/stats"
	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 64
)

var ErrNotConnected = errors.New("push channel not open")

type State int

const (
	Connecting State = iota
	Open
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives the connection lifecycle. HandleOpen runs after every
// successful handshake and before any event of that connection is read;
// an error from it drops the connection and counts as a failed attempt.
type Handler interface {
	HandleOpen(ctx context.Context, reconnected bool) error
	HandleEvent(ev Event)
	HandleDrop(err error)
}

type Options struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// HandshakeTimeout bounds the websocket dial. Zero uses the dialer default.
	HandshakeTimeout time.Duration
}

type Client struct {
	url     string
	tokens  auth.TokenSource
	handler Handler
	dialer  *websocket.Dialer
	backoff *Backoff
	stats   stats.StatsProvider
	log     *log.Logger

	mu     sync.RWMutex
	state  State
	send   chan []byte
	onOpen []func()

	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(url string, tokens auth.TokenSource, handler Handler, opts Options, su stats.StatsProvider, logger *log.Logger) *Client {
	dialer := *websocket.DefaultDialer
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}

	return &Client{
		url:     url,
		tokens:  tokens,
		handler: handler,
		dialer:  &dialer,
		backoff: NewBackoff(opts.ReconnectMin, opts.ReconnectMax),
		stats:   su,
		log:     logger,
		state:   Connecting,
		stop:    make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev != s {
		c.log.Printf("push: %s -> %s", prev, s)
	}
}

// Run keeps the push channel connected until ctx is done or Close is
// called. It only returns early for a missing or rejected token. Every
// retry, including the one after a drop, waits for the next backoff delay.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(Closed)

	reconnected := false
	for {
		if c.stopped(ctx) {
			return nil
		}

		conn, err := c.connect(ctx, reconnected)
		if err != nil {
			if errors.Is(err, types.ErrAuthMissing) {
				c.log.Printf("push: giving up: %v", err)
				return err
			}
			if c.stopped(ctx) {
				return nil
			}

			delay := c.backoff.Next()
			c.log.Printf("push: connect attempt %d failed: %v, retrying in %s", c.backoff.Attempt(), err, delay)
			if !c.wait(ctx, delay) {
				return nil
			}
			continue
		}

		c.backoff.Reset()
		err = c.serve(ctx, conn)
		c.handler.HandleDrop(err)

		if c.stopped(ctx) {
			return nil
		}

		c.log.Printf("push: connection dropped: %v", err)
		c.stats.Incr(stats.PushReconnects)
		c.setState(Reconnecting)
		reconnected = true

		if !c.wait(ctx, c.backoff.Next()) {
			return nil
		}
	}
}

// OnOpen registers fn to run each time the channel becomes Open, after
// the resync and before the first event is read. Frames may be sent
// from fn.
func (c *Client) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, fn)
}

// Close shuts the channel down for good, e.g. on logout.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// SendTyping queues a start_typing or stop_typing frame. Frames are
// dropped, not buffered, while the channel is not open.
func (c *Client) SendTyping(roomId int, typing bool) error {
	frame, err := EncodeTyping(roomId, typing)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.state != Open || c.send == nil {
		return ErrNotConnected
	}

	select {
	case c.send <- frame:
	default:
		return fmt.Errorf("push: send queue full")
	}

	return nil
}

func (c *Client) connect(ctx context.Context, reconnected bool) (*websocket.Conn, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("push handshake rejected: %w", types.ErrAuthMissing)
		}
		return nil, fmt.Errorf("dial: %w", errors.Join(types.ErrNetworkFailure, err))
	}

	if err := c.handler.HandleOpen(ctx, reconnected); err != nil {
		conn.Close()
		return nil, fmt.Errorf("resync: %w", err)
	}

	return conn, nil
}

// serve runs the pumps for one connection and returns the read error
// that ended it.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})

	c.mu.Lock()
	c.send = send
	c.state = Open
	hooks := slices.Clone(c.onOpen)
	c.mu.Unlock()
	c.log.Println("push: open")
	c.stats.Incr(stats.OpenConnections)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.write(ctx, conn, send, done)
	}()

	for _, fn := range hooks {
		fn()
	}

	err := c.read(conn)

	c.mu.Lock()
	c.send = nil
	c.mu.Unlock()
	close(done)
	wg.Wait()
	c.stats.Decr(stats.OpenConnections)

	return err
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-send:
			if !c.sendMessage(conn, websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.sendMessage(conn, websocket.PingMessage, nil) {
				return
			}
		case <-ctx.Done():
			c.closeConn(conn)
			return
		case <-c.stop:
			c.closeConn(conn)
			return
		case <-done:
			return
		}
	}
}

func (c *Client) read(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("push: read: %v", err)
			}
			return err
		}

		ev, err := DecodeEvent(raw)
		if err != nil {
			c.log.Printf("push: dropping event: %v", err)
			c.stats.Incr(stats.MalformedEvents)
			continue
		}

		c.handler.HandleEvent(ev)
	}
}

func (c *Client) sendMessage(conn *websocket.Conn, msgType int, msg []byte) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("push: write: %v", err)
		}
		return false
	}

	return true
}

func (c *Client) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.sendMessage(conn, websocket.CloseMessage, msg)
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	}
}
