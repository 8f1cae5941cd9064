package typing

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Chiesa14/erc-system-sub000/internal/clock"
)

const DefaultWindow = 2 * time.Second

type State int

const (
	Idle State = iota
	Typing
)

func (s State) String() string {
	if s == Typing {
		return "typing"
	}
	return "idle"
}

// Signal is a start_typing (Typing true) or stop_typing emission.
type Signal struct {
	RoomId int
	Typing bool
}

type roomTyping struct {
	state State
	timer clock.Timer
	// gen invalidates timer callbacks that raced with a reset
	gen uint64
}

// Coordinator decides when the local user's typing signals are emitted.
// Each room has its own debounce timer; rooms never affect each other.
type Coordinator struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	emit   func(Signal)
	log    *log.Logger
	rooms  map[int]*roomTyping
}

func NewCoordinator(c clock.Clock, window time.Duration, emit func(Signal), logger *log.Logger) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Coordinator{
		clock:  c,
		window: window,
		emit:   emit,
		log:    logger,
		rooms:  make(map[int]*roomTyping),
	}
}

// Keystroke emits start_typing on the Idle to Typing transition and
// otherwise only pushes the stop deadline back.
func (c *Coordinator) Keystroke(roomId int) {
	c.mu.Lock()

	rt, ok := c.rooms[roomId]
	if !ok {
		rt = &roomTyping{}
		c.rooms[roomId] = rt
	}

	started := rt.state == Idle
	rt.state = Typing
	c.resetTimer(roomId, rt)
	c.mu.Unlock()

	if started {
		c.emit(Signal{RoomId: roomId, Typing: true})
	}
}

// MessageSent stops typing immediately, cancelling the timer.
func (c *Coordinator) MessageSent(roomId int) {
	c.mu.Lock()
	stopped := c.stopLocked(roomId)
	c.mu.Unlock()

	if stopped {
		c.emit(Signal{RoomId: roomId, Typing: false})
	}
}

// StopAll stops typing in every room, e.g. on logout.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	var stopped []int
	for roomId := range c.rooms {
		if c.stopLocked(roomId) {
			stopped = append(stopped, roomId)
		}
	}
	c.mu.Unlock()

	sort.Ints(stopped)
	for _, roomId := range stopped {
		c.emit(Signal{RoomId: roomId, Typing: false})
	}
}

// Resume emits start_typing again for every room still typing. The peer
// forgets typing state when the channel drops, so call it on reconnect.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	var typing []int
	for roomId, rt := range c.rooms {
		if rt.state == Typing {
			typing = append(typing, roomId)
		}
	}
	c.mu.Unlock()

	sort.Ints(typing)
	for _, roomId := range typing {
		c.emit(Signal{RoomId: roomId, Typing: true})
	}
}

func (c *Coordinator) State(roomId int) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rt, ok := c.rooms[roomId]; ok {
		return rt.state
	}
	return Idle
}

func (c *Coordinator) resetTimer(roomId int, rt *roomTyping) {
	if rt.timer != nil {
		rt.timer.Stop()
	}

	rt.gen++
	gen := rt.gen
	rt.timer = c.clock.AfterFunc(c.window, func() { c.expire(roomId, gen) })
}

func (c *Coordinator) expire(roomId int, gen uint64) {
	c.mu.Lock()
	rt, ok := c.rooms[roomId]
	if !ok || rt.gen != gen || rt.state != Typing {
		c.mu.Unlock()
		return
	}

	rt.state = Idle
	rt.timer = nil
	delete(c.rooms, roomId)
	c.mu.Unlock()

	c.log.Printf("typing in room %d timed out", roomId)
	c.emit(Signal{RoomId: roomId, Typing: false})
}

func (c *Coordinator) stopLocked(roomId int) bool {
	rt, ok := c.rooms[roomId]
	if !ok || rt.state != Typing {
		return false
	}

	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.gen++
	delete(c.rooms, roomId)

	return true
}
