package store

import (
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/teris-io/shortid"
)

// EchoMatchWindow bounds how far apart the local and server timestamps of
// an echo without correlation token may be for it to confirm a pending
// message.
const EchoMatchWindow = 30 * time.Second

var ErrUnknownRoom = errors.New("unknown room")

type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeReplaced
	OutcomeMerged
	OutcomeInserted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplaced:
		return "replaced"
	case OutcomeMerged:
		return "merged"
	case OutcomeInserted:
		return "inserted"
	default:
		return "ignored"
	}
}

type roomState struct {
	room     types.Room
	messages []types.Message
	typing   map[int]bool

	// seq counts live changes; changed and deleted remember the seq of
	// the last change per message id so a snapshot can tell what
	// happened after its fetch started.
	seq     uint64
	changed map[int]uint64
	deleted map[int]uint64
}

// Mark is a room's change sequence taken before a history fetch.
type Mark uint64

// markNow stands for the sequence at the time the snapshot is applied.
const markNow = Mark(math.MaxUint64)

func (rs *roomState) touch(id int) {
	if id <= 0 {
		return
	}
	if rs.changed == nil {
		rs.changed = make(map[int]uint64)
	}
	rs.seq++
	rs.changed[id] = rs.seq
}

func (rs *roomState) forget(id int) {
	if rs.deleted == nil {
		rs.deleted = make(map[int]uint64)
	}
	rs.seq++
	rs.deleted[id] = rs.seq
	delete(rs.changed, id)
}

// Store holds the rooms the client has loaded and their messages ordered
// by created_at. Every method is atomic; readers get copies.
type Store struct {
	mu       sync.RWMutex
	log      *log.Logger
	rooms    map[int]*roomState
	newToken func() (string, error)
}

func NewStore(logger *log.Logger) *Store {
	return &Store{
		log:      logger,
		rooms:    make(map[int]*roomState),
		newToken: shortid.Generate,
	}
}

// SetRooms replaces the room list. Rooms that stay keep their messages;
// invalid rooms are skipped. It returns the number of rooms loaded.
func (s *Store) SetRooms(rooms []types.Room) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[int]*roomState, len(rooms))
	for _, r := range rooms {
		if err := r.Validate(); err != nil {
			s.log.Printf("skipping room %d: %v", r.Id, err)
			continue
		}

		r.Members = slices.Clone(r.Members)
		if rs, ok := s.rooms[r.Id]; ok {
			rs.room = r
			next[r.Id] = rs
			continue
		}

		next[r.Id] = &roomState{room: r, typing: make(map[int]bool)}
	}

	for id := range s.rooms {
		if _, ok := next[id]; !ok {
			s.log.Printf("room %d no longer listed, removing", id)
		}
	}

	s.rooms = next
	return len(next)
}

func (s *Store) Rooms() []types.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]types.Room, 0, len(s.rooms))
	for _, rs := range s.rooms {
		r := rs.room
		r.Members = slices.Clone(r.Members)
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Id < rooms[j].Id })

	return rooms
}

func (s *Store) Room(id int) (types.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[id]
	if !ok {
		return types.Room{}, false
	}

	r := rs.room
	r.Members = slices.Clone(r.Members)
	return r, true
}

// Messages returns the ordered messages of a room, or nil when the room is
// not loaded.
func (s *Store) Messages(roomId int) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomId]
	if !ok {
		return nil
	}

	msgs := make([]types.Message, len(rs.messages))
	for i, m := range rs.messages {
		msgs[i] = m.Clone()
	}

	return msgs
}

func (s *Store) Message(roomId, id int) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomId]
	if !ok {
		return types.Message{}, false
	}

	if i := indexById(rs.messages, id); i >= 0 {
		return rs.messages[i].Clone(), true
	}

	return types.Message{}, false
}

// FindMessage looks a confirmed message up across all loaded rooms.
func (s *Store) FindMessage(id int) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rs, i := s.locate(id); rs != nil {
		return rs.messages[i].Clone(), true
	}

	return types.Message{}, false
}

func (s *Store) MessageByToken(token string) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if rs, i := s.locateToken(token); rs != nil {
		return rs.messages[i].Clone(), true
	}

	return types.Message{}, false
}

// AppendOptimistic inserts a message that has no server id yet and
// returns the correlation token the server will echo back.
func (s *Store) AppendOptimistic(msg types.Message) (string, error) {
	if err := msg.ValidateDraft(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[msg.RoomId]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownRoom, msg.RoomId)
	}

	token, err := s.newToken()
	if err != nil {
		return "", fmt.Errorf("generate correlation token: %w", err)
	}

	m := msg.Clone()
	m.ClientToken = token
	m.Status = types.StatusPending
	m.Error = ""
	m.Retryable = false
	m.Reactions = nil

	rs.messages = insertSorted(rs.messages, m)
	return token, nil
}

// Reconcile merges a server-confirmed message. A pending entry carrying
// token is replaced in place; an existing id is merged field-wise;
// anything else is inserted in created_at order. Messages for rooms that
// are not loaded are dropped with ErrReconcileMismatch.
func (s *Store) Reconcile(serverMsg types.Message, token string) (Outcome, error) {
	if err := serverMsg.Validate(); err != nil {
		s.log.Printf("reconcile: rejecting message %d: %v", serverMsg.Id, err)
		return OutcomeIgnored, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[serverMsg.RoomId]
	if !ok {
		s.log.Printf("reconcile: message %d for room %d which is not loaded", serverMsg.Id, serverMsg.RoomId)
		return OutcomeIgnored, fmt.Errorf("%w: room %d not loaded", types.ErrReconcileMismatch, serverMsg.RoomId)
	}

	if token == "" {
		token = serverMsg.ClientToken
	}

	outcome := rs.reconcile(confirmed(serverMsg, token), token)
	rs.touch(serverMsg.Id)
	return outcome, nil
}

func (rs *roomState) reconcile(m types.Message, token string) Outcome {
	var pending int
	if token != "" {
		pending = indexPendingToken(rs.messages, token)
	} else {
		pending = indexEcho(rs.messages, m)
	}

	existing := indexById(rs.messages, m.Id)

	switch {
	case pending >= 0 && existing >= 0:
		// the server copy arrived first through another path
		rs.messages = slices.Delete(rs.messages, pending, pending+1)
		existing = indexById(rs.messages, m.Id)
		rs.messages[existing] = merge(rs.messages[existing], m)
		rs.fixOrder(existing)
		return OutcomeMerged
	case pending >= 0:
		rs.messages[pending] = m
		rs.fixOrder(pending)
		return OutcomeReplaced
	case existing >= 0:
		rs.messages[existing] = merge(rs.messages[existing], m)
		rs.fixOrder(existing)
		return OutcomeMerged
	default:
		rs.messages = insertSorted(rs.messages, m)
		return OutcomeInserted
	}
}

// MarkFailed flags a pending message as failed. The message stays visible
// with its content so it can be retried or copied.
func (s *Store) MarkFailed(token string, reason error, retryable bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, i := s.locateToken(token)
	if rs == nil || rs.messages[i].Status != types.StatusPending {
		return false
	}

	m := &rs.messages[i]
	m.Status = types.StatusFailed
	m.Retryable = retryable
	if reason != nil {
		m.Error = reason.Error()
	}

	return true
}

// MarkPending moves a failed message back to pending for a retry.
func (s *Store) MarkPending(token string) (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, i := s.locateToken(token)
	if rs == nil || rs.messages[i].Status != types.StatusFailed {
		return types.Message{}, false
	}

	m := &rs.messages[i]
	m.Status = types.StatusPending
	m.Error = ""
	m.Retryable = false

	return m.Clone(), true
}

// AddReaction records a reaction once per (message, user, emoji). It
// reports whether the reaction was new.
func (s *Store) AddReaction(r types.Reaction) (bool, error) {
	if err := r.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, i := s.locate(r.MessageId)
	if rs == nil {
		s.log.Printf("reaction %s on message %d which is not loaded", r.Emoji, r.MessageId)
		return false, fmt.Errorf("%w: message %d not loaded", types.ErrReconcileMismatch, r.MessageId)
	}

	m := &rs.messages[i]
	if j := indexReaction(m.Reactions, r.UserId, r.Emoji); j >= 0 {
		if m.Reactions[j].Id == 0 && r.Id != 0 {
			m.Reactions[j].Id = r.Id
		}
		return false, nil
	}

	m.Reactions = append(m.Reactions, r)
	rs.touch(m.Id)
	return true, nil
}

// RemoveReaction drops the (message, user, emoji) reaction. It reports
// whether anything was removed.
func (s *Store) RemoveReaction(r types.Reaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, i := s.locate(r.MessageId)
	if rs == nil {
		s.log.Printf("reaction removal on message %d which is not loaded", r.MessageId)
		return false, fmt.Errorf("%w: message %d not loaded", types.ErrReconcileMismatch, r.MessageId)
	}

	m := &rs.messages[i]
	j := indexReaction(m.Reactions, r.UserId, r.Emoji)
	if j < 0 {
		return false, nil
	}

	m.Reactions = slices.Delete(m.Reactions, j, j+1)
	rs.touch(m.Id)
	return true, nil
}

// Mark returns the room's change sequence. Take it before fetching
// history and hand it to ApplySnapshotSince.
func (s *Store) Mark(roomId int) (Mark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.rooms[roomId]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownRoom, roomId)
	}
	return Mark(rs.seq), nil
}

// ApplySnapshot applies a history that reflects every change the store
// has seen so far. See ApplySnapshotSince.
func (s *Store) ApplySnapshot(roomId int, snapshot []types.Message) error {
	return s.ApplySnapshotSince(roomId, markNow, snapshot)
}

// ApplySnapshotSince treats a history fetched after mark as ground truth
// for the time range it covers. Pending and failed messages are kept
// unless the snapshot confirms them; confirmed messages older than the
// snapshot are kept; confirmed messages inside its range that the server
// no longer returns are dropped. Anything changed or deleted live after
// mark wins over the snapshot. A non-empty snapshot without a single
// valid message carries no information and changes nothing.
func (s *Store) ApplySnapshotSince(roomId int, mark Mark, snapshot []types.Message) error {
	valid := make([]types.Message, 0, len(snapshot))
	for _, m := range snapshot {
		if m.RoomId != roomId {
			s.log.Printf("snapshot for room %d contains message %d of room %d", roomId, m.Id, m.RoomId)
			continue
		}
		if err := m.Validate(); err != nil {
			s.log.Printf("snapshot for room %d: skipping message %d: %v", roomId, m.Id, err)
			continue
		}
		valid = append(valid, confirmed(m, ""))
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].CreatedAt.Before(valid[j].CreatedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomId]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRoom, roomId)
	}

	if len(snapshot) > 0 && len(valid) == 0 {
		s.log.Printf("snapshot for room %d has no valid messages, keeping local history", roomId)
		return nil
	}

	since := uint64(mark)
	if mark == markNow {
		since = rs.seq
	}
	var kept []types.Message
	for _, m := range rs.messages {
		switch {
		case !m.IsConfirmed():
			kept = append(kept, m)
		case rs.changed[m.Id] > since:
			kept = append(kept, m)
		case len(valid) > 0 && m.CreatedAt.Before(valid[0].CreatedAt) && indexById(valid, m.Id) < 0:
			kept = append(kept, m)
		}
	}

	next := &roomState{messages: kept}
	for _, m := range valid {
		if rs.deleted[m.Id] > since || rs.changed[m.Id] > since {
			continue
		}
		if i := indexById(rs.messages, m.Id); i >= 0 {
			m = merge(rs.messages[i], m)
		}
		next.reconcile(m, m.ClientToken)
	}

	rs.messages = next.messages
	for id := range rs.changed {
		if indexById(rs.messages, id) < 0 {
			delete(rs.changed, id)
		}
	}
	for id, seq := range rs.deleted {
		if seq <= since {
			delete(rs.deleted, id)
		}
	}

	return nil
}

// DeleteMessage removes a message the server deleted.
func (s *Store) DeleteMessage(roomId, id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.rooms[roomId]
	if !ok {
		return false, fmt.Errorf("%w: room %d not loaded", types.ErrReconcileMismatch, roomId)
	}

	rs.forget(id)

	i := indexById(rs.messages, id)
	if i < 0 {
		return false, nil
	}

	rs.messages = slices.Delete(rs.messages, i, i+1)
	return true, nil
}

func (s *Store) locate(messageId int) (*roomState, int) {
	if messageId <= 0 {
		return nil, -1
	}

	for _, rs := range s.rooms {
		if i := indexById(rs.messages, messageId); i >= 0 {
			return rs, i
		}
	}

	return nil, -1
}

func (s *Store) locateToken(token string) (*roomState, int) {
	if token == "" {
		return nil, -1
	}

	for _, rs := range s.rooms {
		for i, m := range rs.messages {
			if m.ClientToken == token {
				return rs, i
			}
		}
	}

	return nil, -1
}

// fixOrder moves the message at i if an update broke the ordering.
func (rs *roomState) fixOrder(i int) {
	msgs := rs.messages
	before := i > 0 && msgs[i-1].CreatedAt.After(msgs[i].CreatedAt)
	after := i < len(msgs)-1 && msgs[i].CreatedAt.After(msgs[i+1].CreatedAt)
	if !before && !after {
		return
	}

	m := msgs[i]
	rs.messages = insertSorted(slices.Delete(msgs, i, i+1), m)
}

func confirmed(m types.Message, token string) types.Message {
	c := m.Clone()
	c.Status = types.StatusConfirmed
	c.Error = ""
	c.Retryable = false
	if c.ClientToken == "" {
		c.ClientToken = token
	}

	var reactions []types.Reaction
	if c.Reactions != nil {
		reactions = make([]types.Reaction, 0, len(c.Reactions))
	}
	for _, r := range c.Reactions {
		r.MessageId = c.Id
		if indexReaction(reactions, r.UserId, r.Emoji) < 0 {
			reactions = append(reactions, r)
		}
	}
	c.Reactions = reactions

	return c
}

// merge overlays the server copy on the local one. A nil reaction list
// means the server did not send reactions; otherwise it is authoritative
// except for local reactions still waiting for their id.
func merge(local, server types.Message) types.Message {
	out := server
	if out.ClientToken == "" {
		out.ClientToken = local.ClientToken
	}

	if server.Reactions == nil {
		out.Reactions = slices.Clone(local.Reactions)
		return out
	}

	out.Reactions = slices.Clone(server.Reactions)
	for _, r := range local.Reactions {
		if r.Id == 0 && indexReaction(out.Reactions, r.UserId, r.Emoji) < 0 {
			out.Reactions = append(out.Reactions, r)
		}
	}

	return out
}

func insertSorted(msgs []types.Message, m types.Message) []types.Message {
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].CreatedAt.After(m.CreatedAt) })
	return slices.Insert(msgs, i, m)
}

func indexById(msgs []types.Message, id int) int {
	if id <= 0 {
		return -1
	}

	return slices.IndexFunc(msgs, func(m types.Message) bool { return m.Id == id })
}

func indexPendingToken(msgs []types.Message, token string) int {
	return slices.IndexFunc(msgs, func(m types.Message) bool {
		return !m.IsConfirmed() && m.ClientToken == token
	})
}

// indexEcho finds the oldest pending message that looks like the server
// echo of m.
func indexEcho(msgs []types.Message, m types.Message) int {
	return slices.IndexFunc(msgs, func(p types.Message) bool {
		if p.Status != types.StatusPending || p.SenderId != m.SenderId || p.Content != m.Content {
			return false
		}

		d := p.CreatedAt.Sub(m.CreatedAt)
		return d <= EchoMatchWindow && d >= -EchoMatchWindow
	})
}

func indexReaction(reactions []types.Reaction, userId int, emoji string) int {
	return slices.IndexFunc(reactions, func(r types.Reaction) bool {
		return r.UserId == userId && r.Emoji == emoji
	})
}
