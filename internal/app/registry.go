package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Interpreter/internal/core"
	"github.com/dkeye/Interpreter/internal/domain"
	"github.com/rs/zerolog/log"
)

// InvokerHandle is the slot type for a call's translation invoker.
// Alive and Feed must not block.
type InvokerHandle interface {
	Alive() bool
	Feed(seg domain.Segment) error
	Stop()
}

type roomEntry struct {
	createdAt    time.Time
	participants map[domain.SessionID]struct{}
	calls        map[domain.CallID]struct{}
}

func (r *roomEntry) empty() bool {
	return len(r.participants) == 0 && len(r.calls) == 0
}

type sessionEntry struct {
	roomID       domain.RoomID
	conn         core.ClientConnection
	langs        domain.Languages
	call         domain.CallID
	connectedAt  time.Time
	lastActivity time.Time
}

type callEntry struct {
	roomID    domain.RoomID
	state     domain.CallState
	session   domain.SessionID
	invoker   InvokerHandle
	createdAt time.Time
	updatedAt time.Time
}

// SessionRegistry is the in-memory source of truth for rooms, client
// connections, calls and the invoker bound to each call. Every method holds
// the lock only for map work and never performs I/O.
type SessionRegistry struct {
	mu       sync.RWMutex
	rooms    map[domain.RoomID]*roomEntry
	sessions map[domain.SessionID]*sessionEntry
	calls    map[domain.CallID]*callEntry
	aliases  map[domain.CallID]domain.CallID
	now      func() time.Time
}

type RegistryOption func(*SessionRegistry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *SessionRegistry) { r.now = now }
}

func NewSessionRegistry(opts ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		rooms:    make(map[domain.RoomID]*roomEntry),
		sessions: make(map[domain.SessionID]*sessionEntry),
		calls:    make(map[domain.CallID]*callEntry),
		aliases:  make(map[domain.CallID]domain.CallID),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshots are value copies; holding one never pins registry state.

type CallSnapshot struct {
	ID           domain.CallID    `json:"id"`
	RoomID       domain.RoomID    `json:"room"`
	State        domain.CallState `json:"state"`
	SessionID    domain.SessionID `json:"session,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	HasInvoker   bool             `json:"has_invoker"`
	InvokerAlive bool             `json:"invoker_alive"`
	LastActivity time.Time        `json:"last_activity,omitzero"`
}

type SessionSnapshot struct {
	ID           domain.SessionID `json:"id"`
	RoomID       domain.RoomID    `json:"room"`
	CallID       domain.CallID    `json:"call,omitempty"`
	Languages    domain.Languages `json:"languages"`
	ConnectedAt  time.Time        `json:"connected_at"`
	LastActivity time.Time        `json:"last_activity"`
}

type RoomSnapshot struct {
	ID           domain.RoomID      `json:"id"`
	CreatedAt    time.Time          `json:"created_at"`
	Participants []domain.SessionID `json:"participants"`
	Calls        []domain.CallID    `json:"calls"`
}

// ConnSnap pairs a session with its transport for fan-out outside the lock.
type ConnSnap struct {
	SID  domain.SessionID
	Conn core.ClientConnection
}

type Stats struct {
	Rooms        int
	Sessions     int
	Calls        int
	LiveInvokers int
}

func (r *SessionRegistry) roomLocked(id domain.RoomID) *roomEntry {
	room, ok := r.rooms[id]
	if !ok {
		room = &roomEntry{
			createdAt:    r.now(),
			participants: make(map[domain.SessionID]struct{}),
			calls:        make(map[domain.CallID]struct{}),
		}
		r.rooms[id] = room
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room created")
	}
	return room
}

func (r *SessionRegistry) releaseRoomLocked(id domain.RoomID) {
	if room, ok := r.rooms[id]; ok && room.empty() {
		delete(r.rooms, id)
		log.Info().Str("module", "app.registry").Str("room", string(id)).Msg("room destroyed")
	}
}

func (r *SessionRegistry) resolveLocked(id domain.CallID) domain.CallID {
	if canonical, ok := r.aliases[id]; ok {
		return canonical
	}
	return id
}

// RegisterClientConnection adds a client connection as a participant of
// roomID, creating the room on first join.
func (r *SessionRegistry) RegisterClientConnection(
	sid domain.SessionID,
	roomID domain.RoomID,
	conn core.ClientConnection,
	langs domain.Languages,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; ok {
		return domain.ErrDuplicateSession
	}
	now := r.now()
	r.sessions[sid] = &sessionEntry{
		roomID:       roomID,
		conn:         conn,
		langs:        langs,
		connectedAt:  now,
		lastActivity: now,
	}
	r.roomLocked(roomID).participants[sid] = struct{}{}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(roomID)).Msg("client registered")
	return nil
}

// MapCallToSession binds a call and a client connection one-to-one.
// Binding the same pair again is a no-op.
func (r *SessionRegistry) MapCallToSession(callID domain.CallID, sid domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return domain.ErrUnknownSession
	}
	callID = r.resolveLocked(callID)
	call, ok := r.calls[callID]
	if !ok {
		return domain.ErrUnknownCall
	}
	if call.session == sid && sess.call == callID {
		return nil
	}
	if call.session != "" || sess.call != "" {
		return domain.ErrCallBound
	}
	if call.roomID != sess.roomID {
		return domain.ErrRoomMismatch
	}
	call.session = sid
	call.updatedAt = r.now()
	sess.call = callID
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("call_id", string(callID)).Msg("call mapped to session")
	return nil
}

// UnregisterClientConnection removes the connection and its participant
// entry. A paired call stays registered with its session cleared.
func (r *SessionRegistry) UnregisterClientConnection(sid domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; !ok {
		return domain.ErrUnknownSession
	}
	r.removeSessionLocked(sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("client unregistered")
	return nil
}

func (r *SessionRegistry) removeSessionLocked(sid domain.SessionID) {
	sess := r.sessions[sid]
	delete(r.sessions, sid)
	if call, ok := r.calls[sess.call]; ok && call.session == sid {
		call.session = ""
		call.updatedAt = r.now()
	}
	if room, ok := r.rooms[sess.roomID]; ok {
		delete(room.participants, sid)
	}
	r.releaseRoomLocked(sess.roomID)
}

// RecordActivity marks the session as active now.
func (r *SessionRegistry) RecordActivity(sid domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return domain.ErrUnknownSession
	}
	sess.lastActivity = r.now()
	return nil
}

// ListActiveCalls returns a copy-on-read view of every call.
func (r *SessionRegistry) ListActiveCalls() []CallSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CallSnapshot, 0, len(r.calls))
	for id, c := range r.calls {
		out = append(out, r.callSnapLocked(id, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *SessionRegistry) callSnapLocked(id domain.CallID, c *callEntry) CallSnapshot {
	snap := CallSnapshot{
		ID:        id,
		RoomID:    c.roomID,
		State:     c.state,
		SessionID: c.session,
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
	}
	if c.invoker != nil {
		snap.HasInvoker = true
		snap.InvokerAlive = c.invoker.Alive()
	}
	if sess, ok := r.sessions[c.session]; ok {
		snap.LastActivity = sess.lastActivity
	}
	return snap
}

// Call returns a snapshot of one call, resolving ringing aliases.
func (r *SessionRegistry) Call(id domain.CallID) (CallSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id = r.resolveLocked(id)
	c, ok := r.calls[id]
	if !ok {
		return CallSnapshot{}, false
	}
	return r.callSnapLocked(id, c), true
}

// ResolveCall maps a ringing id to the connection id it was answered under.
func (r *SessionRegistry) ResolveCall(id domain.CallID) domain.CallID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(id)
}

// RemoveCall forgets a call and returns whatever invoker its slot still
// held; the caller stops it. Removing an absent call is a no-op.
func (r *SessionRegistry) RemoveCall(id domain.CallID) InvokerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	id = r.resolveLocked(id)
	c, ok := r.calls[id]
	if !ok {
		return nil
	}
	delete(r.calls, id)
	for alias, target := range r.aliases {
		if target == id {
			delete(r.aliases, alias)
		}
	}
	if sess, ok := r.sessions[c.session]; ok && sess.call == id {
		sess.call = ""
	}
	if room, ok := r.rooms[c.roomID]; ok {
		delete(room.calls, id)
	}
	r.releaseRoomLocked(c.roomID)
	log.Info().Str("module", "app.registry").Str("call_id", string(id)).Msg("call removed")
	return c.invoker
}

// RemoveSession forgets a client connection. Removing an absent session is a no-op.
func (r *SessionRegistry) RemoveSession(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; !ok {
		return
	}
	r.removeSessionLocked(sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("session removed")
}

// PreRegisterCall records a ringing call in roomID, creating the room.
// Registering an id twice returns false.
func (r *SessionRegistry) PreRegisterCall(id domain.CallID, roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[r.resolveLocked(id)]; ok {
		return false
	}
	now := r.now()
	r.calls[id] = &callEntry{
		roomID:    roomID,
		state:     domain.CallRinging,
		createdAt: now,
		updatedAt: now,
	}
	r.roomLocked(roomID).calls[id] = struct{}{}
	log.Info().Str("module", "app.registry").Str("call_id", string(id)).Str("room", string(roomID)).Msg("call pre-registered")
	return true
}

// AnswerCall moves a ringing call to Answered under the connection id the
// provider assigned. The ringing id stays usable as an alias.
func (r *SessionRegistry) AnswerCall(ringingID, connID domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[ringingID]
	if !ok {
		return domain.ErrUnknownCall
	}
	if c.state == domain.CallEnded {
		return domain.ErrCallEnded
	}
	if ringingID != connID {
		if _, taken := r.calls[connID]; taken {
			return domain.ErrCallBound
		}
		delete(r.calls, ringingID)
		r.calls[connID] = c
		r.aliases[ringingID] = connID
		if room, ok := r.rooms[c.roomID]; ok {
			delete(room.calls, ringingID)
			room.calls[connID] = struct{}{}
		}
		if sess, ok := r.sessions[c.session]; ok {
			sess.call = connID
		}
	}
	c.state = domain.CallAnswered
	c.updatedAt = r.now()
	log.Info().Str("module", "app.registry").Str("call_id", string(connID)).Str("ringing_id", string(ringingID)).Msg("call answered")
	return nil
}

func (r *SessionRegistry) SetCallState(id domain.CallID, state domain.CallState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[r.resolveLocked(id)]
	if !ok {
		return domain.ErrUnknownCall
	}
	if c.state == domain.CallEnded && state != domain.CallEnded {
		return domain.ErrCallEnded
	}
	c.state = state
	c.updatedAt = r.now()
	return nil
}

// EndCall moves the call to Ended and empties its invoker slot in one step,
// so nothing can claim the slot while the call is being torn down. It
// returns the previous invoker for the caller to stop and reports false when
// the call is unknown or already ended.
func (r *SessionRegistry) EndCall(id domain.CallID) (InvokerHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[r.resolveLocked(id)]
	if !ok || c.state == domain.CallEnded {
		return nil, false
	}
	inv := c.invoker
	c.invoker = nil
	c.state = domain.CallEnded
	c.updatedAt = r.now()
	return inv, true
}

// ClaimInvoker installs inv as the call's invoker unless a live one is
// already there or the call has ended. This is the single gate that keeps
// one live invoker per call.
func (r *SessionRegistry) ClaimInvoker(id domain.CallID, inv InvokerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[r.resolveLocked(id)]
	if !ok {
		return domain.ErrUnknownCall
	}
	if c.state == domain.CallEnded {
		return domain.ErrCallEnded
	}
	if c.invoker != nil && c.invoker.Alive() {
		return domain.ErrInvokerAlive
	}
	c.invoker = inv
	return nil
}

// ReleaseInvoker clears the slot only if it still holds inv.
func (r *SessionRegistry) ReleaseInvoker(id domain.CallID, inv InvokerHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[r.resolveLocked(id)]; ok && c.invoker == inv {
		c.invoker = nil
	}
}

// DetachInvoker empties the slot and hands the previous invoker to the
// caller, who is responsible for stopping it outside the lock.
func (r *SessionRegistry) DetachInvoker(id domain.CallID) InvokerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[r.resolveLocked(id)]
	if !ok {
		return nil
	}
	inv := c.invoker
	c.invoker = nil
	return inv
}

func (r *SessionRegistry) InvokerFor(id domain.CallID) InvokerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.calls[r.resolveLocked(id)]; ok {
		return c.invoker
	}
	return nil
}

func (r *SessionRegistry) CallOf(sid domain.SessionID) (domain.CallID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sid]
	if !ok || sess.call == "" {
		return "", false
	}
	return sess.call, true
}

// SessionOf returns the session bound to the call, resolving ringing aliases.
func (r *SessionRegistry) SessionOf(id domain.CallID) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[r.resolveLocked(id)]
	if !ok || c.session == "" {
		return "", false
	}
	return c.session, true
}

func (r *SessionRegistry) Session(sid domain.SessionID) (SessionSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return SessionSnapshot{}, false
	}
	return sessionSnap(sid, sess), true
}

func sessionSnap(sid domain.SessionID, s *sessionEntry) SessionSnapshot {
	return SessionSnapshot{
		ID:           sid,
		RoomID:       s.roomID,
		CallID:       s.call,
		Languages:    s.langs,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
	}
}

func (r *SessionRegistry) ListSessions() []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionSnapshot, 0, len(r.sessions))
	for sid, s := range r.sessions {
		out = append(out, sessionSnap(sid, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (r *SessionRegistry) Connection(sid domain.SessionID) (core.ClientConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.sessions[sid]; ok {
		return sess.conn, true
	}
	return nil, false
}

// ConnectionsForCall returns every connection in the call's room.
func (r *SessionRegistry) ConnectionsForCall(id domain.CallID) []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[r.resolveLocked(id)]
	if !ok {
		return nil
	}
	return r.connectionsInRoomLocked(c.roomID)
}

func (r *SessionRegistry) ConnectionsInRoom(roomID domain.RoomID) []ConnSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connectionsInRoomLocked(roomID)
}

func (r *SessionRegistry) connectionsInRoomLocked(roomID domain.RoomID) []ConnSnap {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]ConnSnap, 0, len(room.participants))
	for sid := range room.participants {
		if sess, ok := r.sessions[sid]; ok {
			out = append(out, ConnSnap{SID: sid, Conn: sess.conn})
		}
	}
	return out
}

// UnboundCallInRoom returns the oldest call in roomID with no session.
func (r *SessionRegistry) UnboundCallInRoom(roomID domain.RoomID) (domain.CallID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	var (
		best   domain.CallID
		bestAt time.Time
	)
	for id := range room.calls {
		c := r.calls[id]
		if c == nil || c.session != "" {
			continue
		}
		if best == "" || c.createdAt.Before(bestAt) {
			best, bestAt = id, c.createdAt
		}
	}
	return best, best != ""
}

// UnboundSessionInRoom returns the earliest connected session in roomID with no call.
func (r *SessionRegistry) UnboundSessionInRoom(roomID domain.RoomID) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	var (
		best   domain.SessionID
		bestAt time.Time
	)
	for sid := range room.participants {
		s := r.sessions[sid]
		if s == nil || s.call != "" {
			continue
		}
		if best == "" || s.connectedAt.Before(bestAt) {
			best, bestAt = sid, s.connectedAt
		}
	}
	return best, best != ""
}

func (r *SessionRegistry) SetLanguages(sid domain.SessionID, langs domain.Languages) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sid]
	if !ok {
		return domain.ErrUnknownSession
	}
	sess.langs = langs
	return nil
}

func (r *SessionRegistry) Languages(sid domain.SessionID) (domain.Languages, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.sessions[sid]; ok {
		return sess.langs, true
	}
	return domain.Languages{}, false
}

func (r *SessionRegistry) Room(id domain.RoomID) (RoomSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	if !ok {
		return RoomSnapshot{}, false
	}
	return roomSnap(id, room), true
}

func roomSnap(id domain.RoomID, room *roomEntry) RoomSnapshot {
	snap := RoomSnapshot{
		ID:           id,
		CreatedAt:    room.createdAt,
		Participants: make([]domain.SessionID, 0, len(room.participants)),
		Calls:        make([]domain.CallID, 0, len(room.calls)),
	}
	for sid := range room.participants {
		snap.Participants = append(snap.Participants, sid)
	}
	for id := range room.calls {
		snap.Calls = append(snap.Calls, id)
	}
	sort.Slice(snap.Participants, func(i, j int) bool { return snap.Participants[i] < snap.Participants[j] })
	sort.Slice(snap.Calls, func(i, j int) bool { return snap.Calls[i] < snap.Calls[j] })
	return snap
}

func (r *SessionRegistry) ListRooms() []RoomSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomSnapshot, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, roomSnap(id, room))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *SessionRegistry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Rooms: len(r.rooms), Sessions: len(r.sessions), Calls: len(r.calls)}
	for _, c := range r.calls {
		if c.invoker != nil && c.invoker.Alive() {
			s.LiveInvokers++
		}
	}
	return s
}
