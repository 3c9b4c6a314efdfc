package relay

import (
	"fmt"
	"sync"

	"github.com/clickcall/relay/pkg/com"
	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/signaling"
	"github.com/gofrs/uuid"
)

type p2pState uint8

const (
	// a single local owner, the peer is reached through the upstream
	remoteSession p2pState = iota
	// both endpoints hosted on this shard
	localSession
)

// p2pSession is the ownership row of one session id. At most two
// distinct client sessions ever own it.
type p2pSession struct {
	state  p2pState
	first  *ClientSession
	second *ClientSession
}

// callRoom is the ordered member list of one call room.
type callRoom struct {
	mu      sync.Mutex
	members []*ClientSession
}

func (r *callRoom) add(c *ClientSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m == c {
			return
		}
	}
	r.members = append(r.members, c)
}

func (r *callRoom) remove(c *ClientSession) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m == c {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
	return len(r.members)
}

func (r *callRoom) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

func (r *callRoom) list() []*ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*ClientSession, len(r.members))
	copy(members, r.members)
	return members
}

// find returns the member with the exact member address.
func (r *callRoom) find(memberId string) *ClientSession {
	for _, m := range r.list() {
		if m.MemberId() == memberId {
			return m
		}
	}
	return nil
}

// resolve is find with a sole-member fallback: a room that still has
// exactly one member resolves to it even when the address does not
// match, which covers early-room-formation races where the member id
// is not yet known on this side.
func (r *callRoom) resolve(memberId string) *ClientSession {
	members := r.list()
	if len(members) == 1 {
		return members[0]
	}
	for _, m := range members {
		if m.MemberId() == memberId {
			return m
		}
	}
	return nil
}

// Router is the session registry of one relay shard. It maps session
// ids and call rooms to the client sessions owning them and decides
// local against upstream delivery.
type Router struct {
	id      int
	log     *logger.Logger
	backend signaling.Backend
	pool    *Pool
	metrics *Metrics

	mu       sync.Mutex
	sessions map[uuid.UUID]*p2pSession

	inbound com.Map[uuid.UUID, *ClientSession]
	rooms   com.Map[uuid.UUID, *callRoom]
	pending com.Map[int64, *ClientSession]
}

func NewRouter(id int, metrics *Metrics, log *logger.Logger) *Router {
	return &Router{
		id:       id,
		log:      log.Extend(log.With().Str("s", fmt.Sprintf("shard%d", id))),
		metrics:  metrics,
		sessions: make(map[uuid.UUID]*p2pSession),
		inbound:  com.NewMap[uuid.UUID, *ClientSession](),
		rooms:    com.NewMap[uuid.UUID, *callRoom](),
		pending:  com.NewMap[int64, *ClientSession](),
	}
}

// Bind attaches the upstream channel and the identity pool. Must be
// called before any traffic reaches the shard.
func (r *Router) Bind(backend signaling.Backend, pool *Pool) {
	r.backend = backend
	r.pool = pool
}

// addOwner registers c as an owner of the session id. The check and the
// insert are one critical section: a session id never gets a third
// owner, and the table is left unchanged when one is offered.
func (r *Router) addOwner(sessionId uuid.UUID, c *ClientSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionId]
	if s == nil {
		r.sessions[sessionId] = &p2pSession{state: remoteSession, first: c}
		return true
	}
	if s.first == c || s.second == c {
		r.log.Error().Msgf("client %v already owns session %v", c.Id().Short(), sessionId)
		return false
	}
	if s.state == localSession {
		r.metrics.OwnerOverflow.Inc()
		r.log.Error().Msgf("third owner %v rejected for session %v", c.Id().Short(), sessionId)
		return false
	}
	s.second = c
	s.state = localSession
	return true
}

func (r *Router) isLocal(sessionId uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionId]
	return s != nil && s.state == localSession
}

// getOwner resolves the session id to a client session. A local session
// needs the member address to pick the right endpoint.
func (r *Router) getOwner(sessionId uuid.UUID, memberId string) *ClientSession {
	r.mu.Lock()
	s := r.sessions[sessionId]
	if s == nil {
		r.mu.Unlock()
		return nil
	}
	first, second, local := s.first, s.second, s.state == localSession
	r.mu.Unlock()
	if !local || memberId == "" {
		if local {
			r.log.Warn().Msgf("ambiguous delivery on local session %v", sessionId)
		}
		return first
	}
	if second.MemberId() == memberId {
		return second
	}
	return first
}

// otherOwner returns the second endpoint of a local session, nil when
// the session is not local.
func (r *Router) otherOwner(sessionId uuid.UUID, c *ClientSession) *ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[sessionId]
	if s == nil || s.state != localSession {
		return nil
	}
	if s.first == c {
		return s.second
	}
	return s.first
}

func (r *Router) removeSession(sessionId uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, sessionId)
	r.mu.Unlock()
}

func (r *Router) room(roomId uuid.UUID) *callRoom {
	if room, err := r.rooms.Find(roomId); err == nil {
		return room
	}
	room := &callRoom{}
	if !r.rooms.PutIfAbsent(roomId, room) {
		room, _ = r.rooms.Find(roomId)
	}
	return room
}

//
// Browser-side operations
//

// SessionInitiate registers the caller as an owner and routes the
// initiate. A destination resolving to a call-room member hosted on
// this shard is delivered directly and the later upstream success is
// suppressed; errors still pass through. The upstream is always
// informed for its own bookkeeping.
func (r *Router) SessionInitiate(c *ClientSession, sessionId uuid.UUID, from, to string,
	sdp signaling.Sdp, offer signaling.Offer, offerToReceive signaling.OfferToReceive,
	maxFrameSize, maxFrameRate int, push signaling.PushHint, done signaling.Callback) {
	r.addOwner(sessionId, c)

	upstream := done
	if d, ok := ParseDestination(to); ok && d.Room {
		if room, err := r.rooms.Find(d.CallRoomId); err == nil {
			if member := room.find(to); member != nil && member != c {
				r.addOwner(sessionId, member)
				code := member.OnSessionInitiate(sessionId, from, to, sdp, offer,
					offerToReceive, maxFrameSize, maxFrameRate)
				done(code, 0)
				upstream = func(code signaling.ErrorCode, requestId int64) {
					if code != signaling.Success {
						done(code, requestId)
					}
				}
			}
		}
	}
	r.backend.SessionInitiate(sessionId, from, to, sdp, offer, offerToReceive,
		maxFrameSize, maxFrameRate, push, upstream)
}

func (r *Router) SessionAccept(c *ClientSession, sessionId uuid.UUID, to string, sdp signaling.Sdp,
	offer signaling.Offer, offerToReceive signaling.OfferToReceive, maxFrameSize, maxFrameRate int,
	done signaling.Callback) {
	if other := r.otherOwner(sessionId, c); other != nil {
		done(other.OnSessionAccept(sessionId, sdp, offer, offerToReceive, maxFrameSize, maxFrameRate), 0)
		return
	}
	r.backend.SessionAccept(sessionId, c.from(), to, sdp, offer, offerToReceive,
		maxFrameSize, maxFrameRate, done)
}

func (r *Router) SessionUpdate(c *ClientSession, sessionId uuid.UUID, to string, sdp signaling.Sdp,
	updateType signaling.UpdateType, done signaling.Callback) {
	if other := r.otherOwner(sessionId, c); other != nil {
		done(other.OnSessionUpdate(sessionId, updateType, sdp), 0)
		return
	}
	r.backend.SessionUpdate(sessionId, to, sdp, updateType, done)
}

func (r *Router) TransportInfo(c *ClientSession, sessionId uuid.UUID, to string,
	candidates []signaling.Candidate, done signaling.Callback) {
	requestId := r.backend.NewRequestId()
	if other := r.otherOwner(sessionId, c); other != nil {
		done(other.OnTransportInfo(sessionId, candidates), requestId)
		return
	}
	r.backend.TransportInfo(requestId, sessionId, to, candidates, done)
}

// SessionTerminate delivers locally when possible and is always
// forwarded upstream, the upstream owns the cleanup of its own room and
// member state. The mapping is dropped on any terminal answer.
func (r *Router) SessionTerminate(c *ClientSession, sessionId uuid.UUID, to string,
	reason signaling.TerminateReason, done signaling.Callback) {
	if other := r.otherOwner(sessionId, c); other != nil {
		other.OnSessionTerminate(sessionId, reason)
	}
	r.backend.SessionTerminate(sessionId, to, reason, func(code signaling.ErrorCode, requestId int64) {
		if code != signaling.Offline {
			r.removeSession(sessionId)
		}
		done(code, requestId)
	})
}

func (r *Router) JoinCallRoom(c *ClientSession, roomId, identityId, p2pSessionId uuid.UUID) {
	requestId := r.backend.NewRequestId()
	r.pending.Put(requestId, c)
	r.backend.JoinCallRoom(requestId, roomId, identityId, p2pSessionId)
}

func (r *Router) LeaveCallRoom(c *ClientSession, roomId uuid.UUID, memberId string) {
	if room, err := r.rooms.Find(roomId); err == nil {
		if room.remove(c) == 0 {
			r.rooms.RemoveByKey(roomId)
		}
	}
	r.backend.LeaveCallRoom(r.backend.NewRequestId(), roomId, memberId)
}

func (r *Router) InviteCallRoom(c *ClientSession, roomId, peerId, p2pSessionId uuid.UUID) {
	r.backend.InviteCallRoom(r.backend.NewRequestId(), roomId, peerId, p2pSessionId)
}

// AcquireIdentity binds a pooled call identity to the client. Two
// concurrent acquisitions for the same client are resolved by handing
// the spare identity straight back to the pool.
func (r *Router) AcquireIdentity(c *ClientSession, done func(signaling.ErrorCode, signaling.CallIdentity)) {
	r.pool.Acquire(func(code signaling.ErrorCode, identity signaling.CallIdentity) {
		if code != signaling.Success {
			done(code, identity)
			return
		}
		if !c.bindIdentity(identity) {
			r.pool.Release(identity)
			done(signaling.Success, c.Identity())
			return
		}
		r.inbound.Put(identity.InboundId, c)
		done(signaling.Success, identity)
	})
}

func (r *Router) ReleaseIdentity(c *ClientSession) {
	identity := c.takeIdentity()
	if identity.IsZero() {
		return
	}
	r.inbound.RemoveByKey(identity.InboundId)
	r.pool.Release(identity)
}

//
// Upstream pushes (signaling.Listener)
//

func (r *Router) OnSessionInitiate(sessionId uuid.UUID, from, to string, sdp signaling.Sdp,
	offer signaling.Offer, offerToReceive signaling.OfferToReceive, maxFrameSize, maxFrameRate int) signaling.ErrorCode {
	// an echo of traffic already delivered between two local owners
	if r.isLocal(sessionId) {
		return signaling.Success
	}
	d, ok := ParseDestination(to)
	if !ok {
		return signaling.BadRequest
	}
	var target *ClientSession
	if d.Room {
		room, err := r.rooms.Find(d.CallRoomId)
		if err != nil {
			return signaling.NotFound
		}
		target = room.resolve(to)
	} else if c, err := r.inbound.Find(d.InboundId); err == nil {
		target = c
	}
	if target == nil {
		return signaling.NotFound
	}
	r.addOwner(sessionId, target)
	return target.OnSessionInitiate(sessionId, from, to, sdp, offer, offerToReceive,
		maxFrameSize, maxFrameRate)
}

func (r *Router) OnSessionAccept(sessionId uuid.UUID, to string, sdp signaling.Sdp,
	offer signaling.Offer, offerToReceive signaling.OfferToReceive, maxFrameSize, maxFrameRate int) signaling.ErrorCode {
	if r.isLocal(sessionId) {
		return signaling.Success
	}
	target := r.getOwner(sessionId, to)
	if target == nil {
		return signaling.NotFound
	}
	code := target.OnSessionAccept(sessionId, sdp, offer, offerToReceive, maxFrameSize, maxFrameRate)
	if code == signaling.NotFound {
		r.removeSession(sessionId)
	}
	return code
}

func (r *Router) OnSessionUpdate(sessionId uuid.UUID, updateType signaling.UpdateType,
	sdp signaling.Sdp) signaling.ErrorCode {
	if r.isLocal(sessionId) {
		return signaling.Success
	}
	target := r.getOwner(sessionId, "")
	if target == nil {
		return signaling.NotFound
	}
	code := target.OnSessionUpdate(sessionId, updateType, sdp)
	if code == signaling.NotFound {
		r.removeSession(sessionId)
	}
	return code
}

func (r *Router) OnTransportInfo(sessionId uuid.UUID, candidates []signaling.Candidate) signaling.ErrorCode {
	if r.isLocal(sessionId) {
		return signaling.Success
	}
	target := r.getOwner(sessionId, "")
	if target == nil {
		return signaling.NotFound
	}
	code := target.OnTransportInfo(sessionId, candidates)
	if code == signaling.NotFound {
		r.removeSession(sessionId)
	}
	return code
}

func (r *Router) OnSessionTerminate(sessionId uuid.UUID, reason signaling.TerminateReason) {
	if !r.isLocal(sessionId) {
		if target := r.getOwner(sessionId, ""); target != nil {
			target.OnSessionTerminate(sessionId, reason)
		}
	}
	r.removeSession(sessionId)
}

func (r *Router) OnDeviceRinging(sessionId uuid.UUID) {
	if target := r.getOwner(sessionId, ""); target != nil {
		target.OnDeviceRinging(sessionId)
	}
}

func (r *Router) OnJoinCallRoom(requestId int64, roomId uuid.UUID, memberId string,
	members []signaling.MemberInfo, maxMemberCount int) {
	c, err := r.pending.Pop(requestId)
	if err != nil {
		r.log.Warn().Msgf("no pending join for request %d", requestId)
		return
	}
	r.room(roomId).add(c)
	c.OnJoinCallRoom(roomId, memberId, members, maxMemberCount)
}

func (r *Router) OnLeaveCallRoom(requestId int64, roomId uuid.UUID) {
	r.pending.RemoveByKey(requestId)
	if room, err := r.rooms.Find(roomId); err == nil && room.size() == 0 {
		r.rooms.RemoveByKey(roomId)
	}
}

func (r *Router) OnInviteCallRoom(roomId, inboundId, p2pSessionId uuid.UUID, maxMemberCount int) {
	c, err := r.inbound.Find(inboundId)
	if err != nil {
		r.log.Warn().Msgf("invite for unknown identity %v", inboundId)
		return
	}
	joinId, ok := c.acceptInvite(p2pSessionId)
	if !ok {
		return
	}
	r.room(roomId).add(c)
	r.JoinCallRoom(c, roomId, joinId, p2pSessionId)
}

func (r *Router) OnMemberJoinCallRoom(roomId uuid.UUID, memberId string, sessionId uuid.UUID,
	status signaling.MemberStatus) {
	room, err := r.rooms.Find(roomId)
	if err != nil {
		return
	}
	for _, m := range room.list() {
		m.OnMemberJoinCallRoom(roomId, memberId, sessionId, status)
	}
}

func (r *Router) OnError(requestId int64, code signaling.ErrorCode, param string) {
	if c, err := r.pending.Pop(requestId); err == nil {
		c.log.Warn().Msgf("upstream rejected request %d: %v (%v)", requestId, code, param)
		return
	}
	r.log.Warn().Msgf("upstream error on request %d: %v (%v)", requestId, code, param)
}

//
// Stats
//

func (r *Router) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Router) Rooms() int { return r.rooms.Len() }

func (r *Router) PooledIdentities() int { return r.pool.Free() }
