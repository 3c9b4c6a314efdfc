package relay

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clickcall/relay/pkg/api"
	"github.com/clickcall/relay/pkg/com"
	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/signaling"
	"github.com/gofrs/uuid"
)

// Transport is the live duplex connection of a browser. Send must
// preserve submission order.
type Transport interface {
	Send(data []byte)
}

// ClientSession is one browser's call-signaling state: its active p2p
// sessions, call-room membership and the outbound buffer that survives
// a reconnect.
//
// mu guards the transport, the pending queue, the call identity and the
// room fields. Outbound delivery and reattachment share it so a flush
// running concurrently with an enqueue never loses a message. No
// network call is made while it is held.
type ClientSession struct {
	id        com.Uid
	sessionId string
	router    *Router
	log       *logger.Logger

	// sessionId -> peer destination address
	peers com.Map[uuid.UUID, string]

	mu           sync.Mutex
	transport    Transport
	pending      [][]byte
	pendingSince time.Time
	lastActivity time.Time

	identity     signaling.CallIdentity
	callRoomId   uuid.UUID
	memberId     string
	knownMembers map[string]struct{}

	disposed atomic.Bool
}

func newClientSession(sessionId string, router *Router) *ClientSession {
	id := com.NewUid()
	return &ClientSession{
		id:        id,
		sessionId: sessionId,
		router:    router,
		log:       router.log.Extend(router.log.With().Str("cid", id.Short())),
		peers:     com.NewMap[uuid.UUID, string](),
	}
}

func (c *ClientSession) Id() com.Uid       { return c.id }
func (c *ClientSession) SessionId() string { return c.sessionId }

// Durable reports whether the session id allows reconnection.
func (c *ClientSession) Durable() bool { return strings.HasPrefix(c.sessionId, DurableIdPrefix) }

// Attach installs a transport and drains the pending queue in FIFO
// order. The queue is swapped out under the lock on every round so an
// enqueue racing the flush lands in a fresh queue, drained next round;
// the transport is only installed once no queue remains.
func (c *ClientSession) Attach(t Transport) {
	for {
		c.mu.Lock()
		queue := c.pending
		c.pending = nil
		if queue == nil {
			c.transport = t
			c.lastActivity = time.Now()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		for _, data := range queue {
			t.Send(data)
		}
	}
}

// send delivers a message to the browser, or defers it until a
// transport reattaches.
func (c *ClientSession) send(data []byte) {
	c.mu.Lock()
	if c.transport == nil {
		if c.pending == nil {
			c.pendingSince = time.Now()
		}
		c.pending = append(c.pending, data)
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.lastActivity = time.Now()
	c.mu.Unlock()
	t.Send(data)
}

// Expired reports whether the session has been detached and idle for
// longer than the grace window.
func (c *ClientSession) Expired(now time.Time, grace time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return false
	}
	last := c.lastActivity
	if c.pending != nil && c.pendingSince.After(last) {
		last = c.pendingSince
	}
	return last.Add(grace).Before(now)
}

// Close detaches the transport. A clean close (1000/1001) or an
// ephemeral session id disposes the session immediately; the return
// value tells the controller whether that happened. Only the transport
// being closed is detached, a reconnect racing the close keeps its own.
func (c *ClientSession) Close(t Transport, code int, reason string) bool {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
	release := code == 1000 || code == 1001 || !c.Durable()
	c.log.Debug().Msgf("close %d (%v) release=%v", code, reason, release)
	if release {
		c.dispose()
	}
	return release
}

// dispose terminates every owned p2p session upstream, returns the call
// identity to the pool and leaves the call room.
func (c *ClientSession) dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	type owned struct {
		id uuid.UUID
		to string
	}
	var sessions []owned
	c.peers.Drain(func(id uuid.UUID, to string) {
		sessions = append(sessions, owned{id, to})
	})
	for _, s := range sessions {
		c.router.SessionTerminate(c, s.id, s.to, signaling.ReasonDisconnected,
			func(signaling.ErrorCode, int64) {})
	}
	c.router.ReleaseIdentity(c)
	roomId, memberId := c.leaveRoomLocked()
	if roomId != uuid.Nil {
		c.router.LeaveCallRoom(c, roomId, memberId)
	}
}

func (c *ClientSession) leaveRoomLocked() (uuid.UUID, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roomId, memberId := c.callRoomId, c.memberId
	c.callRoomId, c.memberId = uuid.Nil, ""
	c.knownMembers = nil
	return roomId, memberId
}

// terminate drops a p2p session from the local table; losing the last
// one while in a call room leaves the room.
func (c *ClientSession) terminate(sessionId uuid.UUID) {
	c.peers.RemoveByKey(sessionId)
	if !c.peers.IsEmpty() {
		return
	}
	roomId, memberId := c.leaveRoomLocked()
	if roomId != uuid.Nil {
		c.router.LeaveCallRoom(c, roomId, memberId)
	}
}

func (c *ClientSession) bindIdentity(identity signaling.CallIdentity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.identity.IsZero() {
		return false
	}
	c.identity = identity
	return true
}

func (c *ClientSession) Identity() signaling.CallIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *ClientSession) takeIdentity() signaling.CallIdentity {
	c.mu.Lock()
	defer c.mu.Unlock()
	identity := c.identity
	c.identity = signaling.CallIdentity{}
	return identity
}

// MemberId returns the client's member address in its current call room.
func (c *ClientSession) MemberId() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memberId
}

//
// Browser messages
//

func (c *ClientSession) HandleMessage(data []byte) {
	switch api.Peek(data) {
	case api.SessionRequest:
		c.handleSessionRequest()
	case api.Ping:
		c.send(api.NewPong())
	case api.SessionInitiate:
		c.handleInitiate(data)
	case api.SessionAccept:
		c.handleAccept(data)
	case api.SessionUpdate:
		c.handleUpdate(data)
	case api.TransportInfo:
		c.handleTransportInfo(data)
	case api.SessionTerminate:
		c.handleTerminate(data)
	case api.InviteCallRoom:
		c.handleInvite(data)
	default:
		c.send(api.NewError(400, "Invalid message", ""))
	}
}

func (c *ClientSession) handleSessionRequest() {
	m := api.SessionConfigMessage{Msg: api.SessionConfig}
	if conf := c.router.backend.Config(); conf != nil {
		m.Config = *conf
	}
	c.send(api.Wrap(m))
}

func (c *ClientSession) handleInitiate(data []byte) {
	m := api.Unwrap[api.SessionInitiateMessage](data)
	if m == nil || m.To == "" || m.Sdp == "" {
		c.send(api.NewError(400, "Invalid message", ""))
		return
	}
	c.ensureIdentity(func(code signaling.ErrorCode) {
		if code != signaling.Success {
			c.send(api.NewError(503, "No call identity available", code.String()))
			return
		}
		if strings.ContainsRune(m.To, '@') {
			// call-room member address, already screened when the room
			// was formed
			c.initiate(m, m.To)
			return
		}
		peerId, err := uuid.FromString(m.To)
		if err != nil {
			c.send(api.NewError(400, "Invalid message", m.To))
			return
		}
		c.router.backend.ResolveIdentity(peerId, func(code signaling.ErrorCode, info *signaling.IdentityInfo) {
			if status := screen(code, info); status != "" {
				c.send(api.NewInitiateFailure(status))
				return
			}
			c.initiate(m, c.router.backend.PeerAddress(info.Id, c.Identity().OutboundId))
		})
	})
}

// screen decides whether the resolved identity accepts calls; an empty
// status means it does.
func screen(code signaling.ErrorCode, info *signaling.IdentityInfo) string {
	if code != signaling.Success || info == nil {
		return "gone"
	}
	if info.Kind != signaling.KindCallReceiver || (!info.Audio && !info.Video) {
		return "not-authorized"
	}
	if info.Schedule != nil && !info.Schedule.Contains(time.Now()) {
		return "schedule"
	}
	return ""
}

func (c *ClientSession) initiate(m *api.SessionInitiateMessage, dest string) {
	sessionId, err := uuid.NewV4()
	if err != nil {
		c.send(api.NewError(500, "Internal error", ""))
		return
	}
	c.peers.Put(sessionId, dest)

	offer := m.Offer
	// the data channel is always negotiated, it carries in-call messaging
	offer.Data = true
	push := signaling.PushHint{Operation: signaling.PushMessage, Priority: signaling.PriorityHigh}
	if offer.Video {
		push.Operation = signaling.PushVideoCall
	} else if offer.Audio {
		push.Operation = signaling.PushAudioCall
	}

	c.router.SessionInitiate(c, sessionId, c.from(), dest, signaling.Sdp{Content: m.Sdp},
		offer, m.OfferToReceive, m.MaxFrameSize, m.MaxFrameRate, push,
		func(code signaling.ErrorCode, _ int64) {
			switch code {
			case signaling.Success:
				c.send(api.NewInitiateSuccess(sessionId.String()))
			case signaling.NotFound:
				c.terminate(sessionId)
				c.send(api.NewInitiateFailure("peer not found"))
			default:
				c.send(api.NewInitiateFailure(code.String()))
			}
		})
}

// from builds this client's own inbound address, empty while no call
// identity is bound.
func (c *ClientSession) from() string {
	identity := c.Identity()
	if identity.IsZero() {
		return ""
	}
	return c.router.backend.PeerAddress(identity.InboundId, identity.Id)
}

func (c *ClientSession) ensureIdentity(done func(signaling.ErrorCode)) {
	if !c.Identity().IsZero() {
		done(signaling.Success)
		return
	}
	c.router.AcquireIdentity(c, func(code signaling.ErrorCode, _ signaling.CallIdentity) {
		done(code)
	})
}

func (c *ClientSession) handleAccept(data []byte) {
	m := api.Unwrap[api.SessionInMessage](data)
	sessionId, to, ok := c.lookup(m == nil, m)
	if !ok {
		return
	}
	c.router.SessionAccept(c, sessionId, to, signaling.Sdp{Content: m.Sdp},
		m.Offer, m.OfferToReceive, m.MaxFrameSize, m.MaxFrameRate,
		c.cleanupOnNotFound(sessionId))
}

func (c *ClientSession) handleUpdate(data []byte) {
	m := api.Unwrap[api.SessionInMessage](data)
	sessionId, to, ok := c.lookup(m == nil, m)
	if !ok {
		return
	}
	c.router.SessionUpdate(c, sessionId, to, signaling.Sdp{Content: m.Sdp},
		signaling.UpdateType(m.UpdateType), c.cleanupOnNotFound(sessionId))
}

func (c *ClientSession) handleTransportInfo(data []byte) {
	m := api.Unwrap[api.TransportInfoMessage](data)
	if m == nil || m.Candidates == nil {
		c.send(api.NewError(400, "Invalid message", ""))
		return
	}
	sessionId, err := uuid.FromString(m.SessionId)
	if err != nil {
		c.send(api.NewError(400, "Invalid message", m.SessionId))
		return
	}
	to, err := c.peers.Find(sessionId)
	if err != nil {
		c.send(api.NewError(404, "Unknown session", m.SessionId))
		return
	}
	c.router.TransportInfo(c, sessionId, to, m.Candidates, c.cleanupOnNotFound(sessionId))
}

func (c *ClientSession) handleTerminate(data []byte) {
	m := api.Unwrap[api.SessionTerminateMessage](data)
	if m == nil {
		c.send(api.NewError(400, "Invalid message", ""))
		return
	}
	sessionId, err := uuid.FromString(m.SessionId)
	if err != nil {
		c.send(api.NewError(400, "Invalid message", m.SessionId))
		return
	}
	to, err := c.peers.Find(sessionId)
	if err != nil {
		return
	}
	c.router.SessionTerminate(c, sessionId, to, signaling.TerminateReason(m.Reason),
		func(signaling.ErrorCode, int64) {})
	c.terminate(sessionId)
}

func (c *ClientSession) handleInvite(data []byte) {
	m := api.Unwrap[api.InviteCallRoomMessage](data)
	if m == nil {
		c.send(api.NewError(400, "Invalid message", ""))
		return
	}
	sessionId, err1 := uuid.FromString(m.SessionId)
	roomId, err2 := uuid.FromString(m.CallRoomId)
	peerId, err3 := uuid.FromString(m.PeerId)
	if err1 != nil || err2 != nil || err3 != nil {
		c.send(api.NewError(400, "Invalid message", ""))
		return
	}
	if !c.peers.Has(sessionId) {
		c.send(api.NewError(404, "Unknown session", m.SessionId))
		return
	}
	c.router.InviteCallRoom(c, roomId, peerId, sessionId)
}

// lookup resolves the session id of a browser message against the
// peer table, replying with an error on any failure.
func (c *ClientSession) lookup(bad bool, m *api.SessionInMessage) (uuid.UUID, string, bool) {
	if bad {
		c.send(api.NewError(400, "Invalid message", ""))
		return uuid.Nil, "", false
	}
	sessionId, err := uuid.FromString(m.SessionId)
	if err != nil {
		c.send(api.NewError(400, "Invalid message", m.SessionId))
		return uuid.Nil, "", false
	}
	to, err := c.peers.Find(sessionId)
	if err != nil {
		c.send(api.NewError(404, "Unknown session", m.SessionId))
		return uuid.Nil, "", false
	}
	return sessionId, to, true
}

// cleanupOnNotFound translates an upstream NotFound into a local
// terminate so the browser learns the session is gone.
func (c *ClientSession) cleanupOnNotFound(sessionId uuid.UUID) signaling.Callback {
	return func(code signaling.ErrorCode, _ int64) {
		if code != signaling.NotFound {
			return
		}
		c.terminate(sessionId)
		c.send(api.Wrap(api.SessionOutMessage{
			Msg:       api.SessionTerminate,
			SessionId: sessionId.String(),
			Reason:    string(signaling.ReasonGone),
		}))
	}
}

//
// Upstream deliveries
//

func (c *ClientSession) OnSessionInitiate(sessionId uuid.UUID, from, to string, sdp signaling.Sdp,
	offer signaling.Offer, offerToReceive signaling.OfferToReceive, maxFrameSize, maxFrameRate int) signaling.ErrorCode {
	if sdp.Encrypted {
		return signaling.Unsupported
	}
	c.peers.PutIfAbsent(sessionId, from)
	c.send(api.Wrap(api.SessionOutMessage{
		Msg:            api.SessionInitiate,
		SessionId:      sessionId.String(),
		From:           from,
		Sdp:            sdp.Content,
		Offer:          &offer,
		OfferToReceive: &offerToReceive,
		MaxFrameSize:   maxFrameSize,
		MaxFrameRate:   maxFrameRate,
	}))
	return signaling.Success
}

func (c *ClientSession) OnSessionAccept(sessionId uuid.UUID, sdp signaling.Sdp,
	offer signaling.Offer, offerToReceive signaling.OfferToReceive, maxFrameSize, maxFrameRate int) signaling.ErrorCode {
	if !c.peers.Has(sessionId) {
		return signaling.NotFound
	}
	if sdp.Encrypted {
		return signaling.Unsupported
	}
	c.send(api.Wrap(api.SessionOutMessage{
		Msg:            api.SessionAccept,
		SessionId:      sessionId.String(),
		Sdp:            sdp.Content,
		Offer:          &offer,
		OfferToReceive: &offerToReceive,
		MaxFrameSize:   maxFrameSize,
		MaxFrameRate:   maxFrameRate,
	}))
	return signaling.Success
}

func (c *ClientSession) OnSessionUpdate(sessionId uuid.UUID, updateType signaling.UpdateType,
	sdp signaling.Sdp) signaling.ErrorCode {
	if !c.peers.Has(sessionId) {
		return signaling.NotFound
	}
	if sdp.Encrypted {
		return signaling.Unsupported
	}
	c.send(api.Wrap(api.SessionOutMessage{
		Msg:        api.SessionUpdate,
		SessionId:  sessionId.String(),
		Sdp:        sdp.Content,
		UpdateType: string(updateType),
	}))
	return signaling.Success
}

func (c *ClientSession) OnTransportInfo(sessionId uuid.UUID, candidates []signaling.Candidate) signaling.ErrorCode {
	if !c.peers.Has(sessionId) {
		return signaling.NotFound
	}
	if candidates == nil {
		return signaling.BadRequest
	}
	c.send(api.Wrap(api.SessionOutMessage{
		Msg:        api.TransportInfo,
		SessionId:  sessionId.String(),
		Candidates: candidates,
	}))
	return signaling.Success
}

func (c *ClientSession) OnSessionTerminate(sessionId uuid.UUID, reason signaling.TerminateReason) {
	if c.peers.Has(sessionId) {
		c.send(api.Wrap(api.SessionOutMessage{
			Msg:       api.SessionTerminate,
			SessionId: sessionId.String(),
			Reason:    string(reason),
		}))
	}
	c.terminate(sessionId)
}

func (c *ClientSession) OnDeviceRinging(sessionId uuid.UUID) {
	if !c.peers.Has(sessionId) {
		return
	}
	c.send(api.Wrap(api.SessionOutMessage{Msg: api.DeviceRinging, SessionId: sessionId.String()}))
}

func (c *ClientSession) OnJoinCallRoom(roomId uuid.UUID, memberId string,
	members []signaling.MemberInfo, maxMemberCount int) {
	c.mu.Lock()
	c.callRoomId = roomId
	c.memberId = memberId
	if c.knownMembers == nil {
		c.knownMembers = make(map[string]struct{})
	}
	for _, m := range members {
		if m.Status != signaling.MemberDelete {
			c.knownMembers[m.MemberId] = struct{}{}
		}
	}
	c.mu.Unlock()
	c.send(api.Wrap(api.JoinCallRoomMessage{
		Msg:            api.JoinCallRoom,
		CallRoomId:     roomId.String(),
		MemberId:       memberId,
		Members:        members,
		MaxMemberCount: maxMemberCount,
	}))
}

// OnMemberJoinCallRoom announces a new room member once per member id;
// the upstream emits one notification per shard subscriber.
func (c *ClientSession) OnMemberJoinCallRoom(roomId uuid.UUID, memberId string,
	sessionId uuid.UUID, status signaling.MemberStatus) {
	c.mu.Lock()
	if c.callRoomId != roomId || memberId == c.memberId {
		c.mu.Unlock()
		return
	}
	if status == signaling.MemberDelete {
		delete(c.knownMembers, memberId)
	} else {
		if _, known := c.knownMembers[memberId]; known {
			c.mu.Unlock()
			return
		}
		if c.knownMembers == nil {
			c.knownMembers = make(map[string]struct{})
		}
		c.knownMembers[memberId] = struct{}{}
	}
	c.mu.Unlock()
	m := api.MemberJoinMessage{
		Msg:        api.MemberJoin,
		CallRoomId: roomId.String(),
		MemberId:   memberId,
		Status:     string(status),
	}
	if sessionId != uuid.Nil {
		m.SessionId = sessionId.String()
	}
	c.send(api.Wrap(m))
}

// acceptInvite checks whether a pushed call-room invitation can be
// honored and returns the inbound identity to join with.
func (c *ClientSession) acceptInvite(p2pSessionId uuid.UUID) (uuid.UUID, bool) {
	if !c.peers.Has(p2pSessionId) {
		return uuid.Nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callRoomId != uuid.Nil || c.identity.IsZero() {
		return uuid.Nil, false
	}
	return c.identity.InboundId, true
}
