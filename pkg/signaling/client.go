package signaling

import (
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clickcall/relay/pkg/com"
	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/network/websocket"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
)

const redialWait = 5 * time.Second

// packet is the upstream wire envelope. Both directions share one flat
// shape discriminated by the msg field; absent fields are omitted.
type packet struct {
	Msg       string `json:"msg"`
	RequestId int64  `json:"requestId,omitempty"`
	Code      string `json:"code,omitempty"`

	SessionId      string          `json:"sessionId,omitempty"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	Sdp            string          `json:"sdp,omitempty"`
	Encrypted      bool            `json:"encrypted,omitempty"`
	Offer          *Offer          `json:"offer,omitempty"`
	OfferToReceive *OfferToReceive `json:"offerToReceive,omitempty"`
	MaxFrameSize   int             `json:"maxFrameSize,omitempty"`
	MaxFrameRate   int             `json:"maxFrameRate,omitempty"`
	UpdateType     string          `json:"updateType,omitempty"`
	Candidates     []Candidate     `json:"candidates,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Operation      uint8           `json:"operation,omitempty"`
	Priority       uint8           `json:"priority,omitempty"`

	CallRoomId     string       `json:"callRoomId,omitempty"`
	MemberId       string       `json:"memberId,omitempty"`
	Members        []MemberInfo `json:"members,omitempty"`
	MaxMemberCount int          `json:"maxMemberCount,omitempty"`
	IdentityId     string       `json:"identityId,omitempty"`

	PoolId   string        `json:"poolId,omitempty"`
	Pools    []PoolInfo    `json:"pools,omitempty"`
	Identity *CallIdentity `json:"identity,omitempty"`
	Info     *identityInfo `json:"info,omitempty"`
	Config   *Config       `json:"config,omitempty"`
	Status   string        `json:"status,omitempty"`
}

type identityInfo struct {
	Id            string `json:"id"`
	Kind          string `json:"kind"`
	Audio         bool   `json:"audio"`
	Video         bool   `json:"video"`
	Transfer      bool   `json:"transfer"`
	ScheduleStart int64  `json:"scheduleStart,omitempty"`
	ScheduleEnd   int64  `json:"scheduleEnd,omitempty"`
}

// Client is the websocket connection to the upstream signaling service.
// It implements both Backend and Provisioner and keeps redialing after
// a connection loss; pending requests of a lost connection complete
// with Offline.
type Client struct {
	address  url.URL
	domain   string
	listener Listener
	log      *logger.Logger

	conn      *websocket.WS
	connMu    sync.Mutex
	requestId atomic.Int64
	pending   com.Map[int64, func(code ErrorCode, p *packet)]

	conf   atomic.Pointer[Config]
	online []func()
	onMu   sync.Mutex

	closed atomic.Bool
	Done   chan struct{}
}

func Dial(address url.URL, domain string, l Listener, log *logger.Logger) (*Client, error) {
	c := &Client{
		address:  address,
		domain:   domain,
		listener: l,
		log:      log.Extend(log.With().Str("s", "up")),
		pending:  com.NewMap[int64, func(ErrorCode, *packet)](),
		Done:     make(chan struct{}, 1),
	}
	conn, err := websocket.NewClient(address, c.log)
	if err != nil {
		return nil, err
	}
	c.attach(conn)
	go c.supervise()
	return c, nil
}

func (c *Client) attach(conn *websocket.WS) {
	conn.OnMessage = c.handleMessage
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// supervise redials the upstream after a connection loss and fires the
// online hooks on every successful reconnection.
func (c *Client) supervise() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		<-conn.Done
		c.drain()
		if c.closed.Load() {
			c.Done <- struct{}{}
			return
		}
		c.log.Warn().Msg("upstream connection lost")
		for {
			if c.closed.Load() {
				c.Done <- struct{}{}
				return
			}
			next, err := websocket.NewClient(c.address, c.log)
			if err == nil {
				c.attach(next)
				c.log.Info().Msg("upstream connection restored")
				c.fireOnline()
				break
			}
			time.Sleep(redialWait)
		}
	}
}

func (c *Client) fireOnline() {
	c.onMu.Lock()
	hooks := make([]func(), len(c.online))
	copy(hooks, c.online)
	c.onMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// drain completes every pending request with Offline.
func (c *Client) drain() {
	c.pending.Drain(func(id int64, done func(ErrorCode, *packet)) {
		done(Offline, nil)
	})
}

func (c *Client) Close() {
	c.closed.Store(true)
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	conn.Close()
}

func (c *Client) send(p *packet) bool {
	data, err := json.Marshal(p)
	if err != nil {
		c.log.Error().Err(err).Msg("cannot encode upstream packet")
		return false
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	conn.Write(data)
	return true
}

// call sends a request and registers its completion handler under a fresh
// correlation id.
func (c *Client) call(p *packet, done func(ErrorCode, *packet)) {
	p.RequestId = c.NewRequestId()
	if done != nil {
		c.pending.Put(p.RequestId, done)
	}
	if !c.send(p) && done != nil {
		if _, err := c.pending.Pop(p.RequestId); err == nil {
			done(Offline, nil)
		}
	}
}

func codeFromString(s string) ErrorCode {
	switch s {
	case "", "success":
		return Success
	case "not-found":
		return NotFound
	case "bad-request":
		return BadRequest
	case "not-authorized":
		return Unauthorized
	case "not-supported":
		return Unsupported
	case "unavailable":
		return Unavailable
	case "offline":
		return Offline
	}
	return BadRequest
}

func (c *Client) handleMessage(message []byte, err error) {
	if err != nil {
		return
	}
	var p packet
	if err := json.Unmarshal(message, &p); err != nil {
		c.log.Error().Err(err).Msg("bad upstream packet")
		return
	}

	if p.Msg == "response" {
		if done, err := c.pending.Pop(p.RequestId); err == nil {
			done(codeFromString(p.Code), &p)
		}
		return
	}
	c.dispatch(&p)
}

func (c *Client) dispatch(p *packet) {
	sessionId, _ := uuid.FromString(p.SessionId)
	switch p.Msg {
	case "config":
		if p.Config != nil {
			c.conf.Store(p.Config)
		}
	case "session-initiate":
		offer, otr := unpackOffers(p)
		code := c.listener.OnSessionInitiate(sessionId, p.From, p.To,
			Sdp{Content: p.Sdp, Encrypted: p.Encrypted}, offer, otr, p.MaxFrameSize, p.MaxFrameRate)
		c.reply(p, code)
	case "session-accept":
		offer, otr := unpackOffers(p)
		code := c.listener.OnSessionAccept(sessionId, p.To,
			Sdp{Content: p.Sdp, Encrypted: p.Encrypted}, offer, otr, p.MaxFrameSize, p.MaxFrameRate)
		c.reply(p, code)
	case "session-update":
		code := c.listener.OnSessionUpdate(sessionId, UpdateType(p.UpdateType),
			Sdp{Content: p.Sdp, Encrypted: p.Encrypted})
		c.reply(p, code)
	case "transport-info":
		code := c.listener.OnTransportInfo(sessionId, p.Candidates)
		c.reply(p, code)
	case "session-terminate":
		c.listener.OnSessionTerminate(sessionId, TerminateReason(p.Reason))
	case "device-ringing":
		c.listener.OnDeviceRinging(sessionId)
	case "join-callroom":
		roomId, _ := uuid.FromString(p.CallRoomId)
		c.listener.OnJoinCallRoom(p.RequestId, roomId, p.MemberId, p.Members, p.MaxMemberCount)
	case "leave-callroom":
		roomId, _ := uuid.FromString(p.CallRoomId)
		c.listener.OnLeaveCallRoom(p.RequestId, roomId)
	case "invite-callroom":
		roomId, _ := uuid.FromString(p.CallRoomId)
		inboundId, _ := uuid.FromString(p.IdentityId)
		c.listener.OnInviteCallRoom(roomId, inboundId, sessionId, p.MaxMemberCount)
	case "member-join":
		roomId, _ := uuid.FromString(p.CallRoomId)
		c.listener.OnMemberJoinCallRoom(roomId, p.MemberId, sessionId, MemberStatus(p.Status))
	case "error":
		c.listener.OnError(p.RequestId, codeFromString(p.Code), p.Reason)
	default:
		c.log.Warn().Msgf("unknown upstream message %q", p.Msg)
	}
}

func unpackOffers(p *packet) (Offer, OfferToReceive) {
	var offer Offer
	var otr OfferToReceive
	if p.Offer != nil {
		offer = *p.Offer
	}
	if p.OfferToReceive != nil {
		otr = *p.OfferToReceive
	}
	return offer, otr
}

// reply acknowledges a pushed session operation when the upstream asked
// for a correlated answer.
func (c *Client) reply(p *packet, code ErrorCode) {
	if p.RequestId == 0 {
		return
	}
	c.send(&packet{Msg: "response", RequestId: p.RequestId, Code: code.String()})
}

//
// Backend
//

func (c *Client) SessionInitiate(sessionId uuid.UUID, from, to string, sdp Sdp, offer Offer,
	offerToReceive OfferToReceive, maxFrameSize, maxFrameRate int, push PushHint, done Callback) {
	c.call(&packet{
		Msg:            "session-initiate",
		SessionId:      sessionId.String(),
		From:           from,
		To:             to,
		Sdp:            sdp.Content,
		Encrypted:      sdp.Encrypted,
		Offer:          &offer,
		OfferToReceive: &offerToReceive,
		MaxFrameSize:   maxFrameSize,
		MaxFrameRate:   maxFrameRate,
		Operation:      uint8(push.Operation),
		Priority:       uint8(push.Priority),
	}, func(code ErrorCode, _ *packet) { done(code, 0) })
}

func (c *Client) SessionAccept(sessionId uuid.UUID, from, to string, sdp Sdp, offer Offer,
	offerToReceive OfferToReceive, maxFrameSize, maxFrameRate int, done Callback) {
	c.call(&packet{
		Msg:            "session-accept",
		SessionId:      sessionId.String(),
		From:           from,
		To:             to,
		Sdp:            sdp.Content,
		Encrypted:      sdp.Encrypted,
		Offer:          &offer,
		OfferToReceive: &offerToReceive,
		MaxFrameSize:   maxFrameSize,
		MaxFrameRate:   maxFrameRate,
	}, func(code ErrorCode, _ *packet) { done(code, 0) })
}

func (c *Client) SessionUpdate(sessionId uuid.UUID, to string, sdp Sdp, updateType UpdateType, done Callback) {
	c.call(&packet{
		Msg:        "session-update",
		SessionId:  sessionId.String(),
		To:         to,
		Sdp:        sdp.Content,
		Encrypted:  sdp.Encrypted,
		UpdateType: string(updateType),
	}, func(code ErrorCode, _ *packet) { done(code, 0) })
}

func (c *Client) TransportInfo(requestId int64, sessionId uuid.UUID, to string, candidates []Candidate, done Callback) {
	rq := &packet{
		Msg:        "transport-info",
		RequestId:  requestId,
		SessionId:  sessionId.String(),
		To:         to,
		Candidates: candidates,
	}
	c.pending.Put(requestId, func(code ErrorCode, _ *packet) { done(code, requestId) })
	if !c.send(rq) {
		if _, err := c.pending.Pop(requestId); err == nil {
			done(Offline, requestId)
		}
	}
}

func (c *Client) SessionTerminate(sessionId uuid.UUID, to string, reason TerminateReason, done Callback) {
	c.call(&packet{
		Msg:       "session-terminate",
		SessionId: sessionId.String(),
		To:        to,
		Reason:    string(reason),
	}, func(code ErrorCode, _ *packet) { done(code, 0) })
}

func (c *Client) JoinCallRoom(requestId int64, callRoomId, identityId, sessionId uuid.UUID) {
	c.send(&packet{
		Msg:        "join-callroom",
		RequestId:  requestId,
		CallRoomId: callRoomId.String(),
		IdentityId: identityId.String(),
		SessionId:  sessionId.String(),
	})
}

func (c *Client) LeaveCallRoom(requestId int64, callRoomId uuid.UUID, memberId string) {
	c.send(&packet{
		Msg:        "leave-callroom",
		RequestId:  requestId,
		CallRoomId: callRoomId.String(),
		MemberId:   memberId,
	})
}

func (c *Client) InviteCallRoom(requestId int64, callRoomId, identityId, sessionId uuid.UUID) {
	c.send(&packet{
		Msg:        "invite-callroom",
		RequestId:  requestId,
		CallRoomId: callRoomId.String(),
		IdentityId: identityId.String(),
		SessionId:  sessionId.String(),
	})
}

func (c *Client) PeerAddress(peerIdentityId, identityId uuid.UUID) string {
	return peerIdentityId.String() + "@inbound." + c.domain
}

func (c *Client) ResolveIdentity(identityId uuid.UUID, done func(ErrorCode, *IdentityInfo)) {
	c.call(&packet{Msg: "get-identity", IdentityId: identityId.String()},
		func(code ErrorCode, p *packet) {
			if code != Success || p == nil || p.Info == nil {
				done(code, nil)
				return
			}
			info := &IdentityInfo{
				Audio:    p.Info.Audio,
				Video:    p.Info.Video,
				Transfer: p.Info.Transfer,
			}
			info.Id, _ = uuid.FromString(p.Info.Id)
			if p.Info.Kind == "call-receiver" {
				info.Kind = KindCallReceiver
			}
			if p.Info.ScheduleEnd > 0 {
				info.Schedule = &Schedule{
					Start: time.UnixMilli(p.Info.ScheduleStart),
					End:   time.UnixMilli(p.Info.ScheduleEnd),
				}
			}
			done(Success, info)
		})
}

func (c *Client) Config() *Config { return c.conf.Load() }

func (c *Client) NewRequestId() int64 { return c.requestId.Add(1) }

//
// Provisioner
//

func (c *Client) ListPools(done func(ErrorCode, []PoolInfo)) {
	c.call(&packet{Msg: "list-pools"}, func(code ErrorCode, p *packet) {
		if code != Success || p == nil {
			done(code, nil)
			return
		}
		done(Success, p.Pools)
	})
}

func (c *Client) CreatePool(done func(ErrorCode, PoolInfo)) {
	c.call(&packet{Msg: "create-pool"}, func(code ErrorCode, p *packet) {
		if code != Success || p == nil || p.PoolId == "" {
			done(code, PoolInfo{})
			return
		}
		id, _ := uuid.FromString(p.PoolId)
		done(Success, PoolInfo{Id: id})
	})
}

func (c *Client) CreateIdentity(poolId uuid.UUID, done func(ErrorCode, CallIdentity)) {
	c.call(&packet{Msg: "create-identity", PoolId: poolId.String()},
		func(code ErrorCode, p *packet) {
			if code != Success || p == nil || p.Identity == nil {
				done(code, CallIdentity{})
				return
			}
			done(Success, *p.Identity)
		})
}

func (c *Client) PersistPool(poolId uuid.UUID, done func(ErrorCode)) {
	c.call(&packet{Msg: "persist-pool", PoolId: poolId.String()},
		func(code ErrorCode, _ *packet) { done(code) })
}

func (c *Client) OnOnline(fn func()) {
	c.onMu.Lock()
	c.online = append(c.online, fn)
	c.onMu.Unlock()
}
