// Package signaling defines the contract with the upstream call-signaling
// service. The relay is a client of that service: it sends session operations
// upstream and receives pushed notifications through the Listener interface.
package signaling

import (
	"time"

	"github.com/gofrs/uuid"
)

type ErrorCode uint8

const (
	Success ErrorCode = iota
	// unknown session, room or identity; terminal, triggers table cleanup
	NotFound
	// malformed input, rejected with no state change
	BadRequest
	// the target exists but does not accept the call
	Unauthorized
	// the payload could not be decoded (e.g. an encrypted SDP)
	Unsupported
	// no resource-pool capacity
	Unavailable
	// the upstream authority is temporarily unreachable; the only
	// retryable condition
	Offline
)

func (e ErrorCode) String() string {
	switch e {
	case Success:
		return "success"
	case NotFound:
		return "not-found"
	case BadRequest:
		return "bad-request"
	case Unauthorized:
		return "not-authorized"
	case Unsupported:
		return "not-supported"
	case Unavailable:
		return "unavailable"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// Sdp is an opaque session description. Content is empty when the payload
// was encrypted end-to-end and cannot be inspected by the relay.
type Sdp struct {
	Content   string
	Encrypted bool
}

type UpdateType string

const (
	UpdateOffer  UpdateType = "offer"
	UpdateAnswer UpdateType = "answer"
)

type TerminateReason string

const (
	ReasonSuccess       TerminateReason = "success"
	ReasonBusy          TerminateReason = "busy"
	ReasonCancel        TerminateReason = "cancel"
	ReasonDecline       TerminateReason = "decline"
	ReasonDisconnected  TerminateReason = "disconnected"
	ReasonGone          TerminateReason = "gone"
	ReasonNotAuthorized TerminateReason = "not-authorized"
)

type Offer struct {
	Audio     bool   `json:"audio"`
	Video     bool   `json:"video"`
	VideoBell bool   `json:"videoBell,omitempty"`
	Data      bool   `json:"data"`
	Transfer  bool   `json:"transfer,omitempty"`
	Version   string `json:"version,omitempty"`
}

type OfferToReceive struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
	Data  bool `json:"data"`
}

// Candidate is a single ICE transport candidate (or its removal).
type Candidate struct {
	SdpMLineIndex int    `json:"sdpMLineIndex"`
	SdpMid        string `json:"sdpMid"`
	Sdp           string `json:"candidate"`
	Removed       bool   `json:"removed,omitempty"`
}

type MemberStatus string

const (
	MemberNew         MemberStatus = "member-new"
	MemberNeedSession MemberStatus = "member-need-session"
	MemberDelete      MemberStatus = "member-delete"
)

type MemberInfo struct {
	MemberId  string       `json:"memberId"`
	SessionId uuid.UUID    `json:"sessionId,omitempty"`
	Status    MemberStatus `json:"status"`
}

type TurnServer struct {
	Urls       string `json:"urls"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// Config is the subset of the upstream configuration that may be exposed
// to browsers.
type Config struct {
	TurnServers          []TurnServer `json:"turnServers"`
	MaxSendFrameSize     int          `json:"maxSendFrameSize"`
	MaxSendFrameRate     int          `json:"maxSendFrameRate"`
	MaxReceivedFrameSize int          `json:"maxReceivedFrameSize"`
	MaxReceivedFrameRate int          `json:"maxReceivedFrameRate"`
}

type IdentityKind uint8

const (
	KindUnknown IdentityKind = iota
	KindCallReceiver
)

// Schedule is an availability window attached to a call receiver.
type Schedule struct {
	Start time.Time
	End   time.Time
}

func (s *Schedule) Contains(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}

// IdentityInfo is the already-parsed capability record of a remote identity.
type IdentityInfo struct {
	Id       uuid.UUID
	Kind     IdentityKind
	Audio    bool
	Video    bool
	Transfer bool
	Schedule *Schedule
}

// CallIdentity is a pooled bundle of identifiers representing an anonymous
// caller: the identity record, its inbound and outbound addressable halves
// and the switch id.
type CallIdentity struct {
	Id         uuid.UUID `json:"id"`
	InboundId  uuid.UUID `json:"inboundId"`
	OutboundId uuid.UUID `json:"outboundId"`
	SwitchId   uuid.UUID `json:"switchId"`
}

func (c CallIdentity) IsZero() bool { return c.Id == uuid.Nil }

// PoolInfo describes a remotely-persisted identity pool object.
type PoolInfo struct {
	Id   uuid.UUID `json:"id"`
	Size int       `json:"size"`
}

type PushOperation uint8

const (
	PushMessage PushOperation = iota
	PushAudioCall
	PushVideoCall
)

type PushPriority uint8

const (
	PriorityNormal PushPriority = iota
	PriorityHigh
)

// PushHint carries push-notification routing information for an initiate.
type PushHint struct {
	Operation PushOperation
	Priority  PushPriority
}

// Callback reports the outcome of an asynchronous upstream request.
type Callback func(code ErrorCode, requestId int64)

// Backend is the single upstream channel to the signaling service.
// All calls are non-blocking; completion handlers run on the backend's
// own reader goroutine.
type Backend interface {
	SessionInitiate(sessionId uuid.UUID, from, to string, sdp Sdp, offer Offer,
		offerToReceive OfferToReceive, maxFrameSize, maxFrameRate int, push PushHint, done Callback)
	SessionAccept(sessionId uuid.UUID, from, to string, sdp Sdp, offer Offer,
		offerToReceive OfferToReceive, maxFrameSize, maxFrameRate int, done Callback)
	SessionUpdate(sessionId uuid.UUID, to string, sdp Sdp, updateType UpdateType, done Callback)
	TransportInfo(requestId int64, sessionId uuid.UUID, to string, candidates []Candidate, done Callback)
	SessionTerminate(sessionId uuid.UUID, to string, reason TerminateReason, done Callback)

	JoinCallRoom(requestId int64, callRoomId, identityId, sessionId uuid.UUID)
	LeaveCallRoom(requestId int64, callRoomId uuid.UUID, memberId string)
	InviteCallRoom(requestId int64, callRoomId, identityId, sessionId uuid.UUID)

	// PeerAddress builds the upstream destination string for a direct call
	// from the local identity to the peer identity.
	PeerAddress(peerIdentityId, identityId uuid.UUID) string
	// ResolveIdentity fetches the capability record of a remote identity.
	ResolveIdentity(identityId uuid.UUID, done func(ErrorCode, *IdentityInfo))

	Config() *Config
	NewRequestId() int64
}

// Provisioner creates and persists pooled call identities on the remote
// authority.
type Provisioner interface {
	ListPools(done func(ErrorCode, []PoolInfo))
	CreatePool(done func(ErrorCode, PoolInfo))
	CreateIdentity(poolId uuid.UUID, done func(ErrorCode, CallIdentity))
	PersistPool(poolId uuid.UUID, done func(ErrorCode))
	// OnOnline registers a callback fired on every reconnection to the
	// remote authority.
	OnOnline(fn func())
}

// Listener receives the notifications pushed by the upstream service.
type Listener interface {
	OnSessionInitiate(sessionId uuid.UUID, from, to string, sdp Sdp, offer Offer,
		offerToReceive OfferToReceive, maxFrameSize, maxFrameRate int) ErrorCode
	OnSessionAccept(sessionId uuid.UUID, to string, sdp Sdp, offer Offer,
		offerToReceive OfferToReceive, maxFrameSize, maxFrameRate int) ErrorCode
	OnSessionUpdate(sessionId uuid.UUID, updateType UpdateType, sdp Sdp) ErrorCode
	OnTransportInfo(sessionId uuid.UUID, candidates []Candidate) ErrorCode
	OnSessionTerminate(sessionId uuid.UUID, reason TerminateReason)
	OnDeviceRinging(sessionId uuid.UUID)

	OnJoinCallRoom(requestId int64, callRoomId uuid.UUID, memberId string, members []MemberInfo, maxMemberCount int)
	OnLeaveCallRoom(requestId int64, callRoomId uuid.UUID)
	OnInviteCallRoom(callRoomId, inboundId, sessionId uuid.UUID, maxMemberCount int)
	OnMemberJoinCallRoom(callRoomId uuid.UUID, memberId string, sessionId uuid.UUID, status MemberStatus)

	OnError(requestId int64, code ErrorCode, param string)
}
