// Package api defines the browser-facing wire protocol.
//
// Each message is a JSON object discriminated by its msg field:
//
//	{"msg":"session-initiate","to":"...","sdp":"...","offer":{...}}
//
// The payload fields differ per message kind; Kind peeks at the
// discriminator so the payload can be unwrapped into the matching
// structure with a second pass.
package api

import (
	"github.com/clickcall/relay/pkg/signaling"
	"github.com/goccy/go-json"
)

type Kind string

// Browser to relay.
const (
	SessionRequest   Kind = "session-request"
	Ping             Kind = "ping"
	SessionInitiate  Kind = "session-initiate"
	SessionAccept    Kind = "session-accept"
	SessionUpdate    Kind = "session-update"
	TransportInfo    Kind = "transport-info"
	SessionTerminate Kind = "session-terminate"
	InviteCallRoom   Kind = "invite-call-room"
)

// Relay to browser.
const (
	Pong                    Kind = "pong"
	Error                   Kind = "error"
	SessionConfig           Kind = "session-config"
	SessionInitiateResponse Kind = "session-initiate-response"
	DeviceRinging           Kind = "device-ringing"
	JoinCallRoom            Kind = "join-callroom"
	MemberJoin              Kind = "member-join"
)

type Envelope struct {
	Msg Kind `json:"msg"`
}

// Peek extracts the message kind without decoding the payload.
func Peek(data []byte) Kind {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return ""
	}
	return e.Msg
}

func Unwrap[T any](data []byte) *T {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

func Wrap(m any) []byte {
	data, _ := json.Marshal(m)
	return data
}

type SessionRequestMessage struct {
	Msg       Kind   `json:"msg"`
	SessionId string `json:"session-id,omitempty"`
}

type SessionInitiateMessage struct {
	Msg            Kind                     `json:"msg"`
	To             string                   `json:"to"`
	Sdp            string                   `json:"sdp"`
	Offer          signaling.Offer          `json:"offer"`
	OfferToReceive signaling.OfferToReceive `json:"offerToReceive"`
	MaxFrameSize   int                      `json:"maxFrameSize,omitempty"`
	MaxFrameRate   int                      `json:"maxFrameRate,omitempty"`
}

type SessionInMessage struct {
	Msg            Kind                     `json:"msg"`
	SessionId      string                   `json:"sessionId"`
	Sdp            string                   `json:"sdp"`
	Offer          signaling.Offer          `json:"offer"`
	OfferToReceive signaling.OfferToReceive `json:"offerToReceive"`
	MaxFrameSize   int                      `json:"maxFrameSize,omitempty"`
	MaxFrameRate   int                      `json:"maxFrameRate,omitempty"`
	UpdateType     string                   `json:"updateType,omitempty"`
}

type TransportInfoMessage struct {
	Msg        Kind                  `json:"msg"`
	SessionId  string                `json:"sessionId"`
	Candidates []signaling.Candidate `json:"candidates"`
}

type SessionTerminateMessage struct {
	Msg       Kind   `json:"msg"`
	SessionId string `json:"sessionId"`
	Reason    string `json:"reason"`
}

type InviteCallRoomMessage struct {
	Msg        Kind   `json:"msg"`
	SessionId  string `json:"sessionId"`
	CallRoomId string `json:"callRoomId"`
	// the peer identity the caller wants to bring into the room
	PeerId string `json:"twincodeOutboundId"`
}

type SessionOutMessage struct {
	Msg            Kind                      `json:"msg"`
	SessionId      string                    `json:"sessionId"`
	From           string                    `json:"from,omitempty"`
	Sdp            string                    `json:"sdp,omitempty"`
	Offer          *signaling.Offer          `json:"offer,omitempty"`
	OfferToReceive *signaling.OfferToReceive `json:"offerToReceive,omitempty"`
	MaxFrameSize   int                       `json:"maxFrameSize,omitempty"`
	MaxFrameRate   int                       `json:"maxFrameRate,omitempty"`
	UpdateType     string                    `json:"updateType,omitempty"`
	Candidates     []signaling.Candidate     `json:"candidates,omitempty"`
	Reason         string                    `json:"reason,omitempty"`
}

type SessionInitiateResponseMessage struct {
	Msg       Kind   `json:"msg"`
	SessionId string `json:"sessionId,omitempty"`
	Status    string `json:"status"`
}

type SessionConfigMessage struct {
	Msg Kind `json:"msg"`
	signaling.Config
}

type JoinCallRoomMessage struct {
	Msg            Kind                   `json:"msg"`
	CallRoomId     string                 `json:"callRoomId"`
	MemberId       string                 `json:"memberId"`
	Members        []signaling.MemberInfo `json:"members"`
	MaxMemberCount int                    `json:"maxMemberCount,omitempty"`
}

type MemberJoinMessage struct {
	Msg        Kind   `json:"msg"`
	CallRoomId string `json:"callRoomId"`
	MemberId   string `json:"memberId"`
	SessionId  string `json:"sessionId,omitempty"`
	Status     string `json:"status"`
}

type ErrorMessage struct {
	Msg         Kind   `json:"msg"`
	Code        int    `json:"code"`
	Description string `json:"description"`
	Info        string `json:"info,omitempty"`
}

type PongMessage struct {
	Msg Kind `json:"msg"`
}

func NewError(code int, description, info string) []byte {
	return Wrap(ErrorMessage{Msg: Error, Code: code, Description: description, Info: info})
}

func NewPong() []byte { return Wrap(PongMessage{Msg: Pong}) }

// NewInitiateSuccess acknowledges a browser initiate with the allocated
// session id.
func NewInitiateSuccess(sessionId string) []byte {
	return Wrap(SessionInitiateResponseMessage{Msg: SessionInitiateResponse, SessionId: sessionId, Status: "success"})
}

// NewInitiateFailure rejects a browser initiate. The status tells the
// browser why: "peer not found", "not-authorized", "gone" or "schedule".
func NewInitiateFailure(status string) []byte {
	return Wrap(SessionInitiateResponseMessage{Msg: SessionInitiateResponse, Status: status})
}
