package relay

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/signaling"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

func testLogger() *logger.Logger { return logger.New(false) }

func newTestShard() (*Router, *fakeBackend) {
	fb := newFakeBackend()
	metrics := NewMetricsOn(prometheus.NewRegistry())
	r := NewRouter(0, metrics, testLogger())
	r.Bind(fb, NewPool(fb, 10, metrics, testLogger()))
	return r, fb
}

func newIdentity() signaling.CallIdentity {
	return signaling.CallIdentity{
		Id:         uuid.Must(uuid.NewV4()),
		InboundId:  uuid.Must(uuid.NewV4()),
		OutboundId: uuid.Must(uuid.NewV4()),
		SwitchId:   uuid.Must(uuid.NewV4()),
	}
}

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (t *fakeTransport) Send(data []byte) {
	t.mu.Lock()
	t.sent = append(t.sent, data)
	t.mu.Unlock()
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) messages() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

type upstreamCall struct {
	op        string
	sessionId uuid.UUID
	to        string
	reason    signaling.TerminateReason
}

type joinCall struct {
	requestId  int64
	roomId     uuid.UUID
	identityId uuid.UUID
	sessionId  uuid.UUID
}

// fakeBackend is a scripted in-memory stand-in for the upstream
// signaling service, answering every request synchronously.
type fakeBackend struct {
	mu        sync.Mutex
	requestId atomic.Int64

	// completion code for session operations
	code    signaling.ErrorCode
	calls   []upstreamCall
	joins   []joinCall
	leaves  []uuid.UUID
	invites []joinCall
	resolve map[uuid.UUID]*signaling.IdentityInfo

	pools           []signaling.PoolInfo
	createCodes     []signaling.ErrorCode
	persistCodes    []signaling.ErrorCode
	createAttempts  int
	persistAttempts int
	online          []func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		code:    signaling.Success,
		resolve: make(map[uuid.UUID]*signaling.IdentityInfo),
	}
}

func (f *fakeBackend) record(op string, sessionId uuid.UUID, to string, reason signaling.TerminateReason) {
	f.mu.Lock()
	f.calls = append(f.calls, upstreamCall{op: op, sessionId: sessionId, to: to, reason: reason})
	f.mu.Unlock()
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeBackend) last(op string) (upstreamCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].op == op {
			return f.calls[i], true
		}
	}
	return upstreamCall{}, false
}

func (f *fakeBackend) SessionInitiate(sessionId uuid.UUID, from, to string, sdp signaling.Sdp,
	offer signaling.Offer, offerToReceive signaling.OfferToReceive, maxFrameSize, maxFrameRate int,
	push signaling.PushHint, done signaling.Callback) {
	f.record("initiate", sessionId, to, "")
	done(f.code, 0)
}

func (f *fakeBackend) SessionAccept(sessionId uuid.UUID, from, to string, sdp signaling.Sdp,
	offer signaling.Offer, offerToReceive signaling.OfferToReceive, maxFrameSize, maxFrameRate int,
	done signaling.Callback) {
	f.record("accept", sessionId, to, "")
	done(f.code, 0)
}

func (f *fakeBackend) SessionUpdate(sessionId uuid.UUID, to string, sdp signaling.Sdp,
	updateType signaling.UpdateType, done signaling.Callback) {
	f.record("update", sessionId, to, "")
	done(f.code, 0)
}

func (f *fakeBackend) TransportInfo(requestId int64, sessionId uuid.UUID, to string,
	candidates []signaling.Candidate, done signaling.Callback) {
	f.record("transport-info", sessionId, to, "")
	done(f.code, requestId)
}

func (f *fakeBackend) SessionTerminate(sessionId uuid.UUID, to string,
	reason signaling.TerminateReason, done signaling.Callback) {
	f.record("terminate", sessionId, to, reason)
	done(f.code, 0)
}

func (f *fakeBackend) JoinCallRoom(requestId int64, callRoomId, identityId, sessionId uuid.UUID) {
	f.mu.Lock()
	f.joins = append(f.joins, joinCall{requestId, callRoomId, identityId, sessionId})
	f.mu.Unlock()
}

func (f *fakeBackend) LeaveCallRoom(requestId int64, callRoomId uuid.UUID, memberId string) {
	f.mu.Lock()
	f.leaves = append(f.leaves, callRoomId)
	f.mu.Unlock()
}

func (f *fakeBackend) InviteCallRoom(requestId int64, callRoomId, identityId, sessionId uuid.UUID) {
	f.mu.Lock()
	f.invites = append(f.invites, joinCall{requestId, callRoomId, identityId, sessionId})
	f.mu.Unlock()
}

func (f *fakeBackend) PeerAddress(peerIdentityId, identityId uuid.UUID) string {
	return peerIdentityId.String() + "@inbound.test"
}

func (f *fakeBackend) ResolveIdentity(identityId uuid.UUID, done func(signaling.ErrorCode, *signaling.IdentityInfo)) {
	f.mu.Lock()
	info := f.resolve[identityId]
	f.mu.Unlock()
	if info == nil {
		done(signaling.NotFound, nil)
		return
	}
	done(signaling.Success, info)
}

func (f *fakeBackend) Config() *signaling.Config { return &signaling.Config{} }

func (f *fakeBackend) NewRequestId() int64 { return f.requestId.Add(1) }

//
// Provisioner
//

func (f *fakeBackend) ListPools(done func(signaling.ErrorCode, []signaling.PoolInfo)) {
	f.mu.Lock()
	pools := make([]signaling.PoolInfo, len(f.pools))
	copy(pools, f.pools)
	f.mu.Unlock()
	done(signaling.Success, pools)
}

func (f *fakeBackend) CreatePool(done func(signaling.ErrorCode, signaling.PoolInfo)) {
	info := signaling.PoolInfo{Id: uuid.Must(uuid.NewV4())}
	f.mu.Lock()
	f.pools = append(f.pools, info)
	f.mu.Unlock()
	done(signaling.Success, info)
}

func (f *fakeBackend) CreateIdentity(poolId uuid.UUID, done func(signaling.ErrorCode, signaling.CallIdentity)) {
	f.mu.Lock()
	code := signaling.Success
	if f.createAttempts < len(f.createCodes) {
		code = f.createCodes[f.createAttempts]
	}
	f.createAttempts++
	f.mu.Unlock()
	if code != signaling.Success {
		done(code, signaling.CallIdentity{})
		return
	}
	done(signaling.Success, newIdentity())
}

func (f *fakeBackend) PersistPool(poolId uuid.UUID, done func(signaling.ErrorCode)) {
	f.mu.Lock()
	code := signaling.Success
	if f.persistAttempts < len(f.persistCodes) {
		code = f.persistCodes[f.persistAttempts]
	}
	f.persistAttempts++
	if code == signaling.Success {
		for i := range f.pools {
			if f.pools[i].Id == poolId {
				f.pools[i].Size++
			}
		}
	}
	f.mu.Unlock()
	done(code)
}

func (f *fakeBackend) OnOnline(fn func()) {
	f.mu.Lock()
	f.online = append(f.online, fn)
	f.mu.Unlock()
}

func (f *fakeBackend) goOnline() {
	f.mu.Lock()
	hooks := make([]func(), len(f.online))
	copy(hooks, f.online)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	return uuid.Must(uuid.NewV4())
}
