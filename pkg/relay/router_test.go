package relay

import (
	"testing"

	"github.com/clickcall/relay/pkg/api"
	"github.com/clickcall/relay/pkg/signaling"
	"github.com/gofrs/uuid"
)

func attachClient(r *Router, sessionId string) (*ClientSession, *fakeTransport) {
	c := newClientSession(sessionId, r)
	tr := &fakeTransport{}
	c.Attach(tr)
	return c, tr
}

func kinds(tr *fakeTransport) []api.Kind {
	var out []api.Kind
	for _, m := range tr.messages() {
		out = append(out, api.Peek(m))
	}
	return out
}

func TestOwnerCap(t *testing.T) {
	r, _ := newTestShard()
	a, _ := attachClient(r, "id-a")
	b, _ := attachClient(r, "id-b")
	c, _ := attachClient(r, "id-c")
	sid := mustUUID(t)

	if !r.addOwner(sid, a) || !r.addOwner(sid, b) {
		t.Fatalf("first two owners rejected")
	}
	if r.addOwner(sid, c) {
		t.Fatalf("third owner accepted")
	}
	if r.addOwner(sid, a) {
		t.Fatalf("duplicate owner accepted")
	}
	// the table is unchanged
	if got := r.otherOwner(sid, a); got != b {
		t.Fatalf("otherOwner(a) = %v, want b", got)
	}
	if got := r.otherOwner(sid, b); got != a {
		t.Fatalf("otherOwner(b) = %v, want a", got)
	}
}

func TestLocalDeliverySkipsUpstream(t *testing.T) {
	r, fb := newTestShard()
	x, _ := attachClient(r, "id-x")
	y, ytr := attachClient(r, "id-y")
	sid := mustUUID(t)
	y.peers.Put(sid, "x@inbound.test")
	r.addOwner(sid, x)
	r.addOwner(sid, y)

	var last signaling.ErrorCode
	done := func(code signaling.ErrorCode, _ int64) { last = code }

	r.SessionAccept(x, sid, "y@inbound.test", signaling.Sdp{Content: "answer"},
		signaling.Offer{Audio: true, Data: true}, signaling.OfferToReceive{}, 0, 0, done)
	if last != signaling.Success {
		t.Fatalf("local accept = %v", last)
	}
	r.SessionUpdate(x, sid, "y@inbound.test", signaling.Sdp{Content: "offer"},
		signaling.UpdateOffer, done)
	if last != signaling.Success {
		t.Fatalf("local update = %v", last)
	}
	r.TransportInfo(x, sid, "y@inbound.test",
		[]signaling.Candidate{{SdpMid: "0", Sdp: "candidate"}}, done)
	if last != signaling.Success {
		t.Fatalf("local transport-info = %v", last)
	}

	for _, op := range []string{"accept", "update", "transport-info"} {
		if n := fb.count(op); n != 0 {
			t.Fatalf("%s reached the upstream %d times", op, n)
		}
	}
	want := []api.Kind{api.SessionAccept, api.SessionUpdate, api.TransportInfo}
	got := kinds(ytr)
	if len(got) != len(want) {
		t.Fatalf("peer received %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("peer received %v, want %v", got, want)
		}
	}
}

func TestLocalTerminateStillForwardedUpstream(t *testing.T) {
	r, fb := newTestShard()
	x, _ := attachClient(r, "id-x")
	y, ytr := attachClient(r, "id-y")
	sid := mustUUID(t)
	y.peers.Put(sid, "x@inbound.test")
	r.addOwner(sid, x)
	r.addOwner(sid, y)

	r.SessionTerminate(x, sid, "y@inbound.test", signaling.ReasonSuccess,
		func(signaling.ErrorCode, int64) {})

	if n := fb.count("terminate"); n != 1 {
		t.Fatalf("terminate forwarded upstream %d times, want exactly 1", n)
	}
	got := kinds(ytr)
	if len(got) != 1 || got[0] != api.SessionTerminate {
		t.Fatalf("peer received %v, want a single session-terminate", got)
	}
	if r.Sessions() != 0 {
		t.Fatalf("terminated session left in the table")
	}
}

// client X calls identity Y which is not attached to any shard: the
// initiate goes upstream, nothing is resolved locally.
func TestRemoteInitiateForwardsUpstream(t *testing.T) {
	r, fb := newTestShard()
	x, _ := attachClient(r, "id-x")
	sid := mustUUID(t)
	to := mustUUID(t).String() + "@inbound.test"

	var codes []signaling.ErrorCode
	r.SessionInitiate(x, sid, "x@inbound.test", to, signaling.Sdp{Content: "offer"},
		signaling.Offer{Audio: true, Data: true}, signaling.OfferToReceive{Audio: true}, 0, 0,
		signaling.PushHint{Operation: signaling.PushAudioCall, Priority: signaling.PriorityHigh},
		func(code signaling.ErrorCode, _ int64) { codes = append(codes, code) })

	if n := fb.count("initiate"); n != 1 {
		t.Fatalf("initiate reached the upstream %d times, want 1", n)
	}
	if len(codes) != 1 || codes[0] != signaling.Success {
		t.Fatalf("caller outcomes = %v, want a single success", codes)
	}
	if r.isLocal(sid) {
		t.Fatalf("remote session marked local")
	}
}

// clients X and Y share a call room on the shard: Y gets the initiate
// directly and the duplicate upstream success is suppressed.
func TestLocalRoomInitiate(t *testing.T) {
	r, fb := newTestShard()
	x, _ := attachClient(r, "id-x")
	y, ytr := attachClient(r, "id-y")
	roomId := mustUUID(t)
	memberX := "mx@" + roomId.String() + ".callroom.test"
	memberY := "my@" + roomId.String() + ".callroom.test"
	r.room(roomId).add(x)
	r.room(roomId).add(y)
	x.OnJoinCallRoom(roomId, memberX, nil, 4)
	y.OnJoinCallRoom(roomId, memberY, nil, 4)

	sid := mustUUID(t)
	var codes []signaling.ErrorCode
	r.SessionInitiate(x, sid, memberX, memberY, signaling.Sdp{Content: "offer"},
		signaling.Offer{Video: true, Data: true}, signaling.OfferToReceive{Video: true}, 0, 0,
		signaling.PushHint{Operation: signaling.PushVideoCall, Priority: signaling.PriorityHigh},
		func(code signaling.ErrorCode, _ int64) { codes = append(codes, code) })

	if !r.isLocal(sid) {
		t.Fatalf("room call between two shard members is not local")
	}
	if len(codes) != 1 || codes[0] != signaling.Success {
		t.Fatalf("caller outcomes = %v, want a single success (upstream ack suppressed)", codes)
	}
	if n := fb.count("initiate"); n != 1 {
		t.Fatalf("upstream informed %d times, want 1", n)
	}
	got := kinds(ytr)
	if len(got) != 2 || got[1] != api.SessionInitiate {
		t.Fatalf("callee received %v, want [join-callroom session-initiate]", got)
	}
}

func TestUpstreamPushRouting(t *testing.T) {
	r, _ := newTestShard()
	c, tr := attachClient(r, "id-c")
	identity := newIdentity()
	r.pool.Release(identity)
	r.AcquireIdentity(c, func(signaling.ErrorCode, signaling.CallIdentity) {})

	sid := mustUUID(t)
	to := identity.InboundId.String() + "@inbound.test"
	code := r.OnSessionInitiate(sid, "peer@inbound.test", to, signaling.Sdp{Content: "offer"},
		signaling.Offer{Audio: true, Data: true}, signaling.OfferToReceive{}, 0, 0)
	if code != signaling.Success {
		t.Fatalf("push initiate = %v", code)
	}
	got := kinds(tr)
	if len(got) != 1 || got[0] != api.SessionInitiate {
		t.Fatalf("client received %v, want session-initiate", got)
	}
	if r.Sessions() != 1 {
		t.Fatalf("pushed session not registered")
	}

	if code := r.OnSessionInitiate(mustUUID(t), "p@inbound.test",
		mustUUID(t).String()+"@inbound.test", signaling.Sdp{Content: "o"},
		signaling.Offer{}, signaling.OfferToReceive{}, 0, 0); code != signaling.NotFound {
		t.Fatalf("unknown identity = %v, want NotFound", code)
	}
	if code := r.OnSessionInitiate(mustUUID(t), "p@inbound.test", "garbage",
		signaling.Sdp{Content: "o"}, signaling.Offer{}, signaling.OfferToReceive{}, 0, 0); code != signaling.BadRequest {
		t.Fatalf("malformed destination = %v, want BadRequest", code)
	}
}

func TestUpstreamEchoDiscarded(t *testing.T) {
	r, _ := newTestShard()
	x, _ := attachClient(r, "id-x")
	y, ytr := attachClient(r, "id-y")
	sid := mustUUID(t)
	y.peers.Put(sid, "x@inbound.test")
	r.addOwner(sid, x)
	r.addOwner(sid, y)
	before := ytr.count()

	if code := r.OnSessionAccept(sid, "y@inbound.test", signaling.Sdp{Content: "a"},
		signaling.Offer{}, signaling.OfferToReceive{}, 0, 0); code != signaling.Success {
		t.Fatalf("echo accept = %v, want Success", code)
	}
	if code := r.OnSessionInitiate(sid, "x@inbound.test", "y@inbound.test",
		signaling.Sdp{Content: "o"}, signaling.Offer{}, signaling.OfferToReceive{}, 0, 0); code != signaling.Success {
		t.Fatalf("echo initiate = %v, want Success", code)
	}
	if ytr.count() != before {
		t.Fatalf("upstream echo re-delivered to a local owner")
	}
}

func TestUpstreamAcceptUnknownSession(t *testing.T) {
	r, _ := newTestShard()
	if code := r.OnSessionAccept(mustUUID(t), "", signaling.Sdp{Content: "a"},
		signaling.Offer{}, signaling.OfferToReceive{}, 0, 0); code != signaling.NotFound {
		t.Fatalf("unknown session accept = %v, want NotFound", code)
	}
}

func TestInvitePushJoinsRoom(t *testing.T) {
	r, fb := newTestShard()
	c, _ := attachClient(r, "id-i")
	identity := newIdentity()
	r.pool.Release(identity)
	r.AcquireIdentity(c, func(signaling.ErrorCode, signaling.CallIdentity) {})
	sid := mustUUID(t)
	c.peers.Put(sid, "peer@inbound.test")
	roomId := mustUUID(t)

	r.OnInviteCallRoom(roomId, identity.InboundId, sid, 4)

	if len(fb.joins) != 1 {
		t.Fatalf("join requests = %d, want 1", len(fb.joins))
	}
	join := fb.joins[0]
	if join.roomId != roomId || join.identityId != identity.InboundId || join.sessionId != sid {
		t.Fatalf("join request = %+v", join)
	}

	memberId := "me@" + roomId.String() + ".callroom.test"
	r.OnJoinCallRoom(join.requestId, roomId, memberId,
		[]signaling.MemberInfo{{MemberId: memberId, Status: signaling.MemberNew}}, 4)
	if c.MemberId() != memberId {
		t.Fatalf("member id = %q, want %q", c.MemberId(), memberId)
	}
	if r.Rooms() != 1 {
		t.Fatalf("room not registered")
	}

	// already in a room, a second invite is ignored
	r.OnInviteCallRoom(mustUUID(t), identity.InboundId, sid, 4)
	if len(fb.joins) != 1 {
		t.Fatalf("second invite was not ignored")
	}
}

func TestMemberJoinFanoutDeduplicated(t *testing.T) {
	r, _ := newTestShard()
	x, xtr := attachClient(r, "id-x")
	y, ytr := attachClient(r, "id-y")
	roomId := mustUUID(t)
	r.room(roomId).add(x)
	r.room(roomId).add(y)
	x.OnJoinCallRoom(roomId, "mx@"+roomId.String()+".callroom.test", nil, 4)
	y.OnJoinCallRoom(roomId, "my@"+roomId.String()+".callroom.test", nil, 4)
	beforeX, beforeY := xtr.count(), ytr.count()

	newcomer := "mz@" + roomId.String() + ".callroom.test"
	r.OnMemberJoinCallRoom(roomId, newcomer, mustUUID(t), signaling.MemberNew)
	r.OnMemberJoinCallRoom(roomId, newcomer, mustUUID(t), signaling.MemberNew)

	if got := xtr.count() - beforeX; got != 1 {
		t.Fatalf("x received %d member-join messages, want 1", got)
	}
	if got := ytr.count() - beforeY; got != 1 {
		t.Fatalf("y received %d member-join messages, want 1", got)
	}
}

func TestSoleMemberFallback(t *testing.T) {
	r, _ := newTestShard()
	c, tr := attachClient(r, "id-solo")
	roomId := mustUUID(t)
	r.room(roomId).add(c)
	c.OnJoinCallRoom(roomId, "me@"+roomId.String()+".callroom.test", nil, 4)
	before := tr.count()

	// the supplied member id does not match, the sole member still
	// resolves
	sid := mustUUID(t)
	to := "other@" + roomId.String() + ".callroom.test"
	if code := r.OnSessionInitiate(sid, "peer@inbound.test", to, signaling.Sdp{Content: "o"},
		signaling.Offer{Audio: true, Data: true}, signaling.OfferToReceive{}, 0, 0); code != signaling.Success {
		t.Fatalf("sole-member resolution = %v, want Success", code)
	}
	if tr.count() != before+1 {
		t.Fatalf("sole member did not receive the initiate")
	}
}

func TestAcquireIdentityRace(t *testing.T) {
	r, _ := newTestShard()
	c, _ := attachClient(r, "id-race")
	first, second := newIdentity(), newIdentity()
	r.pool.Release(first)
	r.pool.Release(second)

	var got []uuid.UUID
	done := func(code signaling.ErrorCode, identity signaling.CallIdentity) {
		if code != signaling.Success {
			t.Fatalf("acquire = %v", code)
		}
		got = append(got, identity.Id)
	}
	r.AcquireIdentity(c, done)
	r.AcquireIdentity(c, done)

	if len(got) != 2 || got[0] != got[1] {
		t.Fatalf("double acquisition bound two identities: %v", got)
	}
	// the spare went back on the free list
	if r.pool.Free() != 1 {
		t.Fatalf("spare identity lost, free = %d", r.pool.Free())
	}
}
