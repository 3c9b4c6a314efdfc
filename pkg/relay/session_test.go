package relay

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/clickcall/relay/pkg/signaling"
	"github.com/gofrs/uuid"
)

func TestPendingFlushOrder(t *testing.T) {
	r, _ := newTestShard()
	c := newClientSession("id-flush", r)

	const n = 20
	for i := 0; i < n; i++ {
		c.send([]byte(fmt.Sprintf("m%02d", i)))
	}

	tr := &fakeTransport{}
	c.Attach(tr)

	msgs := tr.messages()
	if len(msgs) != n {
		t.Fatalf("flushed %d messages, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("m%02d", i); string(m) != want {
			t.Fatalf("message %d = %q, want %q", i, m, want)
		}
	}

	c.send([]byte("direct"))
	if tr.count() != n+1 {
		t.Fatalf("direct send after attach was not delivered")
	}
}

func TestConcurrentEnqueueDuringFlush(t *testing.T) {
	r, _ := newTestShard()
	c := newClientSession("id-race", r)

	const n = 200
	for i := 0; i < n; i++ {
		c.send([]byte(fmt.Sprintf("a%03d", i)))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			c.send([]byte(fmt.Sprintf("b%03d", i)))
		}
	}()

	tr := &fakeTransport{}
	c.Attach(tr)
	wg.Wait()

	msgs := tr.messages()
	if len(msgs) != 2*n {
		t.Fatalf("delivered %d messages, want %d", len(msgs), 2*n)
	}
	seen := make(map[string]struct{}, 2*n)
	nextA, nextB := 0, 0
	for _, m := range msgs {
		s := string(m)
		if _, dup := seen[s]; dup {
			t.Fatalf("message %q delivered twice", s)
		}
		seen[s] = struct{}{}
		switch {
		case strings.HasPrefix(s, "a"):
			if want := fmt.Sprintf("a%03d", nextA); s != want {
				t.Fatalf("stream a out of order: got %q, want %q", s, want)
			}
			nextA++
		case strings.HasPrefix(s, "b"):
			if want := fmt.Sprintf("b%03d", nextB); s != want {
				t.Fatalf("stream b out of order: got %q, want %q", s, want)
			}
			nextB++
		}
	}
}

func TestCloseDisposesOnCleanClose(t *testing.T) {
	r, fb := newTestShard()
	c := newClientSession("id-clean", r)
	tr := &fakeTransport{}
	c.Attach(tr)
	sid := mustUUID(t)
	c.peers.Put(sid, "peer@inbound.test")
	r.addOwner(sid, c)

	if !c.Close(tr, 1000, "done") {
		t.Fatalf("clean close did not dispose the session")
	}
	call, ok := fb.last("terminate")
	if !ok {
		t.Fatalf("owned session was not terminated upstream")
	}
	if call.sessionId != sid || call.reason != signaling.ReasonDisconnected {
		t.Fatalf("terminate = %+v, want session %v reason %v", call, sid, signaling.ReasonDisconnected)
	}
	if r.Sessions() != 0 {
		t.Fatalf("session table not cleaned on disposal")
	}
}

func TestCloseKeepsDurableSessionOnAbnormalClose(t *testing.T) {
	r, fb := newTestShard()
	c := newClientSession("id-keep", r)
	tr := &fakeTransport{}
	c.Attach(tr)
	c.peers.Put(mustUUID(t), "peer@inbound.test")

	if c.Close(tr, 1006, "") {
		t.Fatalf("abnormal close disposed a durable session")
	}
	if n := fb.count("terminate"); n != 0 {
		t.Fatalf("abnormal close terminated %d sessions, want 0", n)
	}
	if c.peers.IsEmpty() {
		t.Fatalf("abnormal close dropped the peer table")
	}
}

func TestCloseDisposesEphemeralSession(t *testing.T) {
	r, _ := newTestShard()
	c := newClientSession(uuid.Must(uuid.NewV4()).String(), r)
	tr := &fakeTransport{}
	c.Attach(tr)

	if !c.Close(tr, 1006, "") {
		t.Fatalf("ephemeral session survived its transport")
	}
}

func TestDisposeReleasesIdentityAndRoom(t *testing.T) {
	r, fb := newTestShard()
	c := newClientSession("id-dispose", r)
	tr := &fakeTransport{}
	c.Attach(tr)

	identity := newIdentity()
	r.pool.Release(identity)
	r.AcquireIdentity(c, func(signaling.ErrorCode, signaling.CallIdentity) {})

	roomId := mustUUID(t)
	r.room(roomId).add(c)
	c.OnJoinCallRoom(roomId, "me@"+roomId.String()+".callroom.test", nil, 4)

	c.dispose()

	if got := r.pool.Free(); got != 1 {
		t.Fatalf("identity not returned to the pool, free = %d", got)
	}
	if _, err := r.inbound.Find(identity.InboundId); err == nil {
		t.Fatalf("inbound mapping survived disposal")
	}
	if len(fb.leaves) != 1 || fb.leaves[0] != roomId {
		t.Fatalf("call room was not left on disposal: %v", fb.leaves)
	}
	if r.Rooms() != 0 {
		t.Fatalf("empty room not deleted")
	}
}
