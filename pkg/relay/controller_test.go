package relay

import (
	"testing"
	"time"

	"github.com/clickcall/relay/pkg/signaling"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestController(shards int, period time.Duration) (*Controller, []*fakeBackend) {
	metrics := NewMetricsOn(prometheus.NewRegistry())
	routers := make([]*Router, shards)
	backends := make([]*fakeBackend, shards)
	for i := range routers {
		fb := newFakeBackend()
		r := NewRouter(i, metrics, testLogger())
		r.Bind(fb, NewPool(fb, 10, metrics, testLogger()))
		routers[i] = r
		backends[i] = fb
	}
	return NewController(routers, period, metrics, testLogger()), backends
}

func TestRoundRobinSharding(t *testing.T) {
	ctrl, _ := newTestController(3, time.Minute)
	var got []int
	for i := 0; i < 6; i++ {
		c := ctrl.CreateClient("id-" + string(rune('a'+i)))
		got = append(got, c.router.id)
	}
	want := []int{0, 1, 2, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shard order = %v, want %v", got, want)
		}
	}
}

func TestReconnectResumesState(t *testing.T) {
	ctrl, _ := newTestController(1, time.Minute)
	c := ctrl.CreateClient("id-re")
	tr1 := &fakeTransport{}
	c.Attach(tr1)

	if !c.Close(tr1, 1006, "") {
		ctrl.ReleaseClient(c, false)
	}
	c.send([]byte("queued while away"))
	ctrl.sweep()

	again := ctrl.CreateClient("id-re")
	if again != c {
		t.Fatalf("reconnect produced a new client session")
	}
	tr2 := &fakeTransport{}
	again.Attach(tr2)
	msgs := tr2.messages()
	if len(msgs) != 1 || string(msgs[0]) != "queued while away" {
		t.Fatalf("queued state lost across reconnect: %q", msgs)
	}

	// the reattached client left the reclamation path
	ctrl.sweep()
	ctrl.sweep()
	ctrl.sweep()
	if ctrl.Clients() != 1 {
		t.Fatalf("reattached client swept away")
	}
}

// a 1006 close starts the grace window: disposal happens at the third
// sweep after the drop, never earlier, and owned sessions terminate
// with reason disconnected.
func TestSweepDisposal(t *testing.T) {
	const period = 10 * time.Millisecond
	ctrl, backends := newTestController(1, period)
	fb := backends[0]

	c := ctrl.CreateClient("id-gone")
	tr := &fakeTransport{}
	c.Attach(tr)
	sid := mustUUID(t)
	c.peers.Put(sid, "peer@inbound.test")
	c.router.addOwner(sid, c)

	if c.Close(tr, 1006, "") {
		t.Fatalf("abnormal close disposed immediately")
	}
	ctrl.ReleaseClient(c, false)

	time.Sleep(2*period + period/2)
	ctrl.sweep()
	if ctrl.Clients() != 1 {
		t.Fatalf("client disposed at tick T+1")
	}
	ctrl.sweep()
	if ctrl.Clients() != 1 {
		t.Fatalf("client disposed at tick T+2")
	}
	ctrl.sweep()
	if ctrl.Clients() != 0 {
		t.Fatalf("client not disposed at tick T+3")
	}
	call, ok := fb.last("terminate")
	if !ok || call.sessionId != sid || call.reason != signaling.ReasonDisconnected {
		t.Fatalf("owned session not terminated with disconnected: %+v", call)
	}
}

func TestCleanCloseLeavesDirectoryImmediately(t *testing.T) {
	ctrl, _ := newTestController(1, time.Minute)
	c := ctrl.CreateClient("id-bye")
	tr := &fakeTransport{}
	c.Attach(tr)

	disposed := c.Close(tr, 1000, "bye")
	ctrl.ReleaseClient(c, disposed)
	if !disposed {
		t.Fatalf("clean close kept the session")
	}
	if ctrl.Clients() != 0 {
		t.Fatalf("disposed client still in the directory")
	}
}
