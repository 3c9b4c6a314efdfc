package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clickcall/relay/pkg/com"
	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/service"
)

// Controller spreads browsers over the shards round-robin, owns the
// global client directory keyed by durable session id and runs the
// periodic reclamation sweep.
//
// The sweep keeps three rotating buckets of disposal candidates. A
// detached client goes in the current bucket; each tick cleans the
// bucket that is two ticks old. A disconnected browser therefore keeps
// its state for at least two and at most three sweep periods.
type Controller struct {
	service.RunnableService

	shards  []*Router
	idx     atomic.Int64
	clients com.Map[string, *ClientSession]

	bucketMu  sync.Mutex
	buckets   [3]map[string]*ClientSession
	bucketIdx int

	period  time.Duration
	metrics *Metrics
	log     *logger.Logger
	done    chan struct{}
}

func NewController(shards []*Router, period time.Duration, metrics *Metrics, log *logger.Logger) *Controller {
	c := &Controller{
		shards:  shards,
		clients: com.NewMap[string, *ClientSession](),
		period:  period,
		metrics: metrics,
		log:     log.Extend(log.With().Str("s", "controller")),
		done:    make(chan struct{}),
	}
	for i := range c.buckets {
		c.buckets[i] = make(map[string]*ClientSession)
	}
	return c
}

// nextShard picks the next router round-robin. The wrap races with
// other pickers; losing the race only skips to the next shard.
func (t *Controller) nextShard() *Router {
	for {
		n := t.idx.Add(1)
		if n <= int64(len(t.shards)) {
			return t.shards[n-1]
		}
		t.idx.CompareAndSwap(n, 0)
	}
}

// CreateClient resolves a browser's session id to its client session.
// A durable id reconnecting within the grace window resumes its prior
// state, queued messages included.
func (t *Controller) CreateClient(sessionId string) *ClientSession {
	var c *ClientSession
	for {
		if existing, err := t.clients.Find(sessionId); err == nil {
			t.unqueue(sessionId)
			return existing
		}
		if c == nil {
			c = newClientSession(sessionId, t.nextShard())
		}
		if t.clients.PutIfAbsent(sessionId, c) {
			t.metrics.ClientsCreated.Inc()
			return c
		}
	}
}

// ReleaseClient is called when a browser's transport went away. A
// disposed client leaves the directory; any other becomes a candidate
// for the reclamation sweep.
func (t *Controller) ReleaseClient(c *ClientSession, disposed bool) {
	if disposed {
		t.clients.RemoveByKey(c.SessionId())
		return
	}
	t.bucketMu.Lock()
	t.buckets[t.bucketIdx][c.SessionId()] = c
	t.bucketMu.Unlock()
}

// unqueue removes a reconnected client from every sweep bucket.
func (t *Controller) unqueue(sessionId string) {
	t.bucketMu.Lock()
	for i := range t.buckets {
		delete(t.buckets[i], sessionId)
	}
	t.bucketMu.Unlock()
}

func (t *Controller) Run() { go t.run() }

func (t *Controller) run() {
	ticker := time.NewTicker(t.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.done:
			return
		}
	}
}

func (t *Controller) Shutdown(context.Context) error {
	close(t.done)
	return nil
}

func (t *Controller) sweep() {
	t.bucketMu.Lock()
	idx := (t.bucketIdx + 1) % 3
	bucket := t.buckets[idx]
	t.buckets[idx] = make(map[string]*ClientSession)
	t.bucketIdx = idx
	t.bucketMu.Unlock()

	now := time.Now()
	for sessionId, c := range bucket {
		if c.Expired(now, 2*t.period) {
			t.clients.RemoveByKey(sessionId)
			t.metrics.ClientsSwept.Inc()
			c.dispose()
			continue
		}
		t.log.Warn().Msgf("client %v has not expired and is in the expiration list", c.Id().Short())
	}
}

//
// Stats
//

func (t *Controller) Clients() int { return t.clients.Len() }

func (t *Controller) Sessions() int {
	n := 0
	for _, r := range t.shards {
		n += r.Sessions()
	}
	return n
}

func (t *Controller) Rooms() int {
	n := 0
	for _, r := range t.shards {
		n += r.Rooms()
	}
	return n
}

func (t *Controller) PooledIdentities() int {
	n := 0
	for _, r := range t.shards {
		n += r.PooledIdentities()
	}
	return n
}
