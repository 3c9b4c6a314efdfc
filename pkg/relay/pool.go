package relay

import (
	"sync"
	"sync/atomic"

	"github.com/clickcall/relay/pkg/logger"
	"github.com/clickcall/relay/pkg/signaling"
	"github.com/gofrs/uuid"
)

// Pool manages the supply of pre-provisioned call identities of one
// shard. Released identities go on a local LIFO free list; when the
// list is empty a new identity is created remotely in the pool object
// holding the fewest.
type Pool struct {
	prov    signaling.Provisioner
	target  int
	log     *logger.Logger
	metrics *Metrics

	mu     sync.Mutex
	free   []signaling.CallIdentity
	pools  map[uuid.UUID]*poolState
	parked []*createExecutor

	replenishing atomic.Bool
}

type poolState struct {
	id       uuid.UUID
	size     int
	inflight int
}

func NewPool(prov signaling.Provisioner, target int, metrics *Metrics, log *logger.Logger) *Pool {
	return &Pool{
		prov:    prov,
		target:  target,
		log:     log.Extend(log.With().Str("s", "pool")),
		metrics: metrics,
		pools:   make(map[uuid.UUID]*poolState),
	}
}

// Start registers the reconnection hook and runs the initial
// replenishment.
func (p *Pool) Start() {
	p.prov.OnOnline(p.resume)
	p.replenish()
}

func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Acquire hands out a call identity: from the free list when possible,
// otherwise freshly created on the remote authority. The completion
// handler may run on another goroutine.
func (p *Pool) Acquire(done func(signaling.ErrorCode, signaling.CallIdentity)) {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		identity := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		done(signaling.Success, identity)
		return
	}
	ps := p.smallest()
	if ps == nil {
		p.mu.Unlock()
		done(signaling.Unavailable, signaling.CallIdentity{})
		return
	}
	ps.inflight++
	p.mu.Unlock()
	p.create(ps, done)
}

// Release puts an identity back on the free list. Pool membership is
// already persisted, no remote call is needed.
func (p *Pool) Release(identity signaling.CallIdentity) {
	if identity.IsZero() {
		return
	}
	p.mu.Lock()
	p.free = append(p.free, identity)
	p.mu.Unlock()
}

// smallest picks the pool object with the fewest identities, counting
// creations already in flight. Caller holds p.mu.
func (p *Pool) smallest() *poolState {
	var best *poolState
	for _, ps := range p.pools {
		if best == nil || ps.size+ps.inflight < best.size+best.inflight {
			best = ps
		}
	}
	return best
}

func (p *Pool) create(ps *poolState, done func(signaling.ErrorCode, signaling.CallIdentity)) {
	e := &createExecutor{
		pool:   p,
		poolId: ps.id,
		done: func(code signaling.ErrorCode, identity signaling.CallIdentity) {
			p.mu.Lock()
			ps.inflight--
			if code == signaling.Success {
				ps.size++
			}
			p.mu.Unlock()
			done(code, identity)
		},
	}
	e.advance()
}

// replenish fetches the known pool objects, creates one when there are
// none, and tops every pool up to the target size.
func (p *Pool) replenish() {
	if !p.replenishing.CompareAndSwap(false, true) {
		return
	}
	p.prov.ListPools(func(code signaling.ErrorCode, pools []signaling.PoolInfo) {
		p.replenishing.Store(false)
		if code != signaling.Success {
			p.log.Warn().Msgf("cannot list identity pools: %v", code)
			return
		}
		if len(pools) == 0 {
			p.prov.CreatePool(func(code signaling.ErrorCode, info signaling.PoolInfo) {
				if code != signaling.Success {
					p.log.Warn().Msgf("cannot create identity pool: %v", code)
					return
				}
				p.top(info)
			})
			return
		}
		for _, info := range pools {
			p.top(info)
		}
	})
}

func (p *Pool) top(info signaling.PoolInfo) {
	p.mu.Lock()
	ps := p.pools[info.Id]
	if ps == nil {
		ps = &poolState{id: info.Id, size: info.Size}
		p.pools[info.Id] = ps
	} else {
		ps.size = info.Size
	}
	missing := p.target - ps.size - ps.inflight
	ps.inflight += max(missing, 0)
	p.mu.Unlock()

	for i := 0; i < missing; i++ {
		e := &createExecutor{
			pool:   p,
			poolId: ps.id,
			done: func(code signaling.ErrorCode, identity signaling.CallIdentity) {
				p.mu.Lock()
				ps.inflight--
				if code == signaling.Success {
					ps.size++
					p.free = append(p.free, identity)
				}
				p.mu.Unlock()
				if code != signaling.Success {
					p.log.Warn().Msgf("identity creation failed: %v", code)
				}
			},
		}
		e.advance()
	}
}

func (p *Pool) park(e *createExecutor) {
	p.mu.Lock()
	p.parked = append(p.parked, e)
	p.mu.Unlock()
}

// resume reruns every executor parked on Offline and refreshes the pool
// inventory.
func (p *Pool) resume() {
	p.mu.Lock()
	parked := p.parked
	p.parked = nil
	p.mu.Unlock()
	for _, e := range parked {
		e.advance()
	}
	p.replenish()
}
