package relay

import (
	"github.com/clickcall/relay/pkg/signaling"
	"github.com/gofrs/uuid"
)

type createStep uint8

const (
	stepCreateIdentity createStep = iota
	stepPersistPool
	stepDone
)

// createExecutor drives the two-step remote creation of a call
// identity: create the identity record, then persist its membership in
// the pool object. The cursor only advances on a confirmed step.
// Offline parks the executor; once connectivity returns it resumes at
// the first unconfirmed step, so a confirmed remote side effect is
// never repeated.
type createExecutor struct {
	pool     *Pool
	poolId   uuid.UUID
	step     createStep
	identity signaling.CallIdentity
	done     func(signaling.ErrorCode, signaling.CallIdentity)
}

func (e *createExecutor) advance() {
	switch e.step {
	case stepCreateIdentity:
		e.pool.prov.CreateIdentity(e.poolId, func(code signaling.ErrorCode, identity signaling.CallIdentity) {
			if code == signaling.Offline {
				e.pool.park(e)
				return
			}
			if code != signaling.Success {
				e.done(code, signaling.CallIdentity{})
				return
			}
			e.identity = identity
			e.step = stepPersistPool
			e.advance()
		})
	case stepPersistPool:
		e.pool.prov.PersistPool(e.poolId, func(code signaling.ErrorCode) {
			if code == signaling.Offline {
				e.pool.park(e)
				return
			}
			if code != signaling.Success {
				e.done(code, signaling.CallIdentity{})
				return
			}
			e.step = stepDone
			e.pool.metrics.IdentitiesMade.Inc()
			e.done(signaling.Success, e.identity)
		})
	}
}
