package relay

import (
	"strings"

	"github.com/gofrs/uuid"
)

// DurableIdPrefix marks a reconnect-capable client session id. Ids
// without the prefix are single-use and never survive a transport drop.
const DurableIdPrefix = "id-"

const (
	inboundLabel  = "inbound."
	callRoomLabel = "callroom"
)

// Destination is a parsed `local-part@domain` address. Exactly one of
// the two forms holds: a direct inbound-identity address
// `<uuid>@inbound.<suffix>` or a call-room member address
// `<memberId>@<room-uuid>.callroom.<suffix>`.
type Destination struct {
	InboundId  uuid.UUID
	CallRoomId uuid.UUID
	Room       bool
}

// ParseDestination parses a destination address. Malformed input fails
// closed: a zero Destination and false, never a partial result.
func ParseDestination(to string) (Destination, bool) {
	at := strings.IndexByte(to, '@')
	if at <= 0 || at == len(to)-1 {
		return Destination{}, false
	}
	local, domain := to[:at], to[at+1:]

	if dot := strings.IndexByte(domain, '.'); dot > 0 {
		rest := domain[dot+1:]
		if rest == callRoomLabel || strings.HasPrefix(rest, callRoomLabel+".") {
			roomId, err := uuid.FromString(domain[:dot])
			if err != nil {
				return Destination{}, false
			}
			return Destination{CallRoomId: roomId, Room: true}, true
		}
	}

	if strings.HasPrefix(domain, inboundLabel) {
		inboundId, err := uuid.FromString(local)
		if err != nil {
			return Destination{}, false
		}
		return Destination{InboundId: inboundId}, true
	}

	return Destination{}, false
}
