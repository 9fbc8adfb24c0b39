package call

import "github.com/petervdpas/carecall/internal/proto"

// phase is the offer/answer handshake position of one session.
//
//	idle ─┬─ initiator ─> haveLocalOffer ─ answer ─┐
//	      └─ receiver ──> awaitingOffer ── offer ──┴─> stable
//
// Any phase may move to closed.
type phase int

const (
	phaseIdle phase = iota
	phaseAwaitingOffer
	phaseHaveLocalOffer
	phaseStable
	phaseClosed
)

var phaseNames = [...]string{"idle", "awaiting-offer", "have-local-offer", "stable", "closed"}

func (p phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

var phaseTransitions = map[phase][]phase{
	phaseIdle:           {phaseAwaitingOffer, phaseHaveLocalOffer, phaseClosed},
	phaseAwaitingOffer:  {phaseStable, phaseClosed},
	phaseHaveLocalOffer: {phaseStable, phaseClosed},
	phaseStable:         {phaseClosed},
}

func (p phase) canMove(to phase) bool {
	for _, next := range phaseTransitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// accepts reports whether a signal of the given type is expected now.
func (p phase) accepts(signal string) bool {
	switch signal {
	case proto.TypeOffer:
		return p == phaseAwaitingOffer
	case proto.TypeAnswer:
		return p == phaseHaveLocalOffer
	case proto.TypeICECandidate:
		return p == phaseAwaitingOffer || p == phaseHaveLocalOffer || p == phaseStable
	}
	return false
}
