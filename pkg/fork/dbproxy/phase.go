package dbproxy

// Phase is the residency state of a Proxy.
type Phase int

const (
	// PhaseEvicted means the fork only exists as a stored snapshot.
	PhaseEvicted Phase = iota

	// PhaseSaving means a snapshot write is in flight. The live fork is
	// still valid but no call may touch it.
	PhaseSaving

	// PhaseRestoring means a snapshot read is in flight.
	PhaseRestoring

	// PhaseMaterialized means the live fork is authoritative.
	PhaseMaterialized

	// PhaseCompleted is terminal: the owner was notified and the snapshot
	// deleted.
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseEvicted:
		return "evicted"
	case PhaseSaving:
		return "saving"
	case PhaseRestoring:
		return "restoring"
	case PhaseMaterialized:
		return "materialized"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

func (p Phase) transient() bool {
	return p == PhaseSaving || p == PhaseRestoring
}
