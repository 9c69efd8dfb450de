package fork

import (
	"time"

	"github.com/papercomputeco/sipfork/pkg/sip"
)

// SnapshotVersion is the current snapshot schema version.
const SnapshotVersion = 1

// Snapshot is the persistable state of a fork operation. It is plain data:
// converting to and from a live operation is always explicit.
type Snapshot struct {
	Version       int              `json:"version"`
	ID            string           `json:"id"`
	Request       *sip.Request     `json:"request"`
	Keys          []string         `json:"keys"`
	Config        Config           `json:"config"`
	Branches      []BranchSnapshot `json:"branches"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	Started       bool             `json:"started"`
	AcceptedSent  bool             `json:"accepted_sent"`
	Finished      bool             `json:"finished"`
	FinalResponse *sip.Response    `json:"final_response,omitempty"`
}

// BranchSnapshot is the persisted history of one branch. Transactions are
// not persisted: a restored branch has none.
type BranchSnapshot struct {
	ID       string      `json:"id"`
	Contact  sip.Contact `json:"contact"`
	Status   int         `json:"status"`
	PushSent bool        `json:"push_sent"`
}
