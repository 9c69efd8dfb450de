// Package fork defines the fork operation contract shared by the in-memory
// message fork and its database-backed proxy, along with branches and the
// snapshot format used to persist them.
package fork

import (
	"time"

	"github.com/papercomputeco/sipfork/pkg/sip"
)

// Context tracks the parallel delivery of one request to several destinations.
//
// Two implementations exist: message.Context keeps everything in memory and
// dbproxy.Proxy wraps one, swapping it to and from a storage.Driver.
type Context interface {
	// AddBranch creates a new branch delivering req to contact.
	AddBranch(req *sip.Request, contact sip.Contact) *Branch

	// AllCurrentBranchesAnswered reports whether every branch has a final
	// response. Branches answered with 408 or 503 count as unanswered unless
	// ignoreErrorsAndTimeouts is set.
	AllCurrentBranchesAnswered(ignoreErrorsAndTimeouts bool) bool

	// HasNextBranches reports whether more branches are waiting to be started.
	HasNextBranches() bool

	// ProcessInternalError terminates the fork with the given status.
	ProcessInternalError(status int, phrase string)

	// Start begins the fork once the initial branches are added.
	Start()

	AddKey(key string)
	Keys() []string

	OnPushSent(br *Branch)
	OnPushError(br *Branch, err error)
	OnCancel(req *sip.Request)
	OnResponse(br *Branch, resp sip.Response)

	// OnNewRegister is called when a device registers under one of the fork
	// keys. It calls dispatch and returns true when the device should get a
	// new branch.
	OnNewRegister(dest, uid string, dispatch func()) bool

	Event() *sip.Request
	Config() *Config
	IsFinished() bool
}

// Listener is notified once when a fork operation is finished.
type Listener interface {
	OnForkContextFinished(ctx Context)
}

// Config is the per-fork configuration that travels with its snapshot.
type Config struct {
	// ForkLate keeps the fork open after every branch answered so that
	// devices registering later still receive the request.
	ForkLate bool `json:"fork_late"`

	// DeliveryTimeout bounds the life of a fork-late operation.
	DeliveryTimeout time.Duration `json:"delivery_timeout"`
}

// Status is the reason a branch is cancelled.
type Status int

const (
	StatusStandard Status = iota
	StatusAcceptedElsewhere
	StatusDeclinedElsewhere
)

func (s Status) String() string {
	switch s {
	case StatusAcceptedElsewhere:
		return "accepted-elsewhere"
	case StatusDeclinedElsewhere:
		return "declined-elsewhere"
	default:
		return "standard"
	}
}
