// Package push wakes offline devices so that a pending fork can reach them.
//
// A Scheduler is attached to one branch. It sends a push when the branch
// starts, optionally repeats it for calls, and declines the branch when the
// device never answers.
package push

import (
	"context"
	"errors"
	"time"

	"github.com/papercomputeco/sipfork/pkg/sip"
)

// Type tells the push gateway how to present the notification.
type Type string

const (
	TypeMessage Type = "message"
	TypeCall    Type = "call"
)

// ErrNoPushParams is returned for contacts that cannot be woken.
var ErrNoPushParams = errors.New("contact has no push parameters")

// Info is what a push gateway needs to reach one device.
type Info struct {
	Type     Type   `json:"type"`
	Provider string `json:"pn_provider"`
	Param    string `json:"pn_param,omitempty"`
	PRID     string `json:"pn_prid"`
	CallID   string `json:"call_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// NewInfo builds the push info for delivering req to contact.
func NewInfo(req *sip.Request, contact sip.Contact) (*Info, error) {
	if contact.Push == nil || contact.Push.PRID == "" {
		return nil, ErrNoPushParams
	}

	info := &Info{
		Type:     TypeMessage,
		Provider: contact.Push.Provider,
		Param:    contact.Push.Param,
		PRID:     contact.Push.PRID,
	}
	if req != nil {
		info.CallID = req.CallID
		info.From = req.From
		info.To = req.To
		if req.IsInvite() {
			info.Type = TypeCall
		}
	}
	return info, nil
}

// Request is one push handed to the transport.
type Request struct {
	Info

	// BranchID identifies the branch the push is sent for.
	BranchID string `json:"branch_id"`

	// Attempt counts the pushes sent for the branch, starting at 1.
	Attempt int `json:"attempt"`

	// ScheduledAt is when the scheduler decided to send the push.
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Service delivers pushes to the device gateway.
type Service interface {
	Send(ctx context.Context, req *Request) error
}
