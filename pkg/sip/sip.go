// Package sip holds the small slice of SIP vocabulary that fork persistence
// needs: requests, responses, contacts and the hooks used to send them.
//
// Message parsing and transaction handling live outside this module; these
// types are what the transaction layer hands to the router.
package sip

import (
	"context"
	"strings"
)

// Common request methods.
const (
	MethodInvite  = "INVITE"
	MethodMessage = "MESSAGE"
	MethodRefer   = "REFER"
)

// Request is a forked SIP request as seen by the router.
type Request struct {
	Method      string            `json:"method"`
	CallID      string            `json:"call_id"`
	RequestURI  string            `json:"request_uri"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	ContentType string            `json:"content_type,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// IsInvite reports whether the request starts a call.
func (r *Request) IsInvite() bool {
	return r != nil && strings.EqualFold(r.Method, MethodInvite)
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}

	out := *r
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// Response is a SIP response status line.
type Response struct {
	Status int    `json:"status"`
	Phrase string `json:"phrase,omitempty"`
}

// IsFinal reports whether the response terminates a transaction.
func (r Response) IsFinal() bool {
	return r.Status >= 200
}

// IsSuccess reports whether the response is a 2xx.
func (r Response) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// Class returns the hundreds digit of the status code.
func (r Response) Class() int {
	return r.Status / 100
}

// PushParams are the RFC 8599 push parameters carried by a contact.
type PushParams struct {
	Provider string `json:"pn_provider"`
	Param    string `json:"pn_param,omitempty"`
	PRID     string `json:"pn_prid"`
}

// Contact is a registered binding a branch is sent to.
type Contact struct {
	URI  string      `json:"uri"`
	UID  string      `json:"uid,omitempty"`
	Push *PushParams `json:"push,omitempty"`
}

// Transaction is the handle of an outgoing client transaction.
type Transaction interface {
	ID() string
	Cancel()
}

// Dispatcher sends a request to one contact and returns the outgoing transaction.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request, contact Contact) (Transaction, error)
}

// Responder answers the incoming transaction of a forked request.
type Responder interface {
	Respond(req *Request, resp Response)
}
