package testutils

import (
	"time"

	"github.com/papercomputeco/sipfork/pkg/fork"
	"github.com/papercomputeco/sipfork/pkg/sip"
)

// NewTestRequest creates a MESSAGE request for testing
func NewTestRequest(callID string) *sip.Request {
	return &sip.Request{
		Method:      sip.MethodMessage,
		CallID:      callID,
		RequestURI:  "sip:bob@example.org",
		From:        "<sip:alice@example.org>;tag=1234",
		To:          "<sip:bob@example.org>",
		ContentType: "text/plain",
		Body:        []byte("hello"),
		Headers:     map[string]string{"Max-Forwards": "70"},
	}
}

// NewTestContact creates a contact for the given device
func NewTestContact(uid string) sip.Contact {
	return sip.Contact{
		URI: "sip:bob@" + uid + ".example.org",
		UID: uid,
	}
}

// NewTestPushContact creates a contact that can be woken by a push notification
func NewTestPushContact(uid string) sip.Contact {
	c := NewTestContact(uid)
	c.Push = &sip.PushParams{
		Provider: "apns",
		Param:    "ABCD1234.org.example.voip",
		PRID:     "prid-" + uid,
	}
	return c
}

// NewTestSnapshot creates a snapshot with one pending and one answered branch
func NewTestSnapshot(callID string) *fork.Snapshot {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &fork.Snapshot{
		Version: fork.SnapshotVersion,
		Request: NewTestRequest(callID),
		Keys:    []string{"sip:bob@example.org"},
		Config: fork.Config{
			ForkLate:        true,
			DeliveryTimeout: time.Hour,
		},
		Branches: []fork.BranchSnapshot{
			{ID: callID + "-1", Contact: NewTestContact("phone"), Status: 0},
			{ID: callID + "-2", Contact: NewTestPushContact("tablet"), Status: 408, PushSent: true},
		},
		CreatedAt: created,
		ExpiresAt: created.Add(time.Hour),
		Started:   true,
	}
}
