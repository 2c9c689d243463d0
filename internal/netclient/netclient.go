// Package netclient defines the capability contract of the underlying
// messaging network client. The connection manager and dispatch engine
// program against this contract; internal/wa supplies the real
// implementation and tests supply fakes.
package netclient

import (
	"context"
	"time"
)

// State is the lifecycle state of a tenant session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateQRPending    State = "qr_pending"
	StateConnected    State = "connected"
	StateLoggedOut    State = "logged_out"
)

// Client establishes sessions to the messaging network.
type Client interface {
	// Connect opens a session. With credentials it attempts a resume
	// (no pairing); without, it starts a fresh pairing flow and the
	// result carries the first pairing code. tenantID is a label only,
	// used for diagnostics and pairing artifacts; the network never
	// sees it.
	Connect(ctx context.Context, tenantID string, creds []byte) (*ConnectResult, error)

	// Discard destroys any client-side state bound to a credential
	// blob without opening a session, so the blob can never be resumed.
	// Unknown or unparseable blobs are a no-op.
	Discard(ctx context.Context, creds []byte) error
}

// ConnectResult describes the session right after Connect.
type ConnectResult struct {
	State       State
	PairingCode string
	LinkedPhone string
	// Credentials is the opaque blob to persist for later resumes.
	// Empty until pairing completes on fresh flows.
	Credentials []byte
	Session     Session
}

// Session is a live network session for one tenant.
type Session interface {
	// PairingCode blocks until a fresh pairing code is issued.
	// Only meaningful while the session is in a pairing flow.
	PairingCode(ctx context.Context) (string, error)

	// Send delivers a text message to a recipient phone number.
	Send(ctx context.Context, phone, text string) (*SendResult, error)

	// Disconnect tears down the network connection. Credentials are
	// untouched; the session can be resumed later.
	Disconnect()

	// Logout invalidates the linked phone's authorization and destroys
	// the stored device credentials.
	Logout(ctx context.Context) error

	// Events returns the asynchronous event stream. The channel is
	// closed when the session is torn down for good.
	Events() <-chan Event
}

// SendResult reports an accepted outbound message.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// EventKind enumerates asynchronous session events.
type EventKind int

const (
	// EventPairingCode carries a newly issued pairing code.
	EventPairingCode EventKind = iota
	// EventPaired fires when the tenant's device confirms pairing.
	EventPaired
	// EventConnected fires when the session is fully authenticated.
	EventConnected
	// EventDisconnected fires on a transient network drop.
	EventDisconnected
	// EventLoggedOut fires when the network invalidates the session.
	EventLoggedOut
	// EventCredentials carries an updated credential blob.
	EventCredentials
	// EventReceipt carries delivery/read receipts for sent messages.
	EventReceipt
	// EventMessage carries an inbound text message.
	EventMessage
)

// ReceiptKind distinguishes delivery receipts.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// Event is a single asynchronous session event.
type Event struct {
	Kind EventKind

	Code        string      // EventPairingCode
	Phone       string      // EventPaired, EventMessage (sender)
	Credentials []byte      // EventPaired, EventCredentials
	MessageIDs  []string    // EventReceipt
	Receipt     ReceiptKind // EventReceipt
	Text        string      // EventMessage
	At          time.Time
}
