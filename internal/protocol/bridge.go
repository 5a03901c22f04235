package protocol

// BridgeVersion is the version announced to bridge endpoints in the hello message.
const BridgeVersion = 1

// Bridge message types.
const (
	// BridgeHello is sent by the relay when a bridge attaches.
	BridgeHello = "hello"
	// BridgeRequest carries a forwarded command that expects a BridgeReply.
	BridgeRequest = "request"
	// BridgeNotify carries a command the bridge must apply without replying.
	BridgeNotify = "notify"
	// BridgeReply answers a BridgeRequest with the same ID.
	BridgeReply = "reply"
	// BridgeEvent delivers an event to subscribed sessions.
	BridgeEvent = "event"
)

// BridgeMessage is one JSON text message between the relay and a bridge
// endpoint. ID is assigned by the relay and is unrelated to the client's
// nonce; bridges echo it back and never need to understand nonces.
type BridgeMessage struct {
	Type string `json:"type"`

	// ID correlates a request with its reply.
	ID string `json:"id,omitempty"`

	// Session identifies the originating client session on requests and
	// notifications. On events it optionally narrows delivery to one session.
	Session string `json:"session,omitempty"`

	// ClientID is the application identifier the session declared.
	ClientID string `json:"client_id,omitempty"`

	// Version is set on hello messages.
	Version int `json:"version,omitempty"`

	// Payload is the full command message (requests, notifications) or the
	// reply/event body.
	Payload *Message `json:"payload,omitempty"`
}
