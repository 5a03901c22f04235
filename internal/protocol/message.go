package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the only handshake protocol version accepted.
const Version = 1

// Handshake is the payload of a HANDSHAKE frame.
type Handshake struct {
	Version  int    `json:"v"`
	ClientID string `json:"client_id"`
}

// CloseCode is the reason code carried by a CLOSE frame.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseUnsupported     CloseCode = 1003
	CloseInvalidClientID CloseCode = 4000
	CloseInvalidVersion  CloseCode = 4004
)

// Close is the payload of a CLOSE frame.
type Close struct {
	Code    CloseCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorCode is an RPC error code carried in the data of an ERROR reply.
type ErrorCode int

const (
	ErrorUnknown         ErrorCode = 1000
	ErrorInvalidPayload  ErrorCode = 4000
	ErrorInvalidCommand  ErrorCode = 4002
	ErrorInvalidEvent    ErrorCode = 4004
	ErrorInvalidClientID ErrorCode = 4007
)

// Well-known command and event names.
const (
	CmdDispatch = "DISPATCH"
	EvtReady    = "READY"
	EvtError    = "ERROR"
)

// Message is the payload of a FRAME frame. Requests carry Args; replies and
// events carry Data. Nonce correlates a reply with its request and is only
// unique within one session.
type Message struct {
	Cmd   string          `json:"cmd"`
	Args  json.RawMessage `json:"args,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Evt   string          `json:"evt,omitempty"`
	Nonce string          `json:"nonce"`
}

// ErrorData is the data of an ERROR reply.
type ErrorData struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ReadyData is the data of the READY dispatch sent after a handshake.
type ReadyData struct {
	V      int         `json:"v"`
	User   ReadyUser   `json:"user"`
	Config ReadyConfig `json:"config"`
}

// ReadyUser describes the user the relay presents to clients.
type ReadyUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
	Flags         int    `json:"flags"`
	PremiumType   int    `json:"premium_type"`
}

// ReadyConfig describes the API environment announced in READY.
type ReadyConfig struct {
	APIEndpoint string `json:"api_endpoint"`
	CDNHost     string `json:"cdn_host"`
	Environment string `json:"environment"`
}

// DefaultReady returns the READY data announced when nothing is configured.
func DefaultReady() ReadyData {
	return ReadyData{
		V: Version,
		User: ReadyUser{
			ID:            "1045800378228281345",
			Username:      "rpcbridge",
			Discriminator: "0000",
			Avatar:        "cfefa4d9839fb4bdf030f91c2a13e95c",
		},
		Config: ReadyConfig{
			APIEndpoint: "//discord.com/api",
			CDNHost:     "cdn.discordapp.com",
			Environment: "production",
		},
	}
}

// MessageFrame wraps m in a FRAME frame.
func MessageFrame(m Message) Frame {
	data, _ := json.Marshal(m) // only strings and raw JSON, cannot fail
	return Frame{Op: OpFrame, Payload: data}
}

// CloseFrame builds a CLOSE frame.
func CloseFrame(code CloseCode, message string) Frame {
	data, _ := json.Marshal(Close{Code: code, Message: message}) // simple struct, cannot fail
	return Frame{Op: OpClose, Payload: data}
}

// ErrorReply builds the ERROR reply to a request.
func ErrorReply(req Message, code ErrorCode, message string) Message {
	data, _ := json.Marshal(ErrorData{Code: code, Message: message}) // simple struct, cannot fail
	return Message{Cmd: req.Cmd, Evt: EvtError, Data: data, Nonce: req.Nonce}
}

// Dispatch builds an event message.
func Dispatch(evt string, data json.RawMessage) Message {
	return Message{Cmd: CmdDispatch, Evt: evt, Data: data}
}

// ProtocolError is a violation that ends a single connection. Code is the
// reason sent in the CLOSE frame when the transport still permits writing.
type ProtocolError struct {
	Code   CloseCode
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error %d (%s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error %d (%s)", e.Code, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
