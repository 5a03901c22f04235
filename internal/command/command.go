// Package command describes the RPC commands a client may issue: the shape
// of their arguments and whether the relay answers them itself, forwards
// them to a bridge endpoint, or treats them as event subscriptions.
//
// The registry is stateless once built. Per-session state such as
// subscriptions lives in the session.
package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/philsphicas/rpcbridge/internal/protocol"
)

// Mode selects how a command is handled.
type Mode int

const (
	// Bridged commands are forwarded to the bridge and answered by its reply.
	Bridged Mode = iota
	// Local commands are answered by Spec.Handle without a bridge.
	Local
	// Subscribe registers the session for an event type.
	Subscribe
	// Unsubscribe cancels a subscription.
	Unsubscribe
	// Push commands are acknowledged by the relay and sent to the bridge as
	// a one-way notification. No bridge reply is awaited.
	Push
)

func (m Mode) String() string {
	switch m {
	case Bridged:
		return "bridged"
	case Local:
		return "local"
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	case Push:
		return "push"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Request is a validated command as seen by a handler.
type Request struct {
	ClientID string
	Evt      string
	Args     map[string]any
}

// Spec declares one command.
type Spec struct {
	Name string
	Mode Mode

	// Args is the required shape of the argument object. The zero Shape
	// accepts any object.
	Args Shape

	// Events lists the event names a Subscribe/Unsubscribe command accepts.
	Events []string

	// Handle answers Local commands. The result is marshalled as the reply data.
	Handle func(Request) (any, error)

	// Prepare optionally rewrites the arguments of a Bridged or Push command
	// before it is forwarded.
	Prepare func(Request) (map[string]any, error)

	// Ack builds the reply data of a Push command from its prepared
	// arguments. A nil Ack replies with no data.
	Ack func(args map[string]any) any

	// Retain keeps the last pushed arguments per session so they can be
	// replayed to a newly attached bridge.
	Retain bool

	// Clear builds the arguments that undo retained arguments once the
	// session is gone. Only used with Retain.
	Clear func(retained map[string]any) map[string]any
}

// AcceptsEvent reports whether evt is a valid subscription target.
func (s Spec) AcceptsEvent(evt string) bool {
	for _, e := range s.Events {
		if e == evt {
			return true
		}
	}
	return false
}

// ParseArgs decodes raw command arguments and validates them against s.Args.
// Missing arguments decode as an empty object. Numbers are kept as
// json.Number so they are forwarded unchanged.
func (s Spec) ParseArgs(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, Errorf(protocol.ErrorInvalidPayload, "invalid args: %v", err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, Errorf(protocol.ErrorInvalidPayload, "args: expected object, got %s", kindOf(v))
		}
		args = obj
	}
	shape := s.Args
	if shape.Kind == Any {
		shape = Shape{Kind: Object}
	}
	if err := shape.Validate(args); err != nil {
		return nil, Errorf(protocol.ErrorInvalidPayload, "%v", err)
	}
	return args, nil
}

// Error is a command failure reported to the client as an ERROR reply. The
// connection stays open.
type Error struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("command error %d: %s", e.Code, e.Message)
}

// Errorf returns an *Error with a formatted message.
func Errorf(code protocol.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts err to an *Error, mapping unknown errors to ErrorUnknown.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Code: protocol.ErrorUnknown, Message: err.Error()}
}

// ErrDuplicate is returned when a command name is registered twice.
var ErrDuplicate = errors.New("command already registered")

// Registry maps command names to their Spec.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds s. Names are case-sensitive, as on the wire.
func (r *Registry) Register(s Spec) error {
	if s.Name == "" {
		return errors.New("command name is empty")
	}
	if s.Mode == Local && s.Handle == nil {
		return fmt.Errorf("local command %s has no handler", s.Name)
	}
	if s.Retain && s.Mode != Push {
		return fmt.Errorf("command %s: only push commands can be retained", s.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, s.Name)
	}
	r.specs[s.Name] = s
	return nil
}

// Lookup returns the Spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
