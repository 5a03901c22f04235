// Package registry tracks the live client sessions and the bridge endpoint
// of one relay process.
package registry

import (
	"errors"
	"sort"
	"strconv"
	"sync"

	"github.com/philsphicas/rpcbridge/internal/protocol"
)

// Identity is a process-unique connection handle. Identities are never
// reused while the process runs.
type Identity uint64

func (id Identity) String() string { return strconv.FormatUint(uint64(id), 10) }

// ParseIdentity parses the decimal form produced by Identity.String.
func ParseIdentity(s string) (Identity, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Identity(n), nil
}

// ErrDuplicate is returned when the same handle is registered twice.
var ErrDuplicate = errors.New("connection already registered")

// ClientInfo is a point-in-time view of a client session.
type ClientInfo struct {
	ClientID      string
	Phase         string
	Subscriptions []string
}

// Client is a registered client session. Implementations must be
// comparable (typically a pointer).
type Client interface {
	ClientID() string
	// Deliver queues f for writing without blocking. It reports false if the
	// frame was dropped.
	Deliver(f protocol.Frame) bool
	Subscribe(evt string)
	Unsubscribe(evt string)
	Subscribed(evt string) bool
	Info() ClientInfo
	Close() error
}

// Bridge is a registered bridge endpoint. Implementations must be
// comparable.
type Bridge interface {
	// Send queues m without blocking. It reports false if the bridge is gone
	// or its queue is full.
	Send(m protocol.BridgeMessage) bool
	// Close ends the bridge connection. It must not block.
	Close(reason string)
}

// BridgeRef is a bridge together with the identity and generation it was
// registered under. Generations increase with every registration.
type BridgeRef struct {
	ID         Identity
	Generation uint64
	Bridge     Bridge
}

// ClientRef pairs a client with its identity.
type ClientRef struct {
	ID     Identity
	Client Client
}

// Registry is safe for concurrent use. Every mutation happens under a single
// lock, hooks run after it is released.
type Registry struct {
	mu       sync.Mutex
	next     Identity
	gen      uint64
	clients  map[Identity]Client
	handles  map[Client]Identity
	bridge   BridgeRef
	attached bool

	clientHooks []func(ClientRef)
	bridgeHooks []func(BridgeRef)
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[Identity]Client),
		handles: make(map[Client]Identity),
	}
}

// OnClientRemoved registers fn to run after a client is removed by
// OnDisconnect. Hooks must be registered before the registry is shared.
func (r *Registry) OnClientRemoved(fn func(ClientRef)) {
	r.clientHooks = append(r.clientHooks, fn)
}

// OnBridgeRemoved registers fn to run after the current bridge is removed by
// OnDisconnect. It does not run for a bridge replaced by RegisterBridge.
func (r *Registry) OnBridgeRemoved(fn func(BridgeRef)) {
	r.bridgeHooks = append(r.bridgeHooks, fn)
}

func (r *Registry) nextID() Identity {
	r.next++
	return r.next
}

// RegisterClient assigns an identity to c.
func (r *Registry) RegisterClient(c Client) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[c]; ok {
		return 0, ErrDuplicate
	}
	id := r.nextID()
	r.clients[id] = c
	r.handles[c] = id
	return id, nil
}

// RegisterBridge makes b the current bridge. The previous bridge, if any, is
// forgotten and closed; requests sent under an older generation will never be
// answered.
func (r *Registry) RegisterBridge(b Bridge) (BridgeRef, error) {
	r.mu.Lock()
	if r.attached && r.bridge.Bridge == b {
		r.mu.Unlock()
		return BridgeRef{}, ErrDuplicate
	}
	prev, replaced := r.bridge, r.attached
	r.gen++
	r.bridge = BridgeRef{ID: r.nextID(), Generation: r.gen, Bridge: b}
	r.attached = true
	ref := r.bridge
	r.mu.Unlock()

	if replaced {
		prev.Bridge.Close("replaced by a newer bridge")
	}
	return ref, nil
}

// OnDisconnect removes the client or bridge registered under id and runs the
// matching hooks. It reports whether anything was removed; repeated calls
// for the same identity are no-ops.
func (r *Registry) OnDisconnect(id Identity) bool {
	r.mu.Lock()
	if c, ok := r.clients[id]; ok {
		delete(r.clients, id)
		delete(r.handles, c)
		hooks := r.clientHooks
		r.mu.Unlock()
		for _, fn := range hooks {
			fn(ClientRef{ID: id, Client: c})
		}
		return true
	}
	if r.attached && r.bridge.ID == id {
		ref := r.bridge
		r.bridge, r.attached = BridgeRef{}, false
		hooks := r.bridgeHooks
		r.mu.Unlock()
		for _, fn := range hooks {
			fn(ref)
		}
		return true
	}
	r.mu.Unlock()
	return false
}

// Bridge returns the current bridge.
func (r *Registry) Bridge() (BridgeRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bridge, r.attached
}

// Client returns the client registered under id.
func (r *Registry) Client(id Identity) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// Clients returns the live clients ordered by identity.
func (r *Registry) Clients() []ClientRef {
	r.mu.Lock()
	refs := make([]ClientRef, 0, len(r.clients))
	for id, c := range r.clients {
		refs = append(refs, ClientRef{ID: id, Client: c})
	}
	r.mu.Unlock()
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs
}

// Len returns the number of live clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
