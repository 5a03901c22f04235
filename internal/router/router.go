// Package router dispatches client commands: local commands are answered in
// place, push commands are acknowledged and sent one-way to the bridge, and
// bridged commands are forwarded to the attached bridge endpoint with their
// replies routed back to the originating session.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/philsphicas/rpcbridge/internal/command"
	"github.com/philsphicas/rpcbridge/internal/metrics"
	"github.com/philsphicas/rpcbridge/internal/protocol"
	"github.com/philsphicas/rpcbridge/internal/registry"
	"github.com/philsphicas/rpcbridge/internal/session"
)

// DefaultRequestTimeout bounds how long a forwarded request waits for the
// bridge.
const DefaultRequestTimeout = 10 * time.Second

// Messages of the synthetic ERROR replies.
const (
	MsgUnavailable = "no bridge connected"
	MsgTimeout     = "bridge request timed out"
)

// ErrClosed is returned by AttachBridge after Shutdown.
var ErrClosed = errors.New("router is shut down")

// Config holds the configuration for a Router.
type Config struct {
	RequestTimeout time.Duration     // default DefaultRequestTimeout
	BridgeQueue    int               // outbound bridge message queue (default 256)
	Commands       *command.Registry // default command.Default
	Session        session.Config    // used by ServeClient
	Logger         *slog.Logger
	Metrics        *metrics.Metrics

	// NewID returns bridge-scoped correlation ids. Defaults to uuid.NewString.
	NewID func() string

	// ProcessName resolves the pid a client reports, for the state view.
	ProcessName func(pid int32) string
}

type pendingRequest struct {
	id         string
	session    registry.Identity
	nonce      string
	cmd        string
	generation uint64
	created    time.Time
	timer      *time.Timer
}

type retainedArgs struct {
	clientID string
	args     map[string]any
}

// Router is the coordination point between client sessions and the bridge.
// Its lock is always taken before the registry's.
type Router struct {
	cfg      Config
	reg      *registry.Registry
	commands *command.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	bySession map[registry.Identity]map[string]struct{}
	retained  map[registry.Identity]map[string]retainedArgs
	closed    bool
}

// New creates a router over reg and installs its disconnect hooks.
func New(reg *registry.Registry, cfg Config) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.BridgeQueue <= 0 {
		cfg.BridgeQueue = 256
	}
	if cfg.Commands == nil {
		cfg.Commands = command.Default(command.Info{Name: "rpcbridge", Version: "dev"})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = cfg.Metrics
	}
	if cfg.Session.MaxFrameSize == 0 {
		cfg.Session.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	r := &Router{
		cfg:       cfg,
		reg:       reg,
		commands:  cfg.Commands,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		pending:   make(map[string]*pendingRequest),
		bySession: make(map[registry.Identity]map[string]struct{}),
		retained:  make(map[registry.Identity]map[string]retainedArgs),
	}
	reg.OnClientRemoved(r.clientRemoved)
	reg.OnBridgeRemoved(r.bridgeRemoved)
	return r
}

// ServeClient runs a client session on rwc until it ends.
func (r *Router) ServeClient(ctx context.Context, rwc io.ReadWriteCloser) error {
	s := session.New(rwc, r, r.cfg.Session)
	id, err := r.reg.RegisterClient(s)
	if err != nil {
		_ = rwc.Close()
		return fmt.Errorf("register client: %w", err)
	}
	defer r.reg.OnDisconnect(id)
	return s.Serve(ctx, id)
}

// Dispatch handles one command from session from. It implements
// session.Dispatcher.
func (r *Router) Dispatch(from registry.Identity, msg protocol.Message) *protocol.Message {
	spec, ok := r.commands.Lookup(msg.Cmd)
	if !ok {
		r.metrics.Command("unknown", metrics.OutcomeError)
		return errorReply(msg, command.Errorf(protocol.ErrorInvalidCommand, "unknown command %q", msg.Cmd))
	}
	client, ok := r.reg.Client(from)
	if !ok {
		return nil
	}
	args, err := spec.ParseArgs(msg.Args)
	if err != nil {
		r.metrics.Command(spec.Name, metrics.OutcomeError)
		return errorReply(msg, err)
	}
	req := command.Request{ClientID: client.ClientID(), Evt: msg.Evt, Args: args}
	r.logger.Debug("command", "session", from, "cmd", msg.Cmd, "nonce", msg.Nonce)

	switch spec.Mode {
	case command.Subscribe, command.Unsubscribe:
		if !spec.AcceptsEvent(msg.Evt) {
			r.metrics.Command(spec.Name, metrics.OutcomeError)
			return errorReply(msg, command.Errorf(protocol.ErrorInvalidEvent, "invalid event %q", msg.Evt))
		}
		if spec.Mode == command.Subscribe {
			client.Subscribe(msg.Evt)
		} else {
			client.Unsubscribe(msg.Evt)
		}
		r.metrics.Command(spec.Name, metrics.OutcomeSubscribed)
		data, _ := json.Marshal(map[string]string{"evt": msg.Evt})
		return &protocol.Message{Cmd: msg.Cmd, Data: data, Nonce: msg.Nonce}

	case command.Local:
		result, err := spec.Handle(req)
		if err != nil {
			r.metrics.Command(spec.Name, metrics.OutcomeError)
			return errorReply(msg, err)
		}
		data, err := json.Marshal(result)
		if err != nil {
			r.metrics.Command(spec.Name, metrics.OutcomeError)
			return errorReply(msg, err)
		}
		r.metrics.Command(spec.Name, metrics.OutcomeLocal)
		return &protocol.Message{Cmd: msg.Cmd, Data: data, Nonce: msg.Nonce}

	default:
		if spec.Prepare != nil {
			if args, err = spec.Prepare(req); err != nil {
				r.metrics.Command(spec.Name, metrics.OutcomeError)
				return errorReply(msg, err)
			}
		}
		if spec.Mode == command.Push {
			return r.push(from, req.ClientID, spec, msg, args)
		}
		return r.forward(from, req.ClientID, spec, msg, args)
	}
}

// push acknowledges msg and sends it to the bridge as a notification. With
// no bridge attached the arguments are only retained.
func (r *Router) push(from registry.Identity, clientID string, spec command.Spec, msg protocol.Message, args map[string]any) *protocol.Message {
	var data json.RawMessage
	if spec.Ack != nil {
		var err error
		if data, err = json.Marshal(spec.Ack(args)); err != nil {
			r.metrics.Command(spec.Name, metrics.OutcomeError)
			return errorReply(msg, err)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.metrics.Command(spec.Name, metrics.OutcomeUnavailable)
		reply := protocol.ErrorReply(msg, protocol.ErrorUnknown, MsgUnavailable)
		return &reply
	}
	if spec.Retain {
		r.retain(from, clientID, spec.Name, args)
	}
	outcome := metrics.OutcomeRetained
	if ref, ok := r.reg.Bridge(); ok {
		if r.notify(ref.Bridge, from, clientID, spec.Name, args) {
			outcome = metrics.OutcomePushed
		}
	}
	r.mu.Unlock()

	r.metrics.Command(spec.Name, outcome)
	return &protocol.Message{Cmd: msg.Cmd, Data: data, Nonce: msg.Nonce}
}

func (r *Router) forward(from registry.Identity, clientID string, spec command.Spec, msg protocol.Message, args map[string]any) *protocol.Message {
	encoded, err := json.Marshal(args)
	if err != nil {
		r.metrics.Command(spec.Name, metrics.OutcomeError)
		return errorReply(msg, err)
	}
	payload := msg
	payload.Args = encoded

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.metrics.Command(spec.Name, metrics.OutcomeUnavailable)
		reply := protocol.ErrorReply(msg, protocol.ErrorUnknown, MsgUnavailable)
		return &reply
	}
	ref, ok := r.reg.Bridge()
	if !ok {
		r.mu.Unlock()
		r.metrics.Command(spec.Name, metrics.OutcomeUnavailable)
		reply := protocol.ErrorReply(msg, protocol.ErrorUnknown, MsgUnavailable)
		return &reply
	}

	p := &pendingRequest{
		id:         r.cfg.NewID(),
		session:    from,
		nonce:      msg.Nonce,
		cmd:        msg.Cmd,
		generation: ref.Generation,
		created:    time.Now(),
	}
	sent := ref.Bridge.Send(protocol.BridgeMessage{
		Type:     protocol.BridgeRequest,
		ID:       p.id,
		Session:  from.String(),
		ClientID: clientID,
		Payload:  &payload,
	})
	if !sent {
		r.mu.Unlock()
		r.metrics.Dropped("bridge", metrics.ReasonQueueFull)
		r.metrics.Command(spec.Name, metrics.OutcomeUnavailable)
		reply := protocol.ErrorReply(msg, protocol.ErrorUnknown, MsgUnavailable)
		return &reply
	}
	r.addPending(p)
	p.timer = time.AfterFunc(r.cfg.RequestTimeout, func() { r.expire(p.id) })
	r.mu.Unlock()

	r.metrics.Command(spec.Name, metrics.OutcomeForwarded)
	return nil
}

// retain records the last pushed arguments of a retained command. r.mu
// must be held.
func (r *Router) retain(from registry.Identity, clientID, name string, args map[string]any) {
	m := r.retained[from]
	if m == nil {
		m = make(map[string]retainedArgs)
		r.retained[from] = m
	}
	m[name] = retainedArgs{clientID: clientID, args: args}
}

// addPending and removePending require r.mu.
func (r *Router) addPending(p *pendingRequest) {
	r.pending[p.id] = p
	ids := r.bySession[p.session]
	if ids == nil {
		ids = make(map[string]struct{})
		r.bySession[p.session] = ids
	}
	ids[p.id] = struct{}{}
	r.metrics.SetPending(len(r.pending))
}

func (r *Router) removePending(p *pendingRequest) {
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(r.pending, p.id)
	if ids := r.bySession[p.session]; ids != nil {
		delete(ids, p.id)
		if len(ids) == 0 {
			delete(r.bySession, p.session)
		}
	}
	r.metrics.SetPending(len(r.pending))
}

// takePending removes and returns the pending requests matching keep.
// r.mu must be held.
func (r *Router) takePending(match func(*pendingRequest) bool) []*pendingRequest {
	var out []*pendingRequest
	for _, p := range r.pending {
		if match(p) {
			out = append(out, p)
		}
	}
	for _, p := range out {
		r.removePending(p)
	}
	return out
}

func (r *Router) expire(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		r.removePending(p)
	}
	r.mu.Unlock()
	if ok {
		r.timeout(p)
	}
}

// timeout answers a pending request that will never get its reply.
func (r *Router) timeout(p *pendingRequest) {
	r.metrics.RequestResolved(metrics.ReplyTimeout, 0)
	r.logger.Warn("bridge request timed out", "session", p.session, "cmd", p.cmd, "nonce", p.nonce, "id", p.id)
	r.deliver(p.session, protocol.ErrorReply(protocol.Message{Cmd: p.cmd, Nonce: p.nonce}, protocol.ErrorUnknown, MsgTimeout))
}

func (r *Router) deliver(to registry.Identity, msg protocol.Message) bool {
	c, ok := r.reg.Client(to)
	if !ok {
		return false
	}
	return c.Deliver(protocol.MessageFrame(msg))
}

// AttachBridge registers b as the current bridge. Requests still waiting on
// an older bridge are timed out at once, and retained command state is
// replayed to b.
func (r *Router) AttachBridge(b registry.Bridge, source string) (registry.BridgeRef, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return registry.BridgeRef{}, ErrClosed
	}
	ref, err := r.reg.RegisterBridge(b)
	if err != nil {
		r.mu.Unlock()
		return registry.BridgeRef{}, err
	}
	stale := r.takePending(func(p *pendingRequest) bool { return p.generation != ref.Generation })
	b.Send(protocol.BridgeMessage{Type: protocol.BridgeHello, Version: protocol.BridgeVersion})
	replayed := r.replay(b)
	r.mu.Unlock()

	r.metrics.BridgeAttached(source)
	r.logger.Info("bridge attached", "bridge", ref.ID, "generation", ref.Generation, "source", source, "replayed", replayed, "expired", len(stale))
	for _, p := range stale {
		r.timeout(p)
	}
	return ref, nil
}

// replay sends the retained state of every session to b. r.mu must be held.
func (r *Router) replay(b registry.Bridge) int {
	ids := make([]registry.Identity, 0, len(r.retained))
	for id := range r.retained {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	n := 0
	for _, id := range ids {
		names := make([]string, 0, len(r.retained[id]))
		for name := range r.retained[id] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ra := r.retained[id][name]
			if r.notify(b, id, ra.clientID, name, ra.args) {
				n++
			}
		}
	}
	return n
}

func (r *Router) notify(b registry.Bridge, id registry.Identity, clientID, name string, args map[string]any) bool {
	data, err := json.Marshal(args)
	if err != nil {
		r.logger.Warn("cannot encode retained state", "session", id, "cmd", name, "error", err)
		return false
	}
	ok := b.Send(protocol.BridgeMessage{
		Type:     protocol.BridgeNotify,
		Session:  id.String(),
		ClientID: clientID,
		Payload:  &protocol.Message{Cmd: name, Args: data},
	})
	if !ok {
		r.metrics.Dropped("bridge", metrics.ReasonQueueFull)
	}
	return ok
}

// clearRetained sends the clearing payload of every retained command in m
// to b. r.mu must be held.
func (r *Router) clearRetained(b registry.Bridge, id registry.Identity, m map[string]retainedArgs) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, ok := r.commands.Lookup(name)
		if !ok || spec.Clear == nil {
			continue
		}
		ra := m[name]
		r.notify(b, id, ra.clientID, name, spec.Clear(ra.args))
	}
}

// HandleBridgeMessage processes one message received from the bridge
// registered as ref.
func (r *Router) HandleBridgeMessage(ref registry.BridgeRef, data []byte) error {
	var m protocol.BridgeMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode bridge message: %w", err)
	}
	switch m.Type {
	case protocol.BridgeReply:
		r.reply(ref, m)
		return nil
	case protocol.BridgeEvent:
		return r.event(m)
	case protocol.BridgeHello:
		return nil
	}
	return fmt.Errorf("unknown bridge message type %q", m.Type)
}

func (r *Router) reply(ref registry.BridgeRef, m protocol.BridgeMessage) {
	r.mu.Lock()
	p, ok := r.pending[m.ID]
	if ok && p.generation != ref.Generation {
		ok = false
	}
	if ok {
		r.removePending(p)
	}
	r.mu.Unlock()

	if !ok {
		r.metrics.RequestResolved(metrics.ReplyStale, 0)
		r.logger.Debug("discarding stale bridge reply", "id", m.ID, "bridge", ref.ID)
		return
	}
	out := protocol.Message{Cmd: p.cmd, Nonce: p.nonce}
	if m.Payload != nil {
		out.Data = m.Payload.Data
		out.Evt = m.Payload.Evt
	}
	if r.deliver(p.session, out) {
		r.metrics.RequestResolved(metrics.ReplyDelivered, time.Since(p.created).Seconds())
	} else {
		r.metrics.RequestResolved(metrics.ReplyStale, 0)
	}
}

func (r *Router) event(m protocol.BridgeMessage) error {
	if m.Payload == nil || m.Payload.Evt == "" {
		return errors.New("bridge event without evt")
	}
	f := protocol.MessageFrame(protocol.Dispatch(m.Payload.Evt, m.Payload.Data))
	if m.Session != "" {
		id, err := registry.ParseIdentity(m.Session)
		if err != nil {
			return fmt.Errorf("bridge event session %q: %w", m.Session, err)
		}
		if c, ok := r.reg.Client(id); ok && c.Subscribed(m.Payload.Evt) {
			c.Deliver(f)
		}
		return nil
	}
	for _, ref := range r.reg.Clients() {
		if ref.Client.Subscribed(m.Payload.Evt) {
			ref.Client.Deliver(f)
		}
	}
	return nil
}

// clientRemoved drops the pending requests of a departed session and clears
// its retained state on the bridge.
func (r *Router) clientRemoved(ref registry.ClientRef) {
	r.mu.Lock()
	var cancelled int
	for id := range r.bySession[ref.ID] {
		if p, ok := r.pending[id]; ok {
			r.removePending(p)
			cancelled++
		}
	}
	retained := r.retained[ref.ID]
	delete(r.retained, ref.ID)
	if len(retained) > 0 && !r.closed {
		if b, ok := r.reg.Bridge(); ok {
			r.clearRetained(b.Bridge, ref.ID, retained)
		}
	}
	r.mu.Unlock()

	for range cancelled {
		r.metrics.RequestResolved(metrics.ReplyCancelled, 0)
	}
	if cancelled > 0 {
		r.logger.Debug("cancelled pending requests of closed session", "session", ref.ID, "count", cancelled)
	}
}

// bridgeRemoved times out the requests waiting on a bridge that went away.
func (r *Router) bridgeRemoved(ref registry.BridgeRef) {
	r.mu.Lock()
	stale := r.takePending(func(p *pendingRequest) bool { return p.generation == ref.Generation })
	_, attached := r.reg.Bridge()
	r.mu.Unlock()

	if !attached {
		r.metrics.BridgeDetached()
	}
	r.logger.Info("bridge detached", "bridge", ref.ID, "generation", ref.Generation, "expired", len(stale))
	for _, p := range stale {
		r.timeout(p)
	}
}

// Pending returns the number of requests awaiting a bridge reply.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Shutdown clears every retained state on the bridge, drops all pending
// requests and closes the bridge. Later bridged commands are answered as
// unavailable. It is safe to call more than once.
func (r *Router) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ref, attached := r.reg.Bridge()
	if attached {
		ids := make([]registry.Identity, 0, len(r.retained))
		for id := range r.retained {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			r.clearRetained(ref.Bridge, id, r.retained[id])
		}
	}
	clear(r.retained)
	dropped := r.takePending(func(*pendingRequest) bool { return true })
	r.mu.Unlock()

	for range dropped {
		r.metrics.RequestResolved(metrics.ReplyCancelled, 0)
	}
	if attached {
		ref.Bridge.Close("relay shutting down")
	}
	r.logger.Info("router shut down", "dropped", len(dropped))
}

func errorReply(msg protocol.Message, err error) *protocol.Message {
	ce := command.AsError(err)
	reply := protocol.ErrorReply(msg, ce.Code, ce.Message)
	return &reply
}
