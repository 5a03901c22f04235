// Package session implements the per-connection IPC protocol state machine:
// handshake, command frames, ping/pong and close.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/rpcbridge/internal/metrics"
	"github.com/philsphicas/rpcbridge/internal/protocol"
	"github.com/philsphicas/rpcbridge/internal/registry"
)

const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 10 * time.Second

	readBufferSize = 4096
)

// Phase is the protocol phase of a session.
type Phase int32

const (
	AwaitingHandshake Phase = iota
	Open
	Closing
	Closed
)

func (p Phase) String() string {
	switch p {
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrClosed is returned by Feed once the peer has sent CLOSE or the
	// session was closed locally.
	ErrClosed = errors.New("session closed")

	// ErrProtocolViolation is wrapped by every *protocol.ProtocolError a
	// session produces.
	ErrProtocolViolation = errors.New("protocol violation")
)

// Dispatcher handles decoded command messages of open sessions. A non-nil
// result is written to the client immediately; a nil result means the reply
// will be delivered later through Deliver, or not at all.
type Dispatcher interface {
	Dispatch(from registry.Identity, msg protocol.Message) *protocol.Message
}

// Config holds the configuration for client sessions.
type Config struct {
	MaxFrameSize uint32        // largest accepted payload (default protocol.DefaultMaxFrameSize)
	QueueSize    int           // outbound frame queue length (default DefaultQueueSize)
	WriteTimeout time.Duration // per-frame write deadline (default DefaultWriteTimeout)
	Ready        protocol.ReadyData
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.Ready.V == 0 {
		c.Ready = protocol.DefaultReady()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session is one client connection. Inbound frames are processed by a
// single goroutine in arrival order; outbound frames are written by a second
// goroutine from a bounded queue.
type Session struct {
	rwc        io.ReadWriteCloser
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	ready      protocol.Frame

	id    registry.Identity
	dec   protocol.Decoder
	phase atomic.Int32

	mu       sync.Mutex
	clientID string
	subs     map[string]struct{}
	tracker  *metrics.SessionTracker
	opened   time.Time

	out        chan protocol.Frame
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

// New creates a session reading from and writing to rwc. Call Serve to run it.
func New(rwc io.ReadWriteCloser, d Dispatcher, cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		rwc:        rwc,
		dispatcher: d,
		cfg:        cfg,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		ready:      protocol.MessageFrame(protocol.Dispatch(protocol.EvtReady, mustMarshal(cfg.Ready))),
		dec:        protocol.Decoder{MaxFrameSize: cfg.MaxFrameSize},
		subs:       make(map[string]struct{}),
		out:        make(chan protocol.Frame, cfg.QueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Serve runs the session until the peer disconnects, a protocol violation
// occurs or ctx is cancelled. id is the identity assigned by the registry.
// A clean close by either side returns nil; a violation returns a
// *protocol.ProtocolError after the CLOSE frame has been flushed.
func (s *Session) Serve(ctx context.Context, id registry.Identity) error {
	s.id = id
	s.logger = s.logger.With("session", id)
	s.logger.Debug("session started")

	go s.writeLoop()

	stop := context.AfterFunc(ctx, func() {
		s.shutdown(protocol.CloseNormal, "relay shutting down")
	})
	defer stop()

	err := s.readLoop()

	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		s.metrics.ProtocolError(violationReason(perr))
		s.logger.Warn("closing session", "code", int(perr.Code), "error", perr)
		s.shutdown(perr.Code, perr.Reason)
	} else {
		if err != nil && ctx.Err() == nil && !s.isClosed() {
			s.logger.Debug("session read failed", "error", err)
		} else {
			err = nil
		}
		_ = s.Close()
	}

	s.mu.Lock()
	tracker, opened := s.tracker, s.opened
	s.mu.Unlock()
	tracker.Done(time.Since(opened).Seconds(), err)
	s.logger.Debug("session ended")
	return err
}

func (s *Session) readLoop() error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			if ferr := s.Feed(buf[:n]); ferr != nil {
				if errors.Is(ferr, ErrClosed) {
					return nil
				}
				return ferr
			}
		}
		if err != nil {
			return ignoreClosed(err)
		}
	}
}

// Feed processes a chunk of inbound bytes. Any number of complete frames in
// data, plus bytes buffered by earlier calls, are handled in order. It
// returns ErrClosed once the session is closed and a *protocol.ProtocolError
// on the first violation; either way the session accepts no further input.
func (s *Session) Feed(data []byte) error {
	if s.isClosed() || s.Phase() == Closing {
		return ErrClosed
	}
	s.dec.Write(data)
	for {
		f, err := s.dec.Next()
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrNeedMoreData):
			return nil
		case errors.Is(err, protocol.ErrFrameTooLarge):
			return violation(protocol.CloseUnsupported, "frame too large", err)
		case errors.Is(err, protocol.ErrUnknownOpcode):
			if s.Phase() == AwaitingHandshake {
				return violation(protocol.CloseUnsupported, "expected handshake", err)
			}
			s.metrics.Frame("in", f.Op.String())
			s.logger.Debug("ignoring frame with unknown opcode", "opcode", uint32(f.Op))
			continue
		default:
			return err
		}
		s.metrics.Frame("in", f.Op.String())
		if err := s.handle(f); err != nil {
			return err
		}
	}
}

func (s *Session) handle(f protocol.Frame) error {
	if s.Phase() == AwaitingHandshake {
		if f.Op != protocol.OpHandshake {
			return violation(protocol.CloseUnsupported, "expected handshake", nil)
		}
		return s.handshake(f.Payload)
	}

	switch f.Op {
	case protocol.OpHandshake:
		return violation(protocol.CloseUnsupported, "handshake sent twice", nil)
	case protocol.OpFrame:
		s.command(f.Payload)
	case protocol.OpPing:
		s.enqueue(protocol.Frame{Op: protocol.OpPong, Payload: f.Payload})
	case protocol.OpPong:
	case protocol.OpClose:
		var c protocol.Close
		_ = json.Unmarshal(f.Payload, &c)
		s.logger.Debug("peer closed session", "code", int(c.Code), "message", c.Message)
		s.phase.Store(int32(Closing))
		return ErrClosed
	}
	return nil
}

func (s *Session) handshake(payload []byte) error {
	var hs protocol.Handshake
	if err := json.Unmarshal(payload, &hs); err != nil {
		return violation(protocol.CloseUnsupported, "malformed handshake", err)
	}
	if hs.Version != protocol.Version {
		return violation(protocol.CloseInvalidVersion, "invalid version", nil)
	}
	if hs.ClientID == "" {
		return violation(protocol.CloseInvalidClientID, "invalid client id", nil)
	}

	s.mu.Lock()
	// A shutdown that raced the handshake keeps the session closing.
	if !s.phase.CompareAndSwap(int32(AwaitingHandshake), int32(Open)) {
		s.mu.Unlock()
		return ErrClosed
	}
	s.clientID = hs.ClientID
	s.opened = time.Now()
	s.tracker = s.metrics.SessionOpened(hs.ClientID)
	s.mu.Unlock()

	s.logger.Info("client connected", "clientId", hs.ClientID)
	s.enqueue(s.ready)
	return nil
}

func (s *Session) command(payload []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logger.Debug("malformed command frame", "error", err)
		s.enqueue(protocol.MessageFrame(protocol.ErrorReply(protocol.Message{},
			protocol.ErrorInvalidPayload, "invalid frame payload")))
		return
	}
	if reply := s.dispatcher.Dispatch(s.id, msg); reply != nil {
		s.enqueue(protocol.MessageFrame(*reply))
	}
}

// enqueue queues f for the writer, waiting for space. It is only used by
// the read goroutine so replies keep the order of their requests.
func (s *Session) enqueue(f protocol.Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	}
}

// Deliver queues f without blocking. Frames for sessions that are not open
// and frames that do not fit in the queue are dropped.
func (s *Session) Deliver(f protocol.Frame) bool {
	if s.Phase() != Open {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- f:
		return true
	default:
		s.metrics.Dropped("client", metrics.ReasonQueueFull)
		s.logger.Warn("outbound queue full, dropping frame", "opcode", f.Op)
		return false
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	dl, _ := s.rwc.(interface{ SetWriteDeadline(time.Time) error })
	var buf []byte
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			buf = protocol.AppendFrame(buf[:0], f)
			if dl != nil {
				_ = dl.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if _, err := s.rwc.Write(buf); err != nil {
				if !s.isClosed() {
					s.logger.Debug("session write failed", "error", err)
				}
				_ = s.Close()
				return
			}
			s.metrics.Frame("out", f.Op.String())
			if f.Op == protocol.OpClose {
				return
			}
		}
	}
}

// shutdown flushes the frames already queued followed by a CLOSE frame, then
// closes the transport.
func (s *Session) shutdown(code protocol.CloseCode, reason string) {
	if s.isClosed() {
		return
	}
	s.phase.Store(int32(Closing))
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.out <- protocol.CloseFrame(code, reason):
		select {
		case <-s.writerDone:
		case <-timer.C:
		}
	case <-s.writerDone:
	case <-timer.C:
	}
	_ = s.Close()
}

// Close releases the transport and clears all subscriptions. It is safe to
// call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.phase.Store(int32(Closed))
		close(s.done)
		err = s.rwc.Close()
		s.mu.Lock()
		clear(s.subs)
		s.mu.Unlock()
	})
	return err
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Identity returns the identity passed to Serve.
func (s *Session) Identity() registry.Identity { return s.id }

// Phase returns the current protocol phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// ClientID returns the application id sent in the handshake.
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Subscribe registers the session for evt.
func (s *Session) Subscribe(evt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	s.subs[evt] = struct{}{}
}

// Unsubscribe cancels a subscription to evt.
func (s *Session) Unsubscribe(evt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, evt)
}

// Subscribed reports whether the session is subscribed to evt.
func (s *Session) Subscribed(evt string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[evt]
	return ok
}

// Info returns a snapshot of the session for the state view.
func (s *Session) Info() registry.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]string, 0, len(s.subs))
	for evt := range s.subs {
		subs = append(subs, evt)
	}
	sort.Strings(subs)
	return registry.ClientInfo{
		ClientID:      s.clientID,
		Phase:         s.Phase().String(),
		Subscriptions: subs,
	}
}

func violation(code protocol.CloseCode, reason string, err error) *protocol.ProtocolError {
	if err == nil {
		err = ErrProtocolViolation
	} else {
		err = errors.Join(ErrProtocolViolation, err)
	}
	return &protocol.ProtocolError{Code: code, Reason: reason, Err: err}
}

func violationReason(e *protocol.ProtocolError) string {
	switch {
	case errors.Is(e, protocol.ErrFrameTooLarge):
		return metrics.ReasonFrameTooLarge
	case errors.Is(e, protocol.ErrUnknownOpcode):
		return metrics.ReasonUnknownOpcode
	case e.Code == protocol.CloseInvalidVersion:
		return metrics.ReasonInvalidVersion
	case e.Code == protocol.CloseInvalidClientID:
		return metrics.ReasonInvalidClientID
	case e.Reason == "malformed handshake":
		return metrics.ReasonBadHandshake
	}
	return metrics.ReasonUnexpectedFrame
}

func ignoreClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
