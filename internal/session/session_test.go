package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/philsphicas/rpcbridge/internal/protocol"
	"github.com/philsphicas/rpcbridge/internal/registry"
)

type echoDispatcher struct {
	mu  sync.Mutex
	got []protocol.Message
}

func (d *echoDispatcher) Dispatch(_ registry.Identity, msg protocol.Message) *protocol.Message {
	d.mu.Lock()
	d.got = append(d.got, msg)
	d.mu.Unlock()
	return &protocol.Message{Cmd: msg.Cmd, Data: json.RawMessage(`{"ok":true}`), Nonce: msg.Nonce}
}

func (d *echoDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.got)
}

// nopConn satisfies io.ReadWriteCloser for sessions driven through Feed.
type nopConn struct{}

func (nopConn) Read([]byte) (int, error)    { return 0, io.EOF }
func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(d Dispatcher) *Session {
	return New(nopConn{}, d, Config{Logger: testLogger()})
}

func raw(op protocol.Opcode, payload string) []byte {
	return protocol.Encode(protocol.Frame{Op: op, Payload: []byte(payload)})
}

var handshake = raw(protocol.OpHandshake, `{"v":1,"client_id":"123"}`)

// queued drains the frames waiting in the outbound queue.
func queued(s *Session) []protocol.Frame {
	var fs []protocol.Frame
	for {
		select {
		case f := <-s.out:
			fs = append(fs, f)
		default:
			return fs
		}
	}
}

func decodeMessage(t *testing.T, f protocol.Frame) protocol.Message {
	t.Helper()
	if f.Op != protocol.OpFrame {
		t.Fatalf("opcode = %v, want FRAME", f.Op)
	}
	var m protocol.Message
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return m
}

func TestHandshakeThenCommand(t *testing.T) {
	d := &echoDispatcher{}
	s := newTestSession(d)

	in := append(append([]byte{}, handshake...), raw(protocol.OpFrame, `{"cmd":"SET_ACTIVITY","args":{"pid":1},"nonce":"n1"}`)...)
	if err := s.Feed(in); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if s.Phase() != Open {
		t.Fatalf("phase = %v, want open", s.Phase())
	}
	if s.ClientID() != "123" {
		t.Errorf("client id = %q, want 123", s.ClientID())
	}

	out := queued(s)
	if len(out) != 2 {
		t.Fatalf("got %d frames, want 2", len(out))
	}
	ready := decodeMessage(t, out[0])
	if ready.Cmd != protocol.CmdDispatch || ready.Evt != protocol.EvtReady {
		t.Errorf("first frame = %+v, want READY dispatch", ready)
	}
	var data protocol.ReadyData
	if err := json.Unmarshal(ready.Data, &data); err != nil || data.V != 1 || data.User.Username == "" {
		t.Errorf("ready data = %s (%v)", ready.Data, err)
	}
	reply := decodeMessage(t, out[1])
	if reply.Nonce != "n1" || reply.Cmd != "SET_ACTIVITY" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestViolationBeforeHandshake(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"frame", raw(protocol.OpFrame, `{"cmd":"SET_ACTIVITY","nonce":"1"}`)},
		{"ping", raw(protocol.OpPing, "p")},
		{"close", raw(protocol.OpClose, `{"code":1000,"message":""}`)},
		{"pong", raw(protocol.OpPong, "")},
		{"unknown opcode", raw(protocol.Opcode(42), "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &echoDispatcher{}
			s := newTestSession(d)
			err := s.Feed(append(append([]byte{}, tt.frame...), handshake...))
			var perr *protocol.ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("Feed err = %v, want *ProtocolError", err)
			}
			if perr.Code != protocol.CloseUnsupported {
				t.Errorf("code = %d, want %d", perr.Code, protocol.CloseUnsupported)
			}
			if !errors.Is(err, ErrProtocolViolation) {
				t.Error("error does not wrap ErrProtocolViolation")
			}
			if s.Phase() == Open {
				t.Error("trailing handshake was processed")
			}
			if d.count() != 0 {
				t.Error("dispatcher called")
			}
			if out := queued(s); len(out) != 0 {
				t.Errorf("unexpected output frames: %v", out)
			}
		})
	}
}

func TestHandshakeValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		code    protocol.CloseCode
	}{
		{"wrong version", `{"v":2,"client_id":"123"}`, protocol.CloseInvalidVersion},
		{"missing version", `{"client_id":"123"}`, protocol.CloseInvalidVersion},
		{"empty client id", `{"v":1,"client_id":""}`, protocol.CloseInvalidClientID},
		{"missing client id", `{"v":1}`, protocol.CloseInvalidClientID},
		{"malformed", `{"v":1,`, protocol.CloseUnsupported},
		{"not an object", `[]`, protocol.CloseUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(&echoDispatcher{})
			err := s.Feed(raw(protocol.OpHandshake, tt.payload))
			var perr *protocol.ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("Feed err = %v, want *ProtocolError", err)
			}
			if perr.Code != tt.code {
				t.Errorf("code = %d, want %d", perr.Code, tt.code)
			}
		})
	}
}

func TestSecondHandshake(t *testing.T) {
	s := newTestSession(&echoDispatcher{})
	if err := s.Feed(handshake); err != nil {
		t.Fatalf("first handshake: %v", err)
	}
	var perr *protocol.ProtocolError
	if err := s.Feed(handshake); !errors.As(err, &perr) || perr.Code != protocol.CloseUnsupported {
		t.Fatalf("second handshake err = %v, want violation 1003", err)
	}
}

func TestPingPongOrder(t *testing.T) {
	s := newTestSession(&echoDispatcher{})
	var in []byte
	in = append(in, handshake...)
	in = append(in, raw(protocol.OpPing, "a")...)
	in = append(in, raw(protocol.OpFrame, `{"cmd":"X","nonce":"n1"}`)...)
	in = append(in, raw(protocol.OpPing, "")...)
	in = append(in, raw(protocol.OpPing, "b")...)

	// Feed one byte at a time: the result must not depend on chunking.
	for i := range in {
		if err := s.Feed(in[i : i+1]); err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
	}

	out := queued(s)
	if len(out) != 5 {
		t.Fatalf("got %d frames, want 5", len(out))
	}
	want := []struct {
		op      protocol.Opcode
		payload string
	}{
		{protocol.OpPong, "a"},
		{protocol.OpFrame, ""},
		{protocol.OpPong, ""},
		{protocol.OpPong, "b"},
	}
	for i, w := range want {
		f := out[i+1]
		if f.Op != w.op {
			t.Errorf("frame %d opcode = %v, want %v", i+1, f.Op, w.op)
		}
		if w.op == protocol.OpPong && string(f.Payload) != w.payload {
			t.Errorf("frame %d payload = %q, want %q", i+1, f.Payload, w.payload)
		}
	}
	if m := decodeMessage(t, out[2]); m.Nonce != "n1" {
		t.Errorf("reply nonce = %q, want n1", m.Nonce)
	}
}

func TestUnknownOpcodeAfterHandshakeIgnored(t *testing.T) {
	s := newTestSession(&echoDispatcher{})
	in := append(append(append([]byte{}, handshake...), raw(protocol.Opcode(7), "zz")...), raw(protocol.OpPing, "p")...)
	if err := s.Feed(in); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	out := queued(s)
	if len(out) != 2 || out[1].Op != protocol.OpPong {
		t.Fatalf("frames = %v, want READY then PONG", out)
	}
}

func TestHandshakeAfterShutdown(t *testing.T) {
	tests := []struct {
		name  string
		close func(*Session)
		want  Phase
	}{
		{"closing", func(s *Session) { s.phase.Store(int32(Closing)) }, Closing},
		{"closed", func(s *Session) { _ = s.Close() }, Closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession(&echoDispatcher{})
			tt.close(s)
			if err := s.handshake([]byte(`{"v":1,"client_id":"123"}`)); !errors.Is(err, ErrClosed) {
				t.Fatalf("handshake err = %v, want ErrClosed", err)
			}
			if s.Phase() != tt.want {
				t.Errorf("phase = %v, want %v", s.Phase(), tt.want)
			}
			if s.ClientID() != "" {
				t.Errorf("client id = %q, want empty", s.ClientID())
			}
			if out := queued(s); len(out) != 0 {
				t.Errorf("queued %d frames after shutdown, want 0", len(out))
			}
		})
	}
}

func TestPeerClose(t *testing.T) {
	d := &echoDispatcher{}
	s := newTestSession(d)
	in := append(append(append([]byte{}, handshake...), raw(protocol.OpClose, `{"code":1000,"message":"bye"}`)...),
		raw(protocol.OpFrame, `{"cmd":"X","nonce":"1"}`)...)
	if err := s.Feed(in); !errors.Is(err, ErrClosed) {
		t.Fatalf("Feed err = %v, want ErrClosed", err)
	}
	if d.count() != 0 {
		t.Error("frame after CLOSE was dispatched")
	}
	if err := s.Feed(raw(protocol.OpPing, "")); !errors.Is(err, ErrClosed) {
		t.Errorf("Feed after close err = %v, want ErrClosed", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	s := New(nopConn{}, &echoDispatcher{}, Config{MaxFrameSize: 16, Logger: testLogger()})
	// Only the header is needed to reject the frame.
	hdr := raw(protocol.OpHandshake, string(bytes.Repeat([]byte("x"), 17)))[:protocol.HeaderSize]
	err := s.Feed(hdr)
	if !errors.Is(err, protocol.ErrFrameTooLarge) {
		t.Fatalf("Feed err = %v, want ErrFrameTooLarge", err)
	}
	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) || perr.Code != protocol.CloseUnsupported {
		t.Errorf("err = %v, want close code 1003", err)
	}
}

func TestMalformedCommandFrame(t *testing.T) {
	d := &echoDispatcher{}
	s := newTestSession(d)
	in := append(append([]byte{}, handshake...), raw(protocol.OpFrame, `{"cmd":`)...)
	if err := s.Feed(in); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if s.Phase() != Open {
		t.Fatalf("phase = %v, want open", s.Phase())
	}
	out := queued(s)
	if len(out) != 2 {
		t.Fatalf("got %d frames, want 2", len(out))
	}
	m := decodeMessage(t, out[1])
	var data protocol.ErrorData
	_ = json.Unmarshal(m.Data, &data)
	if m.Evt != protocol.EvtError || data.Code != protocol.ErrorInvalidPayload {
		t.Errorf("reply = %+v, want invalid payload error", m)
	}
	if d.count() != 0 {
		t.Error("malformed frame was dispatched")
	}
}

func TestDeliver(t *testing.T) {
	s := New(nopConn{}, &echoDispatcher{}, Config{QueueSize: 2, Logger: testLogger()})
	f := protocol.MessageFrame(protocol.Dispatch("ACTIVITY_JOIN", json.RawMessage(`{}`)))
	if s.Deliver(f) {
		t.Fatal("Deliver succeeded before handshake")
	}
	if err := s.Feed(handshake); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	// READY occupies one slot.
	if !s.Deliver(f) {
		t.Fatal("Deliver failed with room in the queue")
	}
	if s.Deliver(f) {
		t.Fatal("Deliver succeeded on a full queue")
	}
	_ = s.Close()
	queued(s)
	if s.Deliver(f) {
		t.Fatal("Deliver succeeded after Close")
	}
}

func TestSubscriptions(t *testing.T) {
	s := newTestSession(&echoDispatcher{})
	s.Subscribe("ACTIVITY_JOIN")
	s.Subscribe("ACTIVITY_SPECTATE")
	s.Unsubscribe("ACTIVITY_SPECTATE")
	if !s.Subscribed("ACTIVITY_JOIN") || s.Subscribed("ACTIVITY_SPECTATE") {
		t.Fatalf("subscriptions = %v", s.Info().Subscriptions)
	}
	info := s.Info()
	if len(info.Subscriptions) != 1 || info.Phase != "awaiting_handshake" {
		t.Errorf("info = %+v", info)
	}
	_ = s.Close()
	if s.Subscribed("ACTIVITY_JOIN") {
		t.Error("subscription survived Close")
	}
	s.Subscribe("ACTIVITY_JOIN")
	if s.Subscribed("ACTIVITY_JOIN") {
		t.Error("Subscribe succeeded after Close")
	}
}

// readFrame reads one frame from conn.
func readFrame(t *testing.T, conn net.Conn, dec *protocol.Decoder) (protocol.Frame, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	for {
		f, err := dec.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, protocol.ErrNeedMoreData) {
			t.Fatalf("decode: %v", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			return protocol.Frame{}, err
		}
		dec.Write(buf[:n])
	}
}

func expectClose(t *testing.T, f protocol.Frame, code protocol.CloseCode) {
	t.Helper()
	if f.Op != protocol.OpClose {
		t.Fatalf("opcode = %v, want CLOSE", f.Op)
	}
	var c protocol.Close
	if err := json.Unmarshal(f.Payload, &c); err != nil {
		t.Fatalf("unmarshal close: %v", err)
	}
	if c.Code != code {
		t.Errorf("close code = %d, want %d", c.Code, code)
	}
}

func TestServeViolationSendsClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server, &echoDispatcher{}, Config{Logger: testLogger()})
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(context.Background(), 1) }()

	if _, err := client.Write(raw(protocol.OpFrame, `{"cmd":"X","nonce":"1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var dec protocol.Decoder
	f, err := readFrame(t, client, &dec)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	expectClose(t, f, protocol.CloseUnsupported)

	if _, err := readFrame(t, client, &dec); err == nil {
		t.Fatal("connection still open after CLOSE")
	}
	select {
	case err := <-errc:
		var perr *protocol.ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("Serve err = %v, want *ProtocolError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if s.Phase() != Closed {
		t.Errorf("phase = %v, want closed", s.Phase())
	}
}

func TestServeRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server, &echoDispatcher{}, Config{Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, 1) }()

	go func() {
		in := append(append([]byte{}, handshake...), raw(protocol.OpFrame, `{"cmd":"X","nonce":"abc"}`)...)
		_, _ = client.Write(in)
	}()

	var dec protocol.Decoder
	f, err := readFrame(t, client, &dec)
	if err != nil {
		t.Fatalf("read ready: %v", err)
	}
	if m := decodeMessage(t, f); m.Evt != protocol.EvtReady {
		t.Fatalf("first frame = %+v, want READY", m)
	}
	f, err = readFrame(t, client, &dec)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if m := decodeMessage(t, f); m.Nonce != "abc" {
		t.Fatalf("reply nonce = %q, want abc", m.Nonce)
	}

	// Cancelling the context closes the session with a normal CLOSE.
	cancel()
	f, err = readFrame(t, client, &dec)
	if err != nil {
		t.Fatalf("read close: %v", err)
	}
	expectClose(t, f, protocol.CloseNormal)

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServePeerDisconnect(t *testing.T) {
	server, client := net.Pipe()
	s := New(server, &echoDispatcher{}, Config{Logger: testLogger()})
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(context.Background(), 1) }()

	_ = client.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	select {
	case <-s.Done():
	default:
		t.Error("session not closed")
	}
}
