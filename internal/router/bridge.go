package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/rpcbridge/internal/metrics"
	"github.com/philsphicas/rpcbridge/internal/protocol"
	"github.com/philsphicas/rpcbridge/internal/registry"
)

const (
	bridgePingInterval = 30 * time.Second
	bridgePingTimeout  = 10 * time.Second
	bridgeWriteTimeout = 10 * time.Second
	bridgeCloseTimeout = 5 * time.Second
)

// bridgeConn is a websocket bridge endpoint. Messages are written by a
// single goroutine from a bounded queue.
type bridgeConn struct {
	ws   *websocket.Conn
	send chan protocol.BridgeMessage

	closeOnce sync.Once
	done      chan struct{}
	reason    string
}

func newBridgeConn(ws *websocket.Conn, queue int) *bridgeConn {
	return &bridgeConn{
		ws:   ws,
		send: make(chan protocol.BridgeMessage, queue),
		done: make(chan struct{}),
	}
}

// Send implements registry.Bridge.
func (c *bridgeConn) Send(m protocol.BridgeMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- m:
		return true
	default:
		return false
	}
}

// Close implements registry.Bridge. Messages queued before Close are still
// written, then the websocket is closed with reason.
func (c *bridgeConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *bridgeConn) writeLoop() error {
	for {
		select {
		case m := <-c.send:
			if err := c.write(m); err != nil {
				return err
			}
		case <-c.done:
			for {
				select {
				case m := <-c.send:
					if err := c.write(m); err != nil {
						return err
					}
				default:
					return ignoreNormalClose(c.ws.Close(websocket.StatusGoingAway, c.reason))
				}
			}
		}
	}
}

func (c *bridgeConn) write(m protocol.BridgeMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), bridgeWriteTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ServeBridge attaches ws as the bridge endpoint and serves it until either
// side closes it or ctx is cancelled. A newer bridge replaces this one.
// source labels the bridge in metrics and logs.
func (r *Router) ServeBridge(ctx context.Context, ws *websocket.Conn, source string) error {
	ws.SetReadLimit(int64(r.cfg.Session.MaxFrameSize) + 4096)

	c := newBridgeConn(ws, r.cfg.BridgeQueue)
	ref, err := r.AttachBridge(c, source)
	if err != nil {
		_ = ws.Close(websocket.StatusTryAgainLater, "relay shutting down")
		return err
	}
	logger := r.logger.With("bridge", ref.ID)

	// Reads outlive ctx so queued messages can be flushed and the close
	// handshake completed.
	readCtx, cancelRead := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRead()
	stop := context.AfterFunc(ctx, func() { c.Close("relay shutting down") })
	defer stop()

	writeErr := make(chan error, 1)
	go func() { writeErr <- c.writeLoop() }()
	go bridgePingLoop(readCtx, ws)

	readErr := r.bridgeReadLoop(readCtx, ref, source, ws, logger)

	r.reg.OnDisconnect(ref.ID)
	c.Close("bridge disconnected")
	select {
	case err := <-writeErr:
		if err != nil {
			logger.Debug("bridge write ended", "error", err)
		}
	case <-time.After(bridgeCloseTimeout + bridgeWriteTimeout):
		_ = ws.CloseNow()
	}
	return readErr
}

func (r *Router) bridgeReadLoop(ctx context.Context, ref registry.BridgeRef, source string, ws *websocket.Conn, logger *slog.Logger) error {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return ignoreClosed(ignoreNormalClose(err))
		}
		if typ != websocket.MessageText {
			r.metrics.BridgeError(source, metrics.ReasonBadMessage)
			continue
		}
		if err := r.HandleBridgeMessage(ref, data); err != nil {
			r.metrics.BridgeError(source, metrics.ReasonBadMessage)
			logger.Debug("ignoring bridge message", "error", err)
		}
	}
}

// bridgePingLoop sends periodic WebSocket pings to keep the bridge alive.
func bridgePingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(bridgePingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, bridgePingTimeout)
			_ = ws.Ping(pingCtx)
			cancel()
		}
	}
}

func ignoreNormalClose(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
