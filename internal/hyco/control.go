package hyco

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/philsphicas/rpcbridge/internal/metrics"
)

// Source labels bridges attached through a hybrid connection.
const Source = "hyco"

const (
	tokenExpiry     = 1 * time.Hour
	renewInterval   = 45 * time.Minute
	pingInterval    = 30 * time.Second
	pingTimeout     = 10 * time.Second
	reconnectMin    = 1 * time.Second
	reconnectMax    = 30 * time.Second
	maxRenewRetries = 3
)

// renewRetryDelay is multiplied by the attempt number between renewal
// retries.
var renewRetryDelay = 5 * time.Second

// AcceptHandler serves one rendezvous websocket. The websocket is closed
// after the handler returns.
type AcceptHandler func(ctx context.Context, ws *websocket.Conn)

// ControlConfig holds parameters for the hybrid connection listener.
type ControlConfig struct {
	Endpoint       string // relay FQDN, or a ws:// URL in tests
	EntityPath     string // hybrid connection name
	TokenProvider  TokenProvider
	Handler        AcceptHandler
	MaxConnections int // 0 = unlimited
	DialTimeout    time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional
}

// ListenAndServe keeps a control channel open and attaches every accepted
// rendezvous connection through cfg.Handler. Lost channels are redialed with
// exponential backoff. It returns ctx.Err() once ctx is done.
func ListenAndServe(ctx context.Context, cfg ControlConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	b := backoff{next: reconnectMin}
	for {
		start := time.Now()
		connected, err := runControlLoop(ctx, cfg)
		if connected {
			cfg.Metrics.SetControlChannelConnected(false)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A channel that stayed up for a while starts the backoff over.
		if time.Since(start) > reconnectMax {
			b.next = reconnectMin
		}
		cfg.Logger.Warn("control channel disconnected, reconnecting", "error", err, "delay", b.next)
		if err := b.wait(ctx); err != nil {
			return err
		}
	}
}

type backoff struct {
	next time.Duration
}

func (b *backoff) wait(ctx context.Context) error {
	t := time.NewTimer(b.next)
	defer t.Stop()
	b.next = min(b.next*2, reconnectMax)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runControlLoop serves one control channel until it fails. connected
// reports whether the channel was established.
func runControlLoop(ctx context.Context, cfg ControlConfig) (connected bool, err error) {
	c, err := dialControl(ctx, cfg)
	if err != nil {
		return false, err
	}
	defer func() { _ = c.ws.CloseNow() }()

	cfg.Logger.Info("control channel connected", "entity", cfg.EntityPath)
	cfg.Metrics.SetControlChannelConnected(true)
	return true, c.serve(ctx)
}

// controlChannel is an open listener connection to one hybrid connection.
type controlChannel struct {
	cfg      ControlConfig
	ws       *websocket.Conn
	resource string
	slots    *semaphore.Weighted // nil when unlimited
}

func dialControl(ctx context.Context, cfg ControlConfig) (*controlChannel, error) {
	resource := ResourceURI(cfg.Endpoint, cfg.EntityPath)
	token, err := cfg.TokenProvider.GetToken(ctx, resource)
	if err != nil {
		cfg.Metrics.BridgeError(Source, metrics.ReasonAuthFailed)
		return nil, fmt.Errorf("get token: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, ListenURL(cfg.Endpoint, cfg.EntityPath, token), nil)
	if err != nil {
		cfg.Metrics.BridgeError(Source, metrics.DialReason(err, metrics.ReasonDialFailed))
		return nil, fmt.Errorf("dial control: %w", sanitizeErr(err))
	}

	c := &controlChannel{cfg: cfg, ws: ws, resource: resource}
	if cfg.MaxConnections > 0 {
		c.slots = semaphore.NewWeighted(int64(cfg.MaxConnections))
	}
	return c, nil
}

// serve runs token renewal, keepalive pings and the accept loop. The first
// of them to fail stops the others, and serve returns once every
// rendezvous handler has finished.
func (c *controlChannel) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.renewLoop(gctx) })
	g.Go(func() error { return c.keepalive(gctx) })
	g.Go(func() error { return c.acceptLoop(gctx, g) })
	return g.Wait()
}

// Only the accept member of a control message is acted on.
type controlMessage struct {
	Accept *struct {
		Address        string            `json:"address"`
		ID             string            `json:"id"`
		ConnectHeaders map[string]string `json:"connectHeaders"`
	} `json:"accept"`
}

func (c *controlChannel) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("read control: %w", err)
		}
		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.cfg.Logger.Warn("invalid control message", "error", err)
			continue
		}
		if msg.Accept == nil {
			continue
		}
		if c.slots != nil && !c.slots.TryAcquire(1) {
			c.cfg.Metrics.BridgeError(Source, metrics.ReasonMaxConnections)
			c.cfg.Logger.Warn("max connections reached, dropping accept", "id", msg.Accept.ID)
			continue
		}
		addr := msg.Accept.Address
		g.Go(func() error {
			if c.slots != nil {
				defer c.slots.Release(1)
			}
			if err := c.rendezvous(ctx, addr); err != nil {
				c.cfg.Logger.Warn("accept failed", "error", err)
			}
			return nil
		})
	}
}

// rendezvous dials the address from an accept message and hands the
// websocket to the handler.
func (c *controlChannel) rendezvous(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, addr, nil)
	if err != nil {
		c.cfg.Metrics.BridgeError(Source, metrics.DialReason(err, metrics.ReasonDialFailed))
		return fmt.Errorf("dial rendezvous: %w", sanitizeErr(err))
	}
	defer func() { _ = ws.CloseNow() }()

	c.cfg.Handler(ctx, ws)
	_ = ws.Close(websocket.StatusNormalClosure, "done")
	return nil
}

func (c *controlChannel) renewLoop(ctx context.Context) error {
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := c.sendToken(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Logger.Warn("token renewal failed, forcing reconnect", "error", err)
			return fmt.Errorf("renew token: %w", err)
		}
	}
}

type renewMessage struct {
	RenewToken struct {
		Token string `json:"token"`
	} `json:"renewToken"`
}

// sendToken fetches a fresh token, retrying provider failures, and sends it
// on the control channel. A failed write is not retried.
func (c *controlChannel) sendToken(ctx context.Context) error {
	var err error
	for attempt := range maxRenewRetries {
		if attempt > 0 {
			t := time.NewTimer(time.Duration(attempt) * renewRetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		var token string
		if token, err = c.cfg.TokenProvider.GetToken(ctx, c.resource); err != nil {
			c.cfg.Logger.Warn("token renewal attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		var msg renewMessage
		msg.RenewToken.Token = token
		data, _ := json.Marshal(msg)
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
		c.cfg.Logger.Debug("token renewed")
		return nil
	}
	return err
}

// keepalive pings the relay so idle control channels are not dropped.
func (c *controlChannel) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := c.ws.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Logger.Warn("ping failed, forcing reconnect", "error", err)
			return fmt.Errorf("ping: %w", err)
		}
	}
}
