//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/philsphicas/rpcbridge/internal/hyco"
	"github.com/philsphicas/rpcbridge/internal/protocol"
)

// relayEnv holds the Azure Relay configuration for remote bridge tests.
type relayEnv struct {
	relayName          string // Azure Relay namespace name
	hyco               string // hybrid connection name (Entra ID)
	sasHyco            string // hybrid connection name for SAS tests (optional)
	sasListenerKeyName string // SAS listener key name (optional)
	sasListenerKey     string // SAS listener key (optional)
	sasSenderKeyName   string // SAS sender key name (optional)
	sasSenderKey       string // SAS sender key (optional)
}

// authConfig describes a single auth method to test against.
type authConfig struct {
	name        string          // "entra" or "sas"
	hyco        string          // which hybrid connection to use
	listenerSAS *sasCredentials // nil → Entra ID auth
	senderSAS   *sasCredentials // nil → Entra ID auth
}

// sasCredentials holds a SAS key name and key for a specific role.
type sasCredentials struct {
	keyName string
	key     string
}

// requireRelayEnv reads config from env vars and skips if nothing is configured.
func requireRelayEnv(t *testing.T) *relayEnv {
	t.Helper()
	relay := os.Getenv("E2E_RELAY_NAME")
	if relay == "" {
		t.Skip("E2E_RELAY_NAME must be set for remote bridge tests")
	}
	hc := os.Getenv("E2E_ENTRA_HYCO_NAME")
	sasHyco := os.Getenv("E2E_SAS_HYCO_NAME")
	if hc == "" && sasHyco == "" {
		t.Skip("at least one of E2E_ENTRA_HYCO_NAME or E2E_SAS_HYCO_NAME must be set")
	}
	return &relayEnv{
		relayName:          relay,
		hyco:               hc,
		sasHyco:            sasHyco,
		sasListenerKeyName: os.Getenv("E2E_SAS_LISTENER_KEY_NAME"),
		sasListenerKey:     os.Getenv("E2E_SAS_LISTENER_KEY"),
		sasSenderKeyName:   os.Getenv("E2E_SAS_SENDER_KEY_NAME"),
		sasSenderKey:       os.Getenv("E2E_SAS_SENDER_KEY"),
	}
}

// availableAuths returns auth configurations for each available method.
// Set E2E_AUTH=entra or E2E_AUTH=sas to restrict to a single method.
func availableAuths(t *testing.T, env *relayEnv) []authConfig {
	t.Helper()
	filter := os.Getenv("E2E_AUTH")
	switch filter {
	case "", "entra", "sas":
	default:
		t.Fatalf("unsupported E2E_AUTH value %q; expected \"entra\", \"sas\", or \"\" (both)", filter)
	}

	var configs []authConfig
	if env.hyco != "" && filter != "sas" {
		configs = append(configs, authConfig{name: "entra", hyco: env.hyco})
	}
	if env.sasHyco != "" && env.sasListenerKeyName != "" && env.sasListenerKey != "" && env.sasSenderKeyName != "" && env.sasSenderKey != "" && filter != "entra" {
		configs = append(configs, authConfig{
			name:        "sas",
			hyco:        env.sasHyco,
			listenerSAS: &sasCredentials{keyName: env.sasListenerKeyName, key: env.sasListenerKey},
			senderSAS:   &sasCredentials{keyName: env.sasSenderKeyName, key: env.sasSenderKey},
		})
	}
	if len(configs) == 0 {
		t.Skip("no auth configured (need E2E_ENTRA_HYCO_NAME or SAS credentials)")
	}
	return configs
}

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// relayBinary builds the rpcbridge binary once and returns its path.
func relayBinary(t *testing.T) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, _ := os.Getwd()
		root := filepath.Dir(dir)
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err != nil {
			root = dir
		}
		builtBinary = filepath.Join(root, "bin", "rpcbridge")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/rpcbridge")
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("build rpcbridge: %v", buildErr)
	}
	return builtBinary
}

// relayProcess is a running rpcbridge with captured logs.
type relayProcess struct {
	cmd    *exec.Cmd
	logs   *logBuffer
	ipcDir string
}

// startRelay runs "rpcbridge serve" on a private IPC dir and an ephemeral
// bridge port. The process is killed on test cleanup.
func startRelay(t *testing.T, env []string, args ...string) *relayProcess {
	t.Helper()
	binary := relayBinary(t)

	ipcDir, err := os.MkdirTemp("", "e2e")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(ipcDir) })

	args = append([]string{
		"serve",
		"--ipc-dir", ipcDir,
		"--bridge-addr", "127.0.0.1:0",
		"--log-level", "debug",
	}, args...)
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), "XDG_CONFIG_HOME="+t.TempDir())
	cmd.Env = append(cmd.Env, env...)

	logs := &logBuffer{}
	cmd.Stderr = logs
	cmd.Stdout = os.Stdout
	if err := cmd.Start(); err != nil {
		t.Fatalf("start rpcbridge %v: %v", args, err)
	}
	t.Cleanup(func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		cmd.Wait()
		if t.Failed() {
			t.Logf("rpcbridge logs:\n%s", logs.String())
		}
	})
	return &relayProcess{cmd: cmd, logs: logs, ipcDir: ipcDir}
}

// hycoEnv returns the environment that points a relay at auth's hybrid
// connection.
func hycoEnv(env *relayEnv, auth authConfig) []string {
	vars := []string{
		"RPCBRIDGE_HYCO_RELAY=" + env.relayName,
		"RPCBRIDGE_HYCO_NAME=" + auth.hyco,
	}
	if auth.listenerSAS != nil {
		vars = append(vars,
			"RPCBRIDGE_HYCO_KEY_NAME="+auth.listenerSAS.keyName,
			"RPCBRIDGE_HYCO_KEY="+auth.listenerSAS.key,
		)
	}
	return vars
}

// logBuffer is a thread-safe buffer that captures log output and supports
// waiting for specific log messages.
type logBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string
	waiters []logWaiter
}

type logWaiter struct {
	substr string
	ch     chan string
}

func (lb *logBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	data := lb.partial + string(p)
	lb.partial = ""
	for {
		i := strings.IndexByte(data, '\n')
		if i == -1 {
			lb.partial = data
			break
		}
		line := data[:i]
		data = data[i+1:]
		lb.lines = append(lb.lines, line)
		remaining := lb.waiters[:0]
		for _, w := range lb.waiters {
			if strings.Contains(line, w.substr) {
				select {
				case w.ch <- line:
				default:
				}
			} else {
				remaining = append(remaining, w)
			}
		}
		lb.waiters = remaining
	}
	return len(p), nil
}

// String returns all captured log lines joined with newlines.
func (lb *logBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return strings.Join(lb.lines, "\n")
}

// waitFor blocks until a log line containing substr appears, or times out.
func (lb *logBuffer) waitFor(substr string, timeout time.Duration) (string, bool) {
	ch := make(chan string, 1)

	lb.mu.Lock()
	for _, line := range lb.lines {
		if strings.Contains(line, substr) {
			lb.mu.Unlock()
			return line, true
		}
	}
	lb.waiters = append(lb.waiters, logWaiter{substr: substr, ch: ch})
	lb.mu.Unlock()

	select {
	case line := <-ch:
		return line, true
	case <-time.After(timeout):
		lb.mu.Lock()
		for i, w := range lb.waiters {
			if w.ch == ch {
				lb.waiters = append(lb.waiters[:i], lb.waiters[i+1:]...)
				break
			}
		}
		lb.mu.Unlock()
		return "", false
	}
}

// waitForLog waits for a log line containing the given substring.
func waitForLog(t *testing.T, proc *relayProcess, substr string, timeout time.Duration) string {
	t.Helper()
	line, ok := proc.logs.waitFor(substr, timeout)
	if !ok {
		t.Fatalf("timed out waiting for log: %q", substr)
	}
	return line
}

// waitForLogField waits for a log line and extracts the value of key=.
func waitForLogField(t *testing.T, proc *relayProcess, substr, key string, timeout time.Duration) string {
	t.Helper()
	line := waitForLog(t, proc, substr, timeout)
	m := regexp.MustCompile(key + `=([^\s]+)`).FindStringSubmatch(line)
	if m == nil {
		t.Fatalf("no %s= in log line: %s", key, line)
	}
	return m[1]
}

// bridgeAddr returns the relay's bridge listen address.
func (p *relayProcess) bridgeAddr(t *testing.T) string {
	t.Helper()
	return waitForLogField(t, p, "bridge server listening", "addr", 10*time.Second)
}

// ipcPath returns the relay's IPC socket path.
func (p *relayProcess) ipcPath(t *testing.T) string {
	t.Helper()
	return waitForLogField(t, p, "ipc listening", "path", 10*time.Second)
}

// dialLocalBridge attaches a bridge over the relay's local websocket.
func dialLocalBridge(t *testing.T, ctx context.Context, proc *relayProcess) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.Dial(ctx, "ws://"+proc.bridgeAddr(t)+"/", nil)
	if err != nil {
		t.Fatalf("dial bridge: %v", err)
	}
	t.Cleanup(func() { ws.CloseNow() })
	return ws
}

// dialRemoteBridge connects to the hybrid connection as a sender, which the
// relay attaches as a remote bridge.
func dialRemoteBridge(t *testing.T, ctx context.Context, env *relayEnv, auth authConfig) *websocket.Conn {
	t.Helper()
	endpoint := hyco.ParseRelayEndpoint(env.relayName, hyco.DefaultRelaySuffix)
	var tp hyco.TokenProvider
	if auth.senderSAS != nil {
		tp = &hyco.SASTokenProvider{KeyName: auth.senderSAS.keyName, Key: auth.senderSAS.key}
	} else {
		entra, err := hyco.NewEntraTokenProvider()
		if err != nil {
			t.Fatalf("entra credential: %v", err)
		}
		tp = entra
	}
	token, err := tp.GetToken(ctx, hyco.ResourceURI(endpoint, auth.hyco))
	if err != nil {
		t.Fatalf("sender token: %v", err)
	}
	connectURL := fmt.Sprintf("wss://%s/$hc/%s?sb-hc-action=connect&sb-hc-token=%s",
		endpoint, url.PathEscape(auth.hyco), url.QueryEscape(token))

	// The listener may still be registering; retry briefly.
	var lastErr error
	for range 10 {
		ws, _, err := websocket.Dial(ctx, connectURL, nil)
		if err == nil {
			t.Cleanup(func() { ws.CloseNow() })
			return ws
		}
		lastErr = err
		time.Sleep(time.Second)
	}
	t.Fatalf("dial relay as sender: %v", lastErr)
	return nil
}

// readBridge reads one bridge message.
func readBridge(t *testing.T, ctx context.Context, ws *websocket.Conn) protocol.BridgeMessage {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("bridge read: %v", err)
	}
	var m protocol.BridgeMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("bridge message %q: %v", data, err)
	}
	return m
}

// writeBridge sends one bridge message.
func writeBridge(t *testing.T, ctx context.Context, ws *websocket.Conn, m protocol.BridgeMessage) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("bridge write: %v", err)
	}
}

// ipcClient is a Rich Presence client speaking the framed IPC protocol.
type ipcClient struct {
	t    *testing.T
	conn net.Conn
	dec  protocol.Decoder
}

func dialIPC(t *testing.T, path string) *ipcClient {
	t.Helper()
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		t.Fatalf("dial ipc %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &ipcClient{t: t, conn: conn}
}

func (c *ipcClient) send(op protocol.Opcode, v any) {
	c.t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		c.t.Fatal(err)
	}
	if _, err := c.conn.Write(protocol.Encode(protocol.Frame{Op: op, Payload: payload})); err != nil {
		c.t.Fatalf("ipc write: %v", err)
	}
}

func (c *ipcClient) next() protocol.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	buf := make([]byte, 4096)
	for {
		f, err := c.dec.Next()
		if err == nil {
			return f
		}
		if !errors.Is(err, protocol.ErrNeedMoreData) {
			c.t.Fatalf("decode: %v", err)
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			c.t.Fatalf("ipc read: %v", err)
		}
		c.dec.Write(buf[:n])
	}
}

func (c *ipcClient) message() protocol.Message {
	c.t.Helper()
	f := c.next()
	if f.Op != protocol.OpFrame {
		c.t.Fatalf("opcode = %v, want FRAME", f.Op)
	}
	var m protocol.Message
	if err := json.Unmarshal(f.Payload, &m); err != nil {
		c.t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// handshake performs the handshake and consumes READY.
func (c *ipcClient) handshake(clientID string) {
	c.t.Helper()
	c.send(protocol.OpHandshake, protocol.Handshake{Version: 1, ClientID: clientID})
	if m := c.message(); m.Evt != protocol.EvtReady {
		c.t.Fatalf("first message = %+v, want READY", m)
	}
}

// setActivity sends SET_ACTIVITY for this process.
func (c *ipcClient) setActivity(nonce, details string) {
	c.t.Helper()
	c.send(protocol.OpFrame, map[string]any{
		"cmd":   "SET_ACTIVITY",
		"args":  map[string]any{"pid": os.Getpid(), "activity": map[string]any{"details": details}},
		"nonce": nonce,
	})
}

// authorize sends AUTHORIZE for the handshaken application.
func (c *ipcClient) authorize(nonce string) {
	c.t.Helper()
	c.send(protocol.OpFrame, map[string]any{
		"cmd":   "AUTHORIZE",
		"args":  map[string]any{"client_id": clientID, "scopes": []string{"rpc"}},
		"nonce": nonce,
	})
}
