package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/logging"
	"github.com/rcourtman/slipgate/internal/platform"
)

const (
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// Reconnect backoff parameters
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
	reconnectJitter    = 0.1

	wsHandshakeWait  = 15 * time.Second
	wsWriteWait      = 10 * time.Second
	wsReadSlack      = 15 * time.Second
	wsMaxMessageSize = 4 << 20
	sendChBufferSize = 64
	closeResumable   = 4000

	defaultMaxHandlers    = 16
	defaultMaxBacklog     = 256
	defaultHandlerTimeout = 2 * time.Minute
	shutdownGrace         = 30 * time.Second
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opResume         = 6
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Intents requested on identify.
const (
	IntentGuilds         = 1 << 0
	IntentGuildMembers   = 1 << 1
	IntentGuildMessages  = 1 << 9
	IntentDirectMessages = 1 << 12
	IntentMessageContent = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMembers | IntentGuildMessages | IntentDirectMessages | IntentMessageContent
)

var errZombieConnection = errors.New("heartbeat not acknowledged")

// GatewayConfig configures the gateway connection.
type GatewayConfig struct {
	Token          string
	URL            string
	Intents        int
	MaxHandlers    int
	// MaxBacklog bounds events waiting for a handler; beyond it events are dropped.
	MaxBacklog     int
	HandlerTimeout time.Duration
	// Resolver, when set, provides the dialer for the websocket.
	Resolver *Resolver
}

// GatewayStatus is a point-in-time view of the connection.
type GatewayStatus struct {
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
	BotUserID string `json:"bot_user_id,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Gateway maintains the event connection and hands events to a Handler.
type Gateway struct {
	cfg     GatewayConfig
	handler platform.Handler
	logger  zerolog.Logger

	mu        sync.RWMutex
	sessionID string
	resumeURL string
	seq       int64
	hasSeq    bool
	botUserID string
	connected bool
	lastError string

	queue    chan handlerJob
	inflight sync.WaitGroup
}

type handlerJob struct {
	kind string
	fn   func(context.Context)
}

// NewGateway creates a gateway that delivers events to handler.
func NewGateway(cfg GatewayConfig, handler platform.Handler, logger zerolog.Logger) *Gateway {
	if cfg.URL == "" {
		cfg.URL = DefaultGatewayURL
	}
	if cfg.Intents == 0 {
		cfg.Intents = DefaultIntents
	}
	if cfg.MaxHandlers <= 0 {
		cfg.MaxHandlers = defaultMaxHandlers
	}
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = defaultMaxBacklog
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	return &Gateway{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Run keeps the gateway connected until ctx is cancelled, then waits for
// in-flight handlers to finish. It returns early only when the platform
// rejects the credentials.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.drain()
	defer g.startWorkers(ctx)()

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := g.connectAndHandle(ctx)
		g.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		gatemetrics.GatewayReconnectsTotal.Inc()

		if err == nil {
			consecutiveFailures = 0
			continue
		}
		if internalerrors.Classify(err) == internalerrors.KindConfiguration {
			g.recordError(err)
			g.logger.Error().Err(err).Msg("Gateway rejected credentials, giving up")
			return err
		}

		consecutiveFailures++
		g.recordError(err)
		delay := g.backoffDelay(consecutiveFailures)
		if consecutiveFailures >= 3 {
			g.logger.Warn().Err(err).
				Int("failures", consecutiveFailures).
				Dur("retry_in", delay).
				Msg("Gateway connection failed repeatedly")
		} else {
			g.logger.Debug().Err(err).
				Dur("retry_in", delay).
				Msg("Gateway connection interrupted, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (g *Gateway) drain() {
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		g.logger.Warn().Msg("Gateway handlers still running at shutdown")
	}
}

// Status returns the current gateway status.
func (g *Gateway) Status() GatewayStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GatewayStatus{
		Connected: g.connected,
		SessionID: g.sessionID,
		BotUserID: g.botUserID,
		LastError: g.lastError,
	}
}

func (g *Gateway) setConnected(v bool) {
	g.mu.Lock()
	g.connected = v
	if v {
		g.lastError = ""
	}
	g.mu.Unlock()
}

func (g *Gateway) recordError(err error) {
	g.mu.Lock()
	g.lastError = err.Error()
	g.mu.Unlock()
}

func (g *Gateway) backoffDelay(failures int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(failures-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	jitter := delay * reconnectJitter * (2*rand.Float64() - 1)
	return time.Duration(delay + jitter)
}

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type outboundPayload struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID        string   `json:"session_id"`
	ResumeGatewayURL string   `json:"resume_gateway_url"`
	User             wireUser `json:"user"`
}

func (g *Gateway) dialURL() (url string, resuming bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.sessionID != "" && g.resumeURL != "" {
		return withGatewayQuery(g.resumeURL), true
	}
	return g.cfg.URL, g.sessionID != ""
}

func withGatewayQuery(u string) string {
	if strings.Contains(u, "?") {
		return u
	}
	return strings.TrimRight(u, "/") + "/?v=10&encoding=json"
}

func (g *Gateway) connectAndHandle(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	if g.cfg.Resolver != nil {
		dialer.NetDialContext = g.cfg.Resolver.DialContext
	}

	url, resuming := g.dialURL()
	g.logger.Info().Bool("resume", resuming).Msg("Connecting to gateway")

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	interval, err := g.awaitHello(conn)
	if err != nil {
		return err
	}
	if err := g.sendIdentify(conn, resuming); err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	sendCh := make(chan outboundPayload, sendChBufferSize)
	var acked atomic.Bool
	acked.Store(true)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- g.writePump(connCtx, ctx, conn, sendCh, interval, &acked)
	}()

	readErr := g.readPump(ctx, conn, sendCh, interval, &acked)
	connCancel()
	if werr := <-writeErr; werr != nil && readErr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	return readErr
}

func (g *Gateway) awaitHello(conn *websocket.Conn) (time.Duration, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))
	var hello gatewayPayload
	if err := conn.ReadJSON(&hello); err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return 0, fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var data helloData
	if err := json.Unmarshal(hello.D, &data); err != nil || data.HeartbeatInterval <= 0 {
		return 0, fmt.Errorf("invalid hello payload")
	}
	return time.Duration(data.HeartbeatInterval) * time.Millisecond, nil
}

func (g *Gateway) sendIdentify(conn *websocket.Conn, resuming bool) error {
	var payload outboundPayload
	g.mu.RLock()
	if resuming {
		payload = outboundPayload{Op: opResume, D: map[string]any{
			"token":      g.cfg.Token,
			"session_id": g.sessionID,
			"seq":        g.seq,
		}}
	} else {
		payload = outboundPayload{Op: opIdentify, D: map[string]any{
			"token":   g.cfg.Token,
			"intents": g.cfg.Intents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "slipgate",
				"device":  "slipgate",
			},
		}}
	}
	g.mu.RUnlock()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}
	return nil
}

func (g *Gateway) heartbeat() outboundPayload {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.hasSeq {
		return outboundPayload{Op: opHeartbeat, D: nil}
	}
	return outboundPayload{Op: opHeartbeat, D: g.seq}
}

func (g *Gateway) writePump(ctx, parent context.Context, conn *websocket.Conn, sendCh <-chan outboundPayload, interval time.Duration, acked *atomic.Bool) error {
	// Closing the socket on exit unblocks the reader.
	defer conn.Close()

	// The first beat is jittered so a fleet of restarts does not align.
	first := time.NewTimer(time.Duration(float64(interval) * rand.Float64()))
	defer first.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beat := func() error {
		if !acked.Swap(false) {
			return errZombieConnection
		}
		return g.write(conn, g.heartbeat())
	}

	for {
		select {
		case <-ctx.Done():
			// A normal closure ends the session; anything else keeps it resumable.
			code := websocket.CloseNormalClosure
			if parent.Err() == nil {
				code = closeResumable
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
			return ctx.Err()

		case p := <-sendCh:
			if err := g.write(conn, p); err != nil {
				return err
			}

		case <-first.C:
			if err := beat(); err != nil {
				return err
			}

		case <-ticker.C:
			if err := beat(); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) write(conn *websocket.Conn, p outboundPayload) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(p); err != nil {
		return fmt.Errorf("write gateway payload: %w", err)
	}
	return nil
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, sendCh chan<- outboundPayload, interval time.Duration, acked *atomic.Bool) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(interval + wsReadSlack))
		var p gatewayPayload
		if err := conn.ReadJSON(&p); err != nil {
			return g.closeError(err)
		}

		switch p.Op {
		case opDispatch:
			g.mu.Lock()
			if p.S != nil {
				g.seq = *p.S
				g.hasSeq = true
			}
			g.mu.Unlock()
			g.dispatch(ctx, p.T, p.D)

		case opHeartbeat:
			select {
			case sendCh <- g.heartbeat():
			default:
			}

		case opHeartbeatAck:
			acked.Store(true)

		case opReconnect:
			g.logger.Info().Msg("Gateway requested reconnect")
			return nil

		case opInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if !resumable {
				g.resetSession()
			}
			g.logger.Info().Bool("resumable", resumable).Msg("Gateway session invalidated")
			return fmt.Errorf("invalid session")

		default:
			g.logger.Debug().Int("op", p.Op).Msg("Ignoring unhandled gateway opcode")
		}
	}
}

// closeError classifies a read failure. Authentication and intent errors
// cannot be fixed by reconnecting.
func (g *Gateway) closeError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case 4004, 4010, 4011, 4012, 4013, 4014:
			return internalerrors.Configuration("gateway", "", fmt.Errorf("gateway closed with %d: %s", closeErr.Code, closeErr.Text))
		case 4007, 4009:
			g.resetSession()
		}
	}
	return fmt.Errorf("read gateway: %w", err)
}

func (g *Gateway) resetSession() {
	g.mu.Lock()
	g.sessionID = ""
	g.resumeURL = ""
	g.seq = 0
	g.hasSeq = false
	g.mu.Unlock()
}

func (g *Gateway) dispatch(ctx context.Context, event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(data, &ready); err != nil {
			g.logger.Warn().Err(err).Msg("Failed to decode READY")
			return
		}
		g.mu.Lock()
		g.sessionID = ready.SessionID
		g.resumeURL = ready.ResumeGatewayURL
		g.botUserID = ready.User.ID
		g.mu.Unlock()
		g.setConnected(true)
		g.logger.Info().Str("bot_user", ready.User.Username).Msg("Gateway session ready")

	case "RESUMED":
		g.setConnected(true)
		g.logger.Info().Msg("Gateway session resumed")

	case "MESSAGE_CREATE":
		var m wireMessage
		if err := json.Unmarshal(data, &m); err != nil {
			g.logger.Warn().Err(err).Msg("Failed to decode MESSAGE_CREATE")
			return
		}
		msg := m.toPlatform()
		g.spawn(ctx, "message", func(hctx context.Context) { g.handler.HandleMessage(hctx, msg) })

	case "INTERACTION_CREATE":
		var wi wireInteraction
		if err := json.Unmarshal(data, &wi); err != nil {
			g.logger.Warn().Err(err).Msg("Failed to decode INTERACTION_CREATE")
			return
		}
		in, ok := wi.toPlatform()
		if !ok {
			return
		}
		g.spawn(ctx, "interaction", func(hctx context.Context) { g.handler.HandleInteraction(hctx, in) })
	}
}

// startWorkers starts the handler pool and returns a func that stops it
// once queued events are handled. Handler contexts outlive the connection
// so a reconnect does not abort a half-applied decision.
func (g *Gateway) startWorkers(ctx context.Context) func() {
	queue := make(chan handlerJob, g.cfg.MaxBacklog)
	g.queue = queue
	base := context.WithoutCancel(ctx)
	for i := 0; i < g.cfg.MaxHandlers; i++ {
		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			for job := range queue {
				g.runHandler(base, job)
			}
		}()
	}
	return func() { close(queue) }
}

// spawn queues fn for the handler pool without blocking the read pump,
// which must keep reading heartbeat acknowledgements.
func (g *Gateway) spawn(ctx context.Context, kind string, fn func(context.Context)) {
	if ctx.Err() != nil {
		return
	}
	select {
	case g.queue <- handlerJob{kind: kind, fn: fn}:
	default:
		gatemetrics.GatewayEventsDroppedTotal.WithLabelValues(kind).Inc()
		g.logger.Warn().Str("event", kind).Int("backlog", cap(g.queue)).Msg("Handler backlog full, dropping gateway event")
	}
}

func (g *Gateway) runHandler(base context.Context, job handlerJob) {
	hctx, cancel := context.WithTimeout(base, g.cfg.HandlerTimeout)
	defer cancel()
	hctx, id := logging.WithCorrelationID(hctx, "")

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error().
				Interface("panic", r).
				Str("event", job.kind).
				Str("correlation_id", id).
				Msg("Recovered from panic in gateway handler")
		}
	}()
	job.fn(hctx)
}
