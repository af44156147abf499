package probe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

// AgentVersion is reported by Client on registration.
const AgentVersion = "1.0.0"

// Client is the probe side of WebSocketGateway. It keeps the set of
// instruments the service asked for and, on Hit, reports locations that
// are being watched. It reconnects with exponential backoff and receives
// the full instrument set again after every reconnect.
type Client struct {
	url             string
	token           string
	probeID         string
	serviceInstance string
	encoding        Encoding
	maxDepth        int
	logger          *slog.Logger

	mu         sync.RWMutex
	conn       *websocket.Conn
	connected  bool
	registered bool
	applied    map[string]instrument.Instrument

	reconnectAttempts    int
	maxReconnectAttempts int
	reconnectDelay       time.Duration
	heartbeatInterval    time.Duration

	// control holds apply acknowledgements, which are never dropped.
	// messageQueue carries hits and heartbeats and drops the oldest when full.
	control      *queue.Queue
	controlReady chan struct{}
	limiter      *rate.Limiter
	messageQueue chan Message
	done         chan struct{}
	closeOnce    sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token sent on connect.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithProbeID overrides the generated probe id.
func WithProbeID(id string) ClientOption {
	return func(c *Client) {
		c.probeID = id
	}
}

// WithClientServiceInstance names the observed process.
func WithClientServiceInstance(name string) ClientOption {
	return func(c *Client) {
		c.serviceInstance = name
	}
}

// WithEncoding selects JSON or CBOR frames.
func WithEncoding(enc Encoding) ClientOption {
	return func(c *Client) {
		c.encoding = enc
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = d
	}
}

// WithCaptureRate bounds how many hits per second are reported.
func WithCaptureRate(perSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
}

// WithClientMaxDepth bounds how deep captured values are expanded.
func WithClientMaxDepth(depth int) ClientOption {
	return func(c *Client) {
		c.maxDepth = depth
	}
}

// WithReconnect sets the retry budget and the initial backoff delay.
func WithReconnect(maxAttempts int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.maxReconnectAttempts = maxAttempts
		c.reconnectDelay = delay
	}
}

// NewClient returns a client for the gateway at url.
func NewClient(url string, options ...ClientOption) *Client {
	c := &Client{
		url:                  url,
		probeID:              uuid.NewString(),
		encoding:             EncodingJSON,
		maxDepth:             10,
		logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
		applied:              make(map[string]instrument.Instrument),
		maxReconnectAttempts: 10,
		reconnectDelay:       time.Second,
		heartbeatInterval:    30 * time.Second,
		limiter:              rate.NewLimiter(50, 50),
		control:              queue.New(),
		controlReady:         make(chan struct{}, 1),
		messageQueue:         make(chan Message, sendQueueSize),
		done:                 make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// ProbeID returns the id the client registers with.
func (c *Client) ProbeID() string {
	return c.probeID
}

// Connect dials the gateway and serves the connection, reconnecting until
// ctx is done, Disconnect is called or the retry budget is spent.
func (c *Client) Connect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.logger.Debug("probe connection error", "url", c.url, "error", err)

			c.reconnectAttempts++
			if c.reconnectAttempts > c.maxReconnectAttempts {
				c.logger.Warn("max reconnect attempts reached", "url", c.url)
				return
			}

			delay := c.reconnectDelay * time.Duration(1<<uint(c.reconnectAttempts-1))
			if delay > 60*time.Second {
				delay = 60 * time.Second
			}
			c.logger.Debug("reconnecting", "delay", delay, "attempt", c.reconnectAttempts)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		c.reconnectAttempts = 0
		c.runMessageLoop(ctx)
	}
}

// Disconnect closes the connection and stops Connect.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.registered = false
}

// IsConnected returns true once the gateway accepted the registration.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.registered
}

// Applied returns the instruments the gateway asked this probe to watch.
func (c *Client) Applied() []instrument.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]instrument.Instrument, 0, len(c.applied))
	for _, inst := range c.applied {
		out = append(out, inst.Clone())
	}
	return out
}

// Watching reports whether any applied instrument targets source:line.
func (c *Client) Watching(source string, line int) bool {
	loc := instrument.Location{Source: source, Line: line}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, inst := range c.applied {
		if inst.Location == loc {
			return true
		}
	}
	return false
}

// Hit reports execution of source:line with the variables in scope when
// the location is watched and the capture rate allows it.
func (c *Client) Hit(source string, line int, vars map[string]any) bool {
	if !c.Watching(source, line) || !c.IsConnected() {
		return false
	}
	if !c.limiter.Allow() {
		c.logger.Debug("capture rate limit reached, skipping hit", "source", source, "line", line)
		return false
	}

	loc := instrument.Location{Source: source, Line: line}
	msg := newMessage(MessageHit)
	msg.Report = &Report{
		Location:        loc,
		OccurredAt:      time.Now(),
		ServiceInstance: c.serviceInstance,
		StackTrace:      stackAt(loc, vars, c.maxDepth, 1),
	}
	c.send(msg)
	return true
}

func (c *Client) connect(ctx context.Context) error {
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("connecting", "url", c.url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	register := newMessage(MessageRegister)
	register.Registration = &Registration{
		ProbeID:         c.probeID,
		ServiceInstance: c.serviceInstance,
		Hostname:        hostname,
		Runtime:         "go " + runtime.Version(),
		AgentVersion:    AgentVersion,
	}
	return c.sendDirect(register)
}

func (c *Client) runMessageLoop(ctx context.Context) {
	heartbeat := time.NewTicker(c.heartbeatInterval)
	defer heartbeat.Stop()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			frameType, data, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.logger.Debug("probe read error", "error", err)
				}
				return
			}
			msg, _, err := decode(frameType, data)
			if err != nil {
				c.logger.Warn("undecodable gateway message", "error", err)
				continue
			}
			c.handleMessage(msg)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			<-readDone
			return
		case <-c.done:
			<-readDone
			return
		case <-readDone:
			conn.Close()
			c.mu.Lock()
			c.connected = false
			c.registered = false
			c.applied = make(map[string]instrument.Instrument)
			c.control = queue.New()
			c.mu.Unlock()
			return
		case <-heartbeat.C:
			if c.IsConnected() {
				c.send(newMessage(MessageHeartbeat))
			}
		case <-c.controlReady:
			c.flushControl(conn)
		case msg := <-c.messageQueue:
			c.flushControl(conn)
			if err := c.write(conn, msg); err != nil {
				c.logger.Debug("probe write error", "type", msg.Type, "error", err)
			}
		}
	}
}

func (c *Client) handleMessage(msg Message) {
	switch msg.Type {
	case MessageRegistered:
		c.mu.Lock()
		c.registered = true
		c.mu.Unlock()
		c.logger.Debug("probe registered", "probe_id", c.probeID)

	case MessageApply:
		if msg.Instrument == nil || msg.Instrument.ID == "" {
			reply := newMessage(MessageApplyFailed)
			reply.Error = &ErrorPayload{Code: "invalid_instrument", Message: "apply without instrument"}
			c.sendControl(reply)
			return
		}
		c.mu.Lock()
		c.applied[msg.Instrument.ID] = msg.Instrument.Clone()
		c.mu.Unlock()

		reply := newMessage(MessageApplied)
		reply.ID = msg.Instrument.ID
		c.sendControl(reply)

	case MessageRemove:
		c.mu.Lock()
		delete(c.applied, msg.ID)
		c.mu.Unlock()

	case MessageError:
		c.handleError(msg.Error)

	default:
		c.logger.Debug("unhandled gateway message", "type", msg.Type)
	}
}

func (c *Client) handleError(payload *ErrorPayload) {
	if payload == nil {
		return
	}
	c.logger.Warn("gateway error", "code", payload.Code, "message", payload.Message)

	if payload.Code == "auth_error" || payload.Code == "invalid_token" {
		c.logger.Warn("authentication failed, disconnecting")
		go c.Disconnect()
	}
}

// send queues telemetry for the message loop. When the queue is full the
// oldest queued message is dropped.
func (c *Client) send(msg Message) {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return
	}

	for {
		select {
		case c.messageQueue <- msg:
			return
		default:
		}
		select {
		case <-c.messageQueue:
		default:
		}
	}
}

// sendControl queues msg ahead of telemetry. The queue is unbounded and is
// discarded with the connection it was meant for.
func (c *Client) sendControl(msg Message) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.control.Add(msg)
	c.mu.Unlock()

	select {
	case c.controlReady <- struct{}{}:
	default:
	}
}

func (c *Client) flushControl(conn *websocket.Conn) {
	for {
		c.mu.Lock()
		if c.control.Length() == 0 {
			c.mu.Unlock()
			return
		}
		msg := c.control.Remove().(Message)
		c.mu.Unlock()

		if err := c.write(conn, msg); err != nil {
			c.logger.Debug("probe write error", "type", msg.Type, "error", err)
			return
		}
	}
}

func (c *Client) sendDirect(msg Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return c.write(conn, msg)
}

func (c *Client) write(conn *websocket.Conn, msg Message) error {
	frameType, data, err := encode(c.encoding, msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(frameType, data)
}
