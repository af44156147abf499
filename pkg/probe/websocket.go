package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

const (
	defaultRegisterTimeout = 10 * time.Second
	defaultReadTimeout     = 90 * time.Second
	writeTimeout           = 10 * time.Second
	sendQueueSize          = 100
)

// WebSocketGateway serves remote probes over WebSocket. Every connected
// probe is sent every instrument; probes that connect later receive the
// current set right after registering. Commands are queued per probe
// without bound while the gateway lock is held, so every probe sees apply
// and remove in the order the gateway accepted them.
type WebSocketGateway struct {
	upgrader        websocket.Upgrader
	logger          *slog.Logger
	registerTimeout time.Duration
	readTimeout     time.Duration

	mu          sync.RWMutex
	probes      map[string]*probeConn
	instruments map[string]instrument.Instrument
	waiters     map[string][]chan error
	listener    Listener
}

// WebSocketOption configures a WebSocketGateway.
type WebSocketOption func(*WebSocketGateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) WebSocketOption {
	return func(g *WebSocketGateway) {
		g.logger = logger
	}
}

// WithReadTimeout sets how long a probe may stay silent before it is
// dropped. Probes send heartbeats well inside this window.
func WithReadTimeout(d time.Duration) WebSocketOption {
	return func(g *WebSocketGateway) {
		g.readTimeout = d
	}
}

// NewWebSocketGateway returns a gateway ready to be mounted as an HTTP handler.
func NewWebSocketGateway(options ...WebSocketOption) *WebSocketGateway {
	g := &WebSocketGateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		registerTimeout: defaultRegisterTimeout,
		readTimeout:     defaultReadTimeout,
		probes:          make(map[string]*probeConn),
		instruments:     make(map[string]instrument.Instrument),
		waiters:         make(map[string][]chan error),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// SetListener implements Gateway.
func (g *WebSocketGateway) SetListener(l Listener) {
	g.mu.Lock()
	g.listener = l
	g.mu.Unlock()
}

// Apply implements Gateway. The apply command is queued for every
// connected probe before Apply waits; an immediate apply then waits for
// the first acknowledgement or for ctx.
func (g *WebSocketGateway) Apply(ctx context.Context, inst instrument.Instrument) error {
	var ack chan error
	g.mu.Lock()
	stored := inst.Clone()
	g.instruments[inst.ID] = stored
	if inst.ApplyImmediately {
		ack = make(chan error, 1)
		g.waiters[inst.ID] = append(g.waiters[inst.ID], ack)
	}
	msg := newMessage(MessageApply)
	msg.Instrument = &stored
	g.broadcastLocked(msg)
	g.mu.Unlock()

	if ack == nil {
		return nil
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		g.dropWaiter(inst.ID, ack)
		return fmt.Errorf("%w: instrument %s: %v", instrument.ErrApplyTimeout, inst.ID, ctx.Err())
	}
}

// Remove implements Gateway. Every connected probe is told. A probe that
// disconnects before the command is written drops its instruments anyway
// and is not replayed the removed one.
func (g *WebSocketGateway) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.instruments, id)
	for _, ack := range g.waiters[id] {
		ack <- fmt.Errorf("%w: instrument %s removed", instrument.ErrApplyFailed, id)
	}
	delete(g.waiters, id)

	msg := newMessage(MessageRemove)
	msg.ID = id
	g.broadcastLocked(msg)
	return nil
}

func (g *WebSocketGateway) broadcastLocked(msg Message) {
	for _, p := range g.probes {
		if err := p.send(msg); err != nil {
			g.logger.Debug("probe closed before command was queued", "probe_id", p.id, "type", msg.Type, "error", err)
		}
	}
}

// Probes returns the registrations of connected probes.
func (g *WebSocketGateway) Probes() []Registration {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Registration, 0, len(g.probes))
	for _, p := range g.probes {
		out = append(out, p.registration)
	}
	return out
}

// Close disconnects every probe.
func (g *WebSocketGateway) Close() {
	g.mu.Lock()
	probes := g.connectedLocked()
	g.mu.Unlock()

	for _, p := range probes {
		p.close()
	}
}

// ServeHTTP upgrades a probe connection and serves it until it drops.
func (g *WebSocketGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("probe upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p, err := g.register(conn)
	if err != nil {
		g.logger.Warn("probe registration failed", "remote", r.RemoteAddr, "error", err)
		conn.Close()
		return
	}

	g.logger.Info("probe connected", "probe_id", p.id, "service_instance", p.registration.ServiceInstance)
	go p.writeLoop()
	g.readLoop(p)

	g.mu.Lock()
	if g.probes[p.id] == p {
		delete(g.probes, p.id)
	}
	g.mu.Unlock()
	p.close()
	g.logger.Info("probe disconnected", "probe_id", p.id)
}

func (g *WebSocketGateway) register(conn *websocket.Conn) (*probeConn, error) {
	conn.SetReadDeadline(time.Now().Add(g.registerTimeout))
	frameType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, enc, err := decode(frameType, data)
	if err != nil {
		return nil, fmt.Errorf("decoding register: %w", err)
	}
	if msg.Type != MessageRegister || msg.Registration == nil || msg.Registration.ProbeID == "" {
		return nil, fmt.Errorf("expected %s message, got %q", MessageRegister, msg.Type)
	}

	p := newProbeConn(*msg.Registration, conn, enc)

	registered := newMessage(MessageRegistered)
	registered.ID = p.id
	if err := p.writeNow(registered); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if old, ok := g.probes[p.id]; ok {
		old.close()
	}
	g.probes[p.id] = p
	g.replayLocked(p)
	g.mu.Unlock()
	return p, nil
}

// replayLocked queues the current instrument set for a newly registered
// probe. Commands accepted later are queued behind it.
func (g *WebSocketGateway) replayLocked(p *probeConn) {
	for _, inst := range g.instruments {
		apply := newMessage(MessageApply)
		apply.Instrument = &inst
		p.send(apply)
	}
}

func (g *WebSocketGateway) readLoop(p *probeConn) {
	for {
		p.conn.SetReadDeadline(time.Now().Add(g.readTimeout))
		frameType, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("probe read error", "probe_id", p.id, "error", err)
			}
			return
		}
		msg, _, err := decode(frameType, data)
		if err != nil {
			g.logger.Warn("undecodable probe message", "probe_id", p.id, "error", err)
			continue
		}
		g.handleMessage(p, msg)
	}
}

func (g *WebSocketGateway) handleMessage(p *probeConn, msg Message) {
	switch msg.Type {
	case MessageHeartbeat:
	case MessageApplied:
		g.acknowledge(msg.ID, nil)
		if l := g.currentListener(); l != nil {
			l.OnApplied(msg.ID)
		}
	case MessageApplyFailed:
		reason := "probe rejected instrument"
		if msg.Error != nil {
			reason = msg.Error.Message
		}
		g.acknowledge(msg.ID, fmt.Errorf("%w: instrument %s: %s", instrument.ErrApplyFailed, msg.ID, reason))
	case MessageHit:
		if msg.Report == nil {
			g.logger.Warn("hit without report", "probe_id", p.id)
			return
		}
		report := *msg.Report
		if report.ServiceInstance == "" {
			report.ServiceInstance = p.registration.ServiceInstance
		}
		if l := g.currentListener(); l != nil {
			l.OnReport(report)
		}
	default:
		g.logger.Debug("unhandled probe message", "probe_id", p.id, "type", msg.Type)
	}
}

func (g *WebSocketGateway) acknowledge(id string, err error) {
	g.mu.Lock()
	waiters := g.waiters[id]
	delete(g.waiters, id)
	g.mu.Unlock()

	for _, ack := range waiters {
		ack <- err
	}
}

func (g *WebSocketGateway) dropWaiter(id string, ack chan error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	waiters := g.waiters[id]
	for i, w := range waiters {
		if w == ack {
			waiters = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(g.waiters, id)
		return
	}
	g.waiters[id] = waiters
}

func (g *WebSocketGateway) currentListener() Listener {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.listener
}

func (g *WebSocketGateway) connectedLocked() []*probeConn {
	out := make([]*probeConn, 0, len(g.probes))
	for _, p := range g.probes {
		out = append(out, p)
	}
	return out
}

// probeConn is one registered probe. writeLoop is the only writer after
// registration.
type probeConn struct {
	id           string
	registration Registration
	conn         *websocket.Conn
	encoding     Encoding

	mu      sync.Mutex
	ready   *sync.Cond
	pending *queue.Queue
	closed  bool

	closeOnce sync.Once
}

func newProbeConn(reg Registration, conn *websocket.Conn, enc Encoding) *probeConn {
	p := &probeConn{
		id:           reg.ProbeID,
		registration: reg,
		conn:         conn,
		encoding:     enc,
		pending:      queue.New(),
	}
	p.ready = sync.NewCond(&p.mu)
	return p
}

// send queues msg for writeLoop. It never blocks and fails only once the
// probe is closed.
func (p *probeConn) send(msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return websocket.ErrCloseSent
	}
	p.pending.Add(msg)
	p.ready.Signal()
	return nil
}

func (p *probeConn) next() (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.pending.Length() == 0 && !p.closed {
		p.ready.Wait()
	}
	if p.closed {
		return Message{}, false
	}
	return p.pending.Remove().(Message), true
}

func (p *probeConn) writeLoop() {
	for {
		msg, ok := p.next()
		if !ok {
			return
		}
		if err := p.writeNow(msg); err != nil {
			p.close()
			return
		}
	}
}

func (p *probeConn) writeNow(msg Message) error {
	frameType, data, err := encode(p.encoding, msg)
	if err != nil {
		return err
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(frameType, data)
}

func (p *probeConn) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.ready.Broadcast()
		p.mu.Unlock()
		p.conn.Close()
	})
}
