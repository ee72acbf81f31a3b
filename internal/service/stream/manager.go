package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"MarketGate/internal/domain/models"
	xhttp "MarketGate/pkg/http"
	"MarketGate/pkg/logger"

	"github.com/tidwall/gjson"
)

// Metrics is the subset of the recorder the manager reports to.
type Metrics interface {
	RecordStreamMessage(stream string)
	RecordStreamState(state string)
	RecordReconnect(outcome string)
	RecordError(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordStreamMessage(string) {}
func (noopMetrics) RecordStreamState(string)   {}
func (noopMetrics) RecordReconnect(string)     {}
func (noopMetrics) RecordError(string)         {}

type subscription struct {
	key      string
	handler  Handler
	active   atomic.Bool
	messages atomic.Uint64
	errors   atomic.Uint64
}

// event is what the transport hands to the dispatcher: a raw frame or a
// connection-scoped error to broadcast.
type event struct {
	data []byte
	at   time.Time
	err  error
}

// Manager keeps one logical subscription set alive over a reconnecting websocket.
// Frames are routed by their "stream" field from a single dispatcher goroutine.
type Manager struct {
	cfg     Config
	dialer  Dialer
	logger  *logger.Logger
	metrics Metrics

	// sendMu orders SUBSCRIBE/UNSUBSCRIBE writes with the replay of a new
	// connection. It is taken before mu.
	sendMu sync.Mutex

	mu    sync.Mutex
	state State
	conn  Conn
	// gen identifies the current physical connection; read loops of older
	// connections are ignored.
	gen uint64
	// epoch changes on every Disconnect so in-flight dials can tell they were superseded.
	epoch      uint64
	subs       map[string]*subscription
	order      []*subscription
	attempts   int
	reconnects uint64
	timer      *time.Timer
	closed     bool

	nextID atomic.Uint64
	events chan event
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Manager)

// WithDialer replaces the gorilla dialer, mostly for tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		if d != nil {
			m.dialer = d
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// NewManager creates a disconnected manager and starts its dispatcher.
func NewManager(cfg Config, opts ...Option) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:     cfg,
		logger:  logger.Nop(),
		metrics: noopMetrics{},
		state:   StateDisconnected,
		subs:    make(map[string]*subscription),
		events:  make(chan event, cfg.BufferSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = NewGorillaDialer(cfg.HandshakeTimeout, cfg.WriteTimeout, cfg.PingInterval)
	}

	m.wg.Add(1)
	go m.dispatch()
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscriptions returns the registered stream keys in registration order.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.order))
	for _, sub := range m.order {
		keys = append(keys, sub.key)
	}
	return keys
}

// Subscribe registers handler for key. The subscription survives reconnects and
// Disconnect; it is sent right away when connected and replayed on every connect.
// Subscribing an existing key replaces its handler.
func (m *Manager) Subscribe(key string, handler Handler) error {
	if key == "" {
		return xhttp.NewClientError(xhttp.KindValidation, "stream key is required")
	}
	if handler == nil {
		return xhttp.NewClientError(xhttp.KindValidation, "stream handler is required")
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if sub, ok := m.subs[key]; ok {
		sub.handler = handler
		m.mu.Unlock()
		return nil
	}
	sub := &subscription{key: key, handler: handler}
	sub.active.Store(true)
	m.subs[key] = sub
	m.order = append(m.order, sub)
	conn := m.connectedLocked()
	m.mu.Unlock()

	if conn != nil {
		if err := m.send(conn, methodSubscribe, []string{key}); err != nil {
			// recorded; the reconnect that follows a broken write replays it
			m.logger.Warn("subscribe not sent", logger.String("stream", key), logger.Error(err))
		}
	}
	m.logger.Debug("stream subscribed", logger.String("stream", key))
	return nil
}

// Unsubscribe removes key. Frames for it that are already queued are dropped.
func (m *Manager) Unsubscribe(key string) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	sub.active.Store(false)
	delete(m.subs, key)
	for i, s := range m.order {
		if s == sub {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	conn := m.connectedLocked()
	m.mu.Unlock()

	if conn != nil {
		if err := m.send(conn, methodUnsubscribe, []string{key}); err != nil {
			m.logger.Warn("unsubscribe not sent", logger.String("stream", key), logger.Error(err))
		}
	}
	return nil
}

// Connect opens the connection and replays all subscriptions. It is a no-op when
// already connected or connecting. A failed dial is returned and also starts the
// reconnect schedule.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.attempts = 0
	m.setStateLocked(StateConnecting)
	epoch := m.epoch
	m.mu.Unlock()

	return m.dial(ctx, epoch)
}

// Disconnect closes the connection and cancels any pending reconnect.
// Subscriptions are kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.epoch++
	m.gen++
	conn := m.conn
	m.conn = nil
	if m.state != StateDisconnected {
		m.setStateLocked(StateDisconnecting)
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	m.mu.Lock()
	m.attempts = 0
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.logger.Info("stream disconnected", logger.String("url", m.cfg.URL))
}

// Close disconnects and stops the dispatcher. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
	close(m.done)
	m.wg.Wait()
	return nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		State:             m.state,
		URL:               m.cfg.URL,
		ReconnectAttempts: m.attempts,
		Reconnects:        m.reconnects,
		Subscriptions:     make([]SubscriptionStats, 0, len(m.order)),
	}
	for _, sub := range m.order {
		st.Subscriptions = append(st.Subscriptions, SubscriptionStats{
			Stream:   sub.key,
			Active:   sub.active.Load(),
			Messages: sub.messages.Load(),
			Errors:   sub.errors.Load(),
		})
	}
	return st
}

func (m *Manager) dial(ctx context.Context, epoch uint64) error {
	conn, err := m.dialer.Dial(ctx, m.cfg.URL, m.header())

	// held until the replay is written so no newer SUBSCRIBE overtakes it
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.closed || epoch != m.epoch || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrSuperseded
	}
	if err != nil {
		m.setStateLocked(StateError)
		m.mu.Unlock()

		m.logger.Warn("stream dial failed", logger.String("url", m.cfg.URL), logger.Error(err))
		m.scheduleReconnect()
		return xhttp.NewClientError(xhttp.KindNetwork, "stream dial failed").WithError(err)
	}

	m.gen++
	gen := m.gen
	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateConnected)
	keys := m.activeKeysLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.readLoop(gen, conn)

	m.logger.Info("stream connected", logger.String("url", m.cfg.URL), logger.Int("subscriptions", len(keys)))
	if len(keys) > 0 {
		if err := m.send(conn, methodSubscribe, keys); err != nil {
			m.connectionLost(gen, err)
			return xhttp.NewClientError(xhttp.KindNetwork, "subscription replay failed").WithError(err)
		}
	}
	return nil
}

func (m *Manager) header() http.Header {
	h := http.Header{}
	for k, v := range m.cfg.Header {
		h[k] = append([]string(nil), v...)
	}
	if m.cfg.Token != nil {
		if tok := m.cfg.Token(); tok != "" {
			h.Set("Authorization", "Bearer "+tok)
		}
	}
	return h
}

func (m *Manager) send(conn Conn, method string, keys []string) error {
	return conn.WriteJSON(command{
		Method: method,
		Params: keys,
		ID:     m.nextID.Add(1),
	})
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	defer m.wg.Done()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		select {
		case m.events <- event{data: data, at: time.Now()}:
		case <-m.done:
			return
		}
	}
}

// connectionLost handles a transport failure of connection gen. Failures of
// connections already replaced or closed on purpose are ignored.
func (m *Manager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateError)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.metrics.RecordError("stream_connection_lost")
	m.logger.Warn("stream connection lost", logger.String("url", m.cfg.URL), logger.Error(cause))
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.state != StateError || m.timer != nil {
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		attempts := m.attempts
		m.attempts = 0
		m.setStateLocked(StateDisconnected)
		m.metrics.RecordReconnect("exhausted")
		m.logger.Error("stream reconnect attempts exhausted",
			logger.String("url", m.cfg.URL), logger.Int("attempts", attempts))

		err := xhttp.NewClientError(xhttp.KindConnectivity,
			fmt.Sprintf("stream unavailable after %d reconnect attempts", attempts))
		go m.enqueue(event{err: err, at: time.Now()})
		return
	}

	delay := m.cfg.Backoff.Delay(m.attempts)
	m.attempts++
	m.logger.Info("stream reconnect scheduled",
		logger.Int("attempt", m.attempts), logger.Duration("delay_ms", delay))
	m.timer = time.AfterFunc(delay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.timer = nil
	if m.closed || m.state != StateError {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnecting)
	epoch := m.epoch
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
	defer cancel()

	switch err := m.dial(ctx, epoch); err {
	case nil:
		m.mu.Lock()
		m.reconnects++
		m.mu.Unlock()
		m.metrics.RecordReconnect("success")
	case ErrSuperseded:
	default:
		m.metrics.RecordReconnect("failure")
	}
}

func (m *Manager) enqueue(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) dispatch() {
	defer m.wg.Done()

	for {
		select {
		case ev := <-m.events:
			if ev.err != nil {
				m.broadcast(ev.err)
				continue
			}
			m.route(ev)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) route(ev event) {
	if !gjson.ValidBytes(ev.data) {
		m.metrics.RecordError("stream_malformed")
		m.logger.Warn("dropping malformed stream frame", logger.Int("bytes", len(ev.data)))
		return
	}

	fields := gjson.GetManyBytes(ev.data, "stream", "data", "id")
	stream, data, id := fields[0], fields[1], fields[2]
	if !stream.Exists() {
		if id.Exists() {
			// command acknowledgement
			m.logger.Debug("stream ack", logger.String("frame", string(ev.data)))
			return
		}
		m.metrics.RecordError("stream_malformed")
		m.logger.Warn("dropping stream frame without stream key")
		return
	}
	if stream.Type != gjson.String || stream.Str == "" {
		m.metrics.RecordError("stream_malformed")
		m.logger.Warn("dropping stream frame with invalid stream key")
		return
	}

	m.mu.Lock()
	sub := m.subs[stream.Str]
	var h Handler
	if sub != nil {
		h = sub.handler
	}
	m.mu.Unlock()

	if sub == nil || !sub.active.Load() {
		m.logger.Debug("dropping frame for unknown stream", logger.String("stream", stream.Str))
		return
	}

	msg := &models.StreamEvent{Stream: stream.Str, ReceivedAt: ev.at}
	if data.Exists() {
		msg.Data = json.RawMessage(data.Raw)
	}
	sub.messages.Add(1)
	m.metrics.RecordStreamMessage(stream.Str)
	m.safeCall(sub, func() { h.HandleMessage(msg) })
}

// broadcast delivers err to every active subscription in registration order.
func (m *Manager) broadcast(err error) {
	m.mu.Lock()
	type target struct {
		sub *subscription
		h   Handler
	}
	targets := make([]target, 0, len(m.order))
	for _, sub := range m.order {
		if sub.active.Load() {
			targets = append(targets, target{sub: sub, h: sub.handler})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		t.sub.errors.Add(1)
		h := t.h
		m.safeCall(t.sub, func() { h.HandleError(err) })
	}
}

func (m *Manager) safeCall(sub *subscription, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			sub.errors.Add(1)
			m.metrics.RecordError("stream_handler_panic")
			m.logger.Error("stream handler panicked",
				logger.String("stream", sub.key), logger.Any("panic", r))
		}
	}()
	fn()
}

func (m *Manager) connectedLocked() Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *Manager) activeKeysLocked() []string {
	keys := make([]string, 0, len(m.order))
	for _, sub := range m.order {
		if sub.active.Load() {
			keys = append(keys, sub.key)
		}
	}
	return keys
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.metrics.RecordStreamState(string(s))
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
