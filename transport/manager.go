package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/noteable-io/origami-go/rtu"
)

var (
	// ErrStartCalledTwice is returned from every Start call after the first.
	ErrStartCalledTwice = errors.New("transport: Start may only be called once")
	// ErrNotConnected is returned by SendNow when no connection is live.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrTerminated is returned by Send after the manager has shut down.
	ErrTerminated = errors.New("transport: manager has terminated")
)

// Config parameterizes a Manager.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://app.noteable.io/v1/rtu.
	URL string
	// ReconnectLimit bounds consecutive failed dial attempts. Zero means
	// retry forever.
	ReconnectLimit int
	// ReconnectDelay scales the back-off between attempts. The n'th
	// consecutive failure sleeps n * ReconnectDelay before redialing.
	ReconnectDelay time.Duration
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
	// Dialer performs the websocket handshake. Its HTTP headers carry no
	// credentials; authentication happens in-band after connect.
	Dialer *websocket.Dialer
	// OnConnect runs after each successful dial, before queued sends resume.
	// The callback is expected to authenticate the session via SendNow and
	// arrange for ReleaseSends once the server confirms.
	OnConnect func(reconnect bool)
	// OnDisconnect runs after each connection loss, with the read error.
	OnDisconnect func(err error)
}

// Manager owns one logical websocket session: it dials, re-dials with backoff
// on connection loss, reads frames onto the router, and writes queued frames
// once the session is authenticated.
//
// Outbound messages submitted with Send are held in a FIFO queue. The queue
// only drains after ReleaseSends is called for the current connection, and it
// survives reconnects, so callers may Send while the link is down. SendNow
// bypasses the queue for the authentication handshake itself.
type Manager struct {
	cfg    Config
	router *Router

	mu            sync.Mutex
	conn          *websocket.Conn
	authGate      chan struct{}
	queue         []rtu.Message
	hasTerminated bool

	queued  chan struct{}
	writeMu sync.Mutex

	startOnce  sync.Once
	terminated chan error
}

// NewManager returns a Manager which dispatches inbound messages on router.
func NewManager(cfg Config, router *Router) *Manager {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		router:     router,
		queued:     make(chan struct{}, 1),
		terminated: make(chan error, 1),
	}
}

// Start dials and maintains the connection until ctx is cancelled or retries
// are exhausted. It blocks until the first connection is established, or
// returns the error which prevented it. Start may be called only once.
func (m *Manager) Start(ctx context.Context) error {
	var err = ErrStartCalledTwice
	m.startOnce.Do(func() {
		var initialResult = make(chan error)
		go m.maintainConnection(ctx, initialResult)
		err = <-initialResult
	})
	return err
}

// Terminated returns a channel that receives the terminal error (or nil on
// clean shutdown) and is then closed.
func (m *Manager) Terminated() <-chan error {
	return m.terminated
}

// Send enqueues a message for delivery after the session authenticates. The
// queue preserves submission order across reconnects.
func (m *Manager) Send(msg rtu.Message) error {
	m.mu.Lock()
	if m.hasTerminated {
		m.mu.Unlock()
		return ErrTerminated
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.queued <- struct{}{}:
	default:
	}
	return nil
}

// SendNow writes a message on the live connection immediately, bypassing the
// queue and the authentication gate.
func (m *Manager) SendNow(msg rtu.Message) error {
	m.mu.Lock()
	var conn = m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return m.writeMessage(conn, msg)
}

// ReleaseSends opens the outbound queue for the current connection. It is
// called once the server confirms authentication, and is idempotent.
func (m *Manager) ReleaseSends() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authGate == nil {
		return
	}
	select {
	case <-m.authGate:
	default:
		close(m.authGate)
	}
}

func (m *Manager) markTerminated() {
	m.mu.Lock()
	m.hasTerminated = true
	m.mu.Unlock()
}

// QueueLen returns the number of messages awaiting delivery.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) maintainConnection(ctx context.Context, initialResult chan<- error) {
	var connectedOnce bool
	var failedAttempts int
	var lastErr error

	var sendError = func(err error) {
		m.markTerminated()
		if !connectedOnce {
			initialResult <- err
		} else {
			m.terminated <- err
		}
	}
	defer func() {
		m.markTerminated()
		if connectedOnce {
			close(m.terminated)
		}
	}()

	for {
		if ctx.Err() != nil {
			m.markTerminated()
			if !connectedOnce {
				initialResult <- fmt.Errorf("cancelled before connection could be established: %w", ctx.Err())
			} else {
				m.terminated <- nil
			}
			return
		}
		if m.cfg.ReconnectLimit != 0 && failedAttempts >= m.cfg.ReconnectLimit {
			sendError(fmt.Errorf("reconnect limit reached, last error: %w", lastErr))
			return
		}
		time.Sleep(time.Duration(failedAttempts) * m.cfg.ReconnectDelay)
		failedAttempts++

		log.WithFields(log.Fields{"url": m.cfg.URL, "attempt": failedAttempts}).
			Debug("dialing RTU endpoint")
		var conn, resp, err = m.cfg.Dialer.DialContext(ctx, m.cfg.URL, nil)
		if err != nil {
			lastErr = err
			connectsTotal.WithLabelValues("error").Inc()
			if isPermanentDialError(err, resp) {
				sendError(fmt.Errorf("connecting to %s: %w", m.cfg.URL, err))
				return
			}
			log.WithFields(log.Fields{"url": m.cfg.URL, "err": err}).
				Warn("failed to connect, will retry")
			continue
		}
		connectsTotal.WithLabelValues("ok").Inc()

		var authGate = make(chan struct{})
		m.mu.Lock()
		m.conn = conn
		m.authGate = authGate
		m.mu.Unlock()

		if m.cfg.OnConnect != nil {
			m.cfg.OnConnect(connectedOnce)
		}
		if !connectedOnce {
			initialResult <- nil
			connectedOnce = true
		}
		failedAttempts = 0

		var closeCh = make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
			case <-closeCh:
			}
			conn.Close()
		}()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.writePump(conn, authGate, closeCh)
		}()

		var readErr = m.readPump(conn, closeCh)
		wg.Wait()

		m.mu.Lock()
		m.conn = nil
		m.authGate = nil
		m.mu.Unlock()

		if m.cfg.OnDisconnect != nil {
			m.cfg.OnDisconnect(readErr)
		}
		if ctx.Err() == nil {
			lastErr = readErr
			log.WithField("err", readErr).Warn("RTU connection lost")
		}
	}
}

// readPump reads frames until the connection fails and dispatches each one
// serially on this goroutine. It closes closeCh on exit to stop the writer.
func (m *Manager) readPump(conn *websocket.Conn, closeCh chan<- struct{}) error {
	defer close(closeCh)

	for {
		var _, data, err = conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg, perr = rtu.Parse(data)
		if perr != nil {
			parseErrorsTotal.Inc()
			log.WithField("err", perr).Warn("dropping unparseable RTU frame")
			continue
		}
		messagesReceivedTotal.WithLabelValues(msg.ChannelPrefix()).Inc()
		m.router.Dispatch(msg)
	}
}

// writePump waits for the authentication gate, then drains the queue in FIFO
// order until the connection closes.
func (m *Manager) writePump(conn *websocket.Conn, authGate <-chan struct{}, closeCh <-chan struct{}) {
	select {
	case <-authGate:
	case <-closeCh:
		return
	}

	for {
		for {
			var msg, ok = m.popQueued()
			if !ok {
				break
			}
			if err := m.writeMessage(conn, msg); err != nil {
				// Leave the message queued for the next connection.
				m.requeueFront(msg)
				return
			}
		}
		select {
		case <-m.queued:
		case <-closeCh:
			return
		}
	}
}

func (m *Manager) popQueued() (rtu.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return rtu.Message{}, false
	}
	var msg = m.queue[0]
	m.queue = m.queue[1:]
	return msg, true
}

func (m *Manager) requeueFront(msg rtu.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append([]rtu.Message{msg}, m.queue...)
}

func (m *Manager) writeMessage(conn *websocket.Conn, msg rtu.Message) error {
	var b, err = json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %w", msg.Event, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("writing %s message: %w", msg.Event, err)
	}
	messagesSentTotal.WithLabelValues(msg.ChannelPrefix()).Inc()
	return nil
}

// isPermanentDialError reports whether a failed handshake should not be
// retried. A 4xx response means the request itself is rejected, for example
// a bad path or an unauthorized origin.
func isPermanentDialError(err error, resp *http.Response) bool {
	return errors.Is(err, websocket.ErrBadHandshake) &&
		resp != nil &&
		resp.StatusCode >= http.StatusBadRequest &&
		resp.StatusCode < http.StatusInternalServerError
}
