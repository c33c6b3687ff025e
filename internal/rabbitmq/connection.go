package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqpkit-go/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultDialTimeout bounds Connect when the context has no earlier deadline
const DefaultDialTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnClosed(err error)
	OnBlocked(reason string)
	OnUnblocked()
}

// ConnectionManager owns one RabbitMQ connection and opens channels on it.
// A lost connection is reported to listeners and not re-established.
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.RWMutex
	dialTimeout    time.Duration
	config         *amqp.Config
	logger         *slog.Logger
	isConnected    bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

var _ messaging.Connection = (*ConnectionManager)(nil)

// *amqp.Channel is the production messaging.Channel
var _ messaging.Channel = (*amqp.Channel)(nil)

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialTimeout sets the connect timeout
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithAMQPConfig dials with a custom amqp.Config (heartbeat, TLS, vhost, properties)
func WithAMQPConfig(config amqp.Config) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.config = &config
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialTimeout: DefaultDialTimeout,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Dial creates a manager and connects it
func Dial(ctx context.Context, url string, options ...ConnectionOption) (*ConnectionManager, error) {
	cm := NewConnectionManager(url, options...)
	if err := cm.Connect(ctx); err != nil {
		return nil, err
	}
	return cm, nil
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}
	if cm.url == "" {
		return &ConnectionError{Op: "connect", Err: ErrInvalidConfiguration, Timestamp: time.Now()}
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial()
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		cm.conn = conn
		cm.isConnected = true

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		blockedCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
		go cm.watch(closeCh, blockedCh)

		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		return nil

	case err := <-errChan:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		// a dial finishing after the deadline must not leak its connection
		go func() {
			if conn := <-connChan; conn != nil {
				conn.Close()
			}
		}()
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
		}
	}
}

func (cm *ConnectionManager) dial() (*amqp.Connection, error) {
	if cm.config != nil {
		return amqp.DialConfig(cm.url, *cm.config)
	}
	return amqp.Dial(cm.url)
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// OpenChannel opens a new channel on the connection
func (cm *ConnectionManager) OpenChannel() (messaging.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}

	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		cm.logger.Info("connection closed", "url", SanitizeURL(cm.url))
		return err
	}

	return nil
}

// watch logs connection events and forwards them to listeners
func (cm *ConnectionManager) watch(closeCh <-chan *amqp.Error, blockedCh <-chan amqp.Blocking) {
	for {
		select {
		case err, ok := <-closeCh:
			cm.mu.Lock()
			cm.isConnected = false
			cm.mu.Unlock()

			if ok && err != nil {
				cm.logger.Error("connection error", "error", err, "code", err.Code, "server", err.Server)
				cm.notifyClosed(err)
			} else {
				cm.logger.Info("connection closed by client")
				cm.notifyClosed(nil)
			}
			return

		case b, ok := <-blockedCh:
			if !ok {
				blockedCh = nil
				continue
			}
			if b.Active {
				cm.logger.Warn("connection blocked", "reason", b.Reason)
				cm.notifyBlocked(b.Reason)
			} else {
				cm.logger.Info("connection unblocked")
				cm.notifyUnblocked()
			}

		case <-cm.done:
			return
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyClosed(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnClosed(err)
	}
}

func (cm *ConnectionManager) notifyBlocked(reason string) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnBlocked(reason)
	}
}

func (cm *ConnectionManager) notifyUnblocked() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnUnblocked()
	}
}
