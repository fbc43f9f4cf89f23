package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// WebSocketConfig configures the chat backend connection.
type WebSocketConfig struct {
	URL               string
	Token             string // sent as a Bearer token
	ReconnectInterval time.Duration
	MaxReconnects     int
	Dialer            *websocket.Dialer
}

// WebSocketBus is a Bus over a WebSocket connection to the chat backend.
// After an unexpected close it redials at a fixed interval, giving up after
// MaxReconnects attempts.
type WebSocketBus struct {
	cfg    WebSocketConfig
	logger *zap.Logger
	listeners

	state atomic.Int32
	send  chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// DialWebSocket connects to the chat backend. The first dial is synchronous;
// its failure is returned.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig, logger *zap.Logger) (*WebSocketBus, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 3 * time.Second
	}

	b := &WebSocketBus{
		cfg:    cfg,
		logger: logger.With(zap.String("bus", "websocket")),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	conn, err := b.dial(ctx)
	if err != nil {
		b.cancel()
		return nil, err
	}
	b.setState(StateOpen)
	go b.run(conn)
	return b, nil
}

func (b *WebSocketBus) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	conn, resp, err := b.cfg.Dialer.DialContext(ctx, b.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", b.cfg.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", b.cfg.URL, err)
	}
	return conn, nil
}

func (b *WebSocketBus) setState(s State) { b.state.Store(int32(s)) }

func (b *WebSocketBus) ConnectionState() State { return State(b.state.Load()) }

func (b *WebSocketBus) OnMessage(fn func(*models.SignalMessage)) func() { return b.add(fn) }

// Send queues msg for the write pump. It fails with ErrBusClosed unless the
// connection is open.
func (b *WebSocketBus) Send(ctx context.Context, msg *models.SignalMessage) error {
	if b.ConnectionState() != StateOpen {
		return ErrBusClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	select {
	case b.send <- data:
		return nil
	case <-b.ctx.Done():
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down and stops reconnecting.
func (b *WebSocketBus) Close() error {
	b.closeOnce.Do(b.cancel)
	<-b.done
	return nil
}

func (b *WebSocketBus) run(conn *websocket.Conn) {
	defer close(b.done)
	defer b.setState(StateClosed)

	for {
		b.serve(conn)
		if b.ctx.Err() != nil {
			return
		}

		b.setState(StateConnecting)
		b.logger.Warn("connection lost, reconnecting",
			zap.Duration("interval", b.cfg.ReconnectInterval),
			zap.Int("maxAttempts", b.cfg.MaxReconnects),
		)
		next, err := b.redial()
		if err != nil {
			if b.ctx.Err() == nil {
				b.logger.Error("giving up on signaling connection", zap.Error(err))
				b.cancel()
			}
			return
		}
		conn = next
		b.logger.Info("reconnected")
	}
}

// redial tries MaxReconnects times, waiting ReconnectInterval before each.
func (b *WebSocketBus) redial() (*websocket.Conn, error) {
	if b.cfg.MaxReconnects <= 0 {
		return nil, errors.New("reconnect disabled")
	}

	var conn *websocket.Conn
	attempt := 0
	op := func() error {
		attempt++
		c, err := b.dial(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return backoff.Permanent(ErrBusClosed)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		b.logger.Debug("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	select {
	case <-time.After(b.cfg.ReconnectInterval):
	case <-b.ctx.Done():
		return nil, ErrBusClosed
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.cfg.ReconnectInterval), uint64(b.cfg.MaxReconnects-1)),
		b.ctx,
	)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// serve pumps one connection until it fails or the bus is closed.
func (b *WebSocketBus) serve(conn *websocket.Conn) {
	b.setState(StateOpen)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.writePump(conn, stop)
	}()

	b.readPump(conn)
	close(stop)
	wg.Wait()
	conn.Close()
}

func (b *WebSocketBus) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && b.ctx.Err() == nil {
				b.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			b.logger.Debug("dropping message", zap.Error(err))
			continue
		}
		b.deliver(msg)
	}
}

func (b *WebSocketBus) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-b.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				b.logger.Warn("websocket write error", zap.Error(err))
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}

		case <-b.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			return

		case <-stop:
			return
		}
	}
}
