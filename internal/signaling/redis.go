package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/internal/models"
)

const roomPattern = "room:*:signal"

// RoomChannel is the pub/sub channel carrying signaling for roomID.
func RoomChannel(roomID string) string {
	return "room:" + roomID + ":signal"
}

// RedisBus is a Bus over Redis pub/sub, one channel per room. go-redis
// resubscribes on its own after a dropped connection.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger *zap.Logger
	listeners

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBus subscribes to every room's signaling channel.
func NewRedisBus(ctx context.Context, client *redis.Client, logger *zap.Logger) (*RedisBus, error) {
	ps := client.PSubscribe(ctx, roomPattern)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", roomPattern, err)
	}

	b := &RedisBus{
		client: client,
		pubsub: ps,
		logger: logger.With(zap.String("bus", "redis")),
		done:   make(chan struct{}),
	}
	go b.loop(ps.Channel())
	return b, nil
}

func (b *RedisBus) loop(ch <-chan *redis.Message) {
	defer close(b.done)
	for m := range ch {
		msg, err := Decode([]byte(m.Payload))
		if err != nil {
			b.logger.Debug("dropping message", zap.String("channel", m.Channel), zap.Error(err))
			continue
		}
		if room := strings.TrimSuffix(strings.TrimPrefix(m.Channel, "room:"), ":signal"); room != msg.RoomID {
			b.logger.Debug("room mismatch", zap.String("channel", m.Channel), zap.String("room", msg.RoomID))
			continue
		}
		b.deliver(msg)
	}
}

func (b *RedisBus) OnMessage(fn func(*models.SignalMessage)) func() { return b.add(fn) }

func (b *RedisBus) ConnectionState() State {
	if b.closed.Load() {
		return StateClosed
	}
	return StateOpen
}

func (b *RedisBus) Send(ctx context.Context, msg *models.SignalMessage) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if err := b.client.Publish(ctx, RoomChannel(msg.RoomID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		err = b.pubsub.Close()
		<-b.done
	})
	return err
}
