// Package signaling carries call signaling envelopes over the chat message
// bus. Two transports are provided: a WebSocket client for the chat backend
// and Redis pub/sub for deployments that share a Redis instance.
package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/webrtc-calls/internal/models"
)

// ErrBusClosed is returned by Send when the bus cannot deliver messages.
var ErrBusClosed = errors.New("signaling bus closed")

// State is the connection state of a Bus.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	}
	return "closed"
}

// Bus is a persistent bidirectional signaling channel.
type Bus interface {
	Send(ctx context.Context, msg *models.SignalMessage) error
	// OnMessage registers fn for every valid inbound envelope. Envelopes are
	// delivered one at a time in arrival order. The returned func removes fn.
	OnMessage(fn func(*models.SignalMessage)) (cancel func())
	ConnectionState() State
	Close() error
}

type listeners struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(*models.SignalMessage)
}

func (l *listeners) add(fn func(*models.SignalMessage)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(*models.SignalMessage))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) deliver(msg *models.SignalMessage) {
	l.mu.RLock()
	fns := make([]func(*models.SignalMessage), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}
