package chat

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrChannelClosed is returned by Channel operations after Close
	ErrChannelClosed = errors.New("channel is closed")
	// ErrChannelBusy is returned by Channel.Send when the outbound buffer is full
	ErrChannelBusy = errors.New("channel outbound buffer is full")
)

// Channel is a live bidirectional connection of one user
type Channel interface {
	// Receive blocks until the next inbound data frame
	Receive() ([]byte, error)
	// Send enqueues payload for writing without blocking
	Send(payload []byte) error
	// Close releases the connection; Receive returns an error afterwards
	Close() error
}

// Registry maps online users to their single live channel.
// Every operation holds the same mutex so no caller observes an entry
// replaced or removed by an operation that already returned.
type Registry struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	channels map[int64]Channel
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		logger:   logger,
		channels: make(map[int64]Channel),
	}
}

// Register stores ch as the channel of user. A previous channel of the same user is
// evicted and closed.
func (r *Registry) Register(user int64, ch Channel) {
	r.mu.Lock()
	prev, ok := r.channels[user]
	r.channels[user] = ch
	r.mu.Unlock()

	if ok && prev != ch {
		r.logger.Debugf("Replacing channel of user (id: %d)", user)
		if err := prev.Close(); err != nil {
			r.logger.Debugf("Closing replaced channel of user (id: %d): %v", user, err)
		}
	}
}

// Unregister removes user entry only if it still points to ch.
// It reports whether the entry was removed.
func (r *Registry) Unregister(user int64, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.channels[user]; !ok || current != ch {
		return false
	}
	delete(r.channels, user)
	return true
}

// Send enqueues payload on channel of user. It returns false when the user is offline
// or the channel refuses the write.
func (r *Registry) Send(user int64, payload []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[user]
	if !ok {
		return false
	}
	if err := ch.Send(payload); err != nil {
		r.logger.Debugf("Sending to user (id: %d): %v", user, err)
		return false
	}
	return true
}

// Online reports whether user has a registered channel
func (r *Registry) Online(user int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[user]
	return ok
}

// Len returns number of registered users
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}
