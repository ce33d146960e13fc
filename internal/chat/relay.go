package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"medfinder-chat/internal/metrics"
	"medfinder-chat/internal/storage"
)

// ErrShuttingDown is returned by Serve once Shutdown has started
var ErrShuttingDown = &Error{Kind: KindChannel, Reason: "relay is shutting down"}

// MessageStore is the part of storage.Store used by Relay
type MessageStore interface {
	CreateMessage(ctx context.Context, conversation, sender int64, text string) (storage.Message, error)
	MarkDelivered(ctx context.Context, message int64) error
	MessagesByConversationID(ctx context.Context, conversation int64) ([]storage.Message, error)
}

// Config tunes per connection behavior of Relay
type Config struct {
	// IdleTimeout closes a connection that sent no data frame for this long; zero disables it
	IdleTimeout time.Duration
	// PersistTimeout bounds every store call made while handling one frame
	PersistTimeout time.Duration
	// MaxTextLength limits message text in runes; zero means unlimited
	MaxTextLength int
}

var DefaultConfig = Config{
	PersistTimeout: 5 * time.Second,
	MaxTextLength:  4096,
}

// State is the lifecycle stage of one connection
type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

type session struct {
	conversation int64
	user         int64
	ch           Channel
	state        int32
}

func (s *session) setState(st State) { atomic.StoreInt32(&s.state, int32(st)) }

func (s *session) State() State { return State(atomic.LoadInt32(&s.state)) }

// Relay runs one receive loop per connection: every inbound frame is authorized,
// persisted and pushed to the counterparty if online
type Relay struct {
	logger   *zap.SugaredLogger
	dir      *Directory
	store    MessageStore
	registry *Registry
	cfg      Config
	parsers  fastjson.ParserPool

	mu       sync.Mutex
	sessions map[*session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

func NewRelay(logger *zap.SugaredLogger, dir *Directory, store MessageStore, registry *Registry, cfg Config) *Relay {
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig.PersistTimeout
	}
	return &Relay{
		logger:   logger,
		dir:      dir,
		store:    store,
		registry: registry,
		cfg:      cfg,
		sessions: make(map[*session]struct{}),
	}
}

// Authorize checks at handshake that user belongs to conversation.
// It returns ErrNotFound or ErrNotMember otherwise.
func (r *Relay) Authorize(ctx context.Context, conversation, user int64) error {
	c, err := r.dir.Conversation(ctx, conversation)
	if err != nil {
		return err
	}
	if !c.HasMember(user) {
		return ErrNotMember
	}
	return nil
}

// Serve registers ch as the live connection of user and handles its frames until the
// channel fails, ctx is done or Shutdown is called. It returns the error that ended the loop.
func (r *Relay) Serve(ctx context.Context, conversation, user int64, ch Channel) error {
	s := &session{conversation: conversation, user: user, ch: ch}

	if !r.track(s) {
		_ = ch.Close()
		return ErrShuttingDown
	}
	defer r.untrack(s)

	r.registry.Register(user, ch)
	s.setState(Open)
	metrics.ConnectionsOpen.Inc()
	r.logger.Debugf("User (id: %d) connected to conversation (id: %d)", user, conversation)

	defer func() {
		s.setState(Closing)
		r.registry.Unregister(user, ch)
		_ = ch.Close()
		s.setState(Closed)
		metrics.ConnectionsOpen.Dec()
		r.logger.Debugf("User (id: %d) disconnected from conversation (id: %d)", user, conversation)
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Close()
		case <-done:
		}
	}()

	var idle *time.Timer
	if r.cfg.IdleTimeout > 0 {
		idle = time.AfterFunc(r.cfg.IdleTimeout, func() {
			r.logger.Debugf("Closing idle connection of user (id: %d)", user)
			_ = ch.Close()
		})
		defer idle.Stop()
	}

	for {
		data, err := ch.Receive()
		if err != nil {
			return newError(KindChannel, "receive failed", err)
		}
		if idle != nil {
			idle.Reset(r.cfg.IdleTimeout)
		}
		r.handle(s, data)
	}
}

// handle runs the pipeline for one inbound frame. Store calls get their own deadline
// instead of the connection context so a started persist is never cut by a disconnect.
func (r *Relay) handle(s *session, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistTimeout)
	defer cancel()

	text, err := parseText(&r.parsers, data, r.cfg.MaxTextLength)
	if err != nil {
		r.reject(s, err)
		return
	}

	// membership is checked for every frame, not only at handshake
	counterparty, err := r.dir.Counterparty(ctx, s.conversation, s.user)
	if err != nil {
		r.reject(s, err)
		return
	}

	m, err := r.store.CreateMessage(ctx, s.conversation, s.user, text)
	if err != nil {
		r.logger.Errorf("Persisting message of user (id: %d) in conversation (id: %d): %v", s.user, s.conversation, err)
		r.reject(s, newError(KindPersistence, "Falha ao salvar mensagem", err))
		return
	}
	metrics.MessagesPersisted.Inc()

	delivered := r.registry.Send(counterparty, encode(envelopeOf(m)))
	if delivered {
		metrics.MessagesRelayed.WithLabelValues("delivered").Inc()
		if err := r.store.MarkDelivered(ctx, m.ID); err != nil {
			r.logger.Warnf("Marking message (id: %d) delivered: %v", m.ID, err)
		}
	} else {
		metrics.MessagesRelayed.WithLabelValues("offline").Inc()
	}

	ack := Ack{
		Status:         "sent",
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SentAt:         m.SentAt,
		Delivered:      delivered,
	}
	if err := s.ch.Send(encode(ack)); err != nil {
		r.logger.Debugf("Acknowledging message (id: %d): %v", m.ID, err)
	}
}

func (r *Relay) reject(s *session, err error) {
	kind := KindOf(err)
	metrics.FramesRejected.WithLabelValues(string(kind)).Inc()
	r.logger.Debugf("Rejecting frame of user (id: %d) in conversation (id: %d): %v", s.user, s.conversation, err)
	if sendErr := s.ch.Send(encode(errorFrameOf(err))); sendErr != nil {
		r.logger.Debugf("Sending error frame to user (id: %d): %v", s.user, sendErr)
	}
}

// History returns persisted messages of conversation, oldest first
func (r *Relay) History(ctx context.Context, conversation int64) ([]storage.Message, error) {
	messages, err := r.store.MessagesByConversationID(ctx, conversation)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotExist) {
			return nil, ErrNotFound
		}
		return nil, newError(KindPersistence, "history fetch failed", err)
	}
	return messages, nil
}

// Sessions returns number of connections not yet closed
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Relay) track(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.sessions[s] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Relay) untrack(s *session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
	r.wg.Done()
}

// Shutdown closes every open channel and waits until their loops finish the frame
// in progress and unregister
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	for s := range r.sessions {
		r.logger.Debugf("Closing connection of user (id: %d) in state %s", s.user, s.State())
		_ = s.ch.Close()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
