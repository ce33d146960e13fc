package testing

import (
	"context"
	"sync"
	"time"

	"medfinder-chat/internal/storage"
)

type pair struct {
	doctor, patient int64
}

// MemStore is an in-memory substitute of storage.Store honoring the same sentinel errors
// and uniqueness of the doctor/patient pair
type MemStore struct {
	mu            sync.Mutex
	doctors       map[int64]bool
	patients      map[int64]bool
	conversations map[int64]storage.Conversation
	byPair        map[pair]int64
	messages      map[int64][]storage.Message
	lastID        int64
	lastMessageID int64

	// MessageErr, when set, is returned by CreateMessage instead of storing
	MessageErr error
	// Creates counts successful CreateConversation calls
	Creates int

	hold    chan struct{}
	waiting chan struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		doctors:       map[int64]bool{},
		patients:      map[int64]bool{},
		conversations: map[int64]storage.Conversation{},
		byPair:        map[pair]int64{},
		messages:      map[int64][]storage.Message{},
	}
}

// AddDoctors registers ids in the doctors relation
func (s *MemStore) AddDoctors(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.doctors[id] = true
	}
}

// AddPatients registers ids in the patients relation
func (s *MemStore) AddPatients(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.patients[id] = true
	}
}

// SetMessageErr changes MessageErr under the store lock
func (s *MemStore) SetMessageErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessageErr = err
}

// HoldMessages makes every following CreateMessage block until release is called.
// waiting receives once per CreateMessage call that started blocking.
func (s *MemStore) HoldMessages() (waiting <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hold := make(chan struct{})
	s.hold = hold
	s.waiting = make(chan struct{}, 16)

	var once sync.Once
	return s.waiting, func() { once.Do(func() { close(hold) }) }
}

// ConversationCount returns number of stored conversations
func (s *MemStore) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// MessageCount returns number of messages stored in conversation
func (s *MemStore) MessageCount(conversation int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[conversation])
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) IsDoctor(_ context.Context, user int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doctors[user], nil
}

func (s *MemStore) IsPatient(_ context.Context, user int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patients[user], nil
}

func (s *MemStore) CreateConversation(_ context.Context, doctor, patient int64) (storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doctor == patient {
		return storage.Conversation{}, storage.ErrConversationBadMembers
	}
	if _, ok := s.byPair[pair{doctor, patient}]; ok {
		return storage.Conversation{}, storage.ErrConversationExists
	}

	s.lastID++
	c := storage.Conversation{
		ID:            s.lastID,
		DoctorUserID:  doctor,
		PatientUserID: patient,
		CreatedAt:     time.Now(),
	}
	s.conversations[c.ID] = c
	s.byPair[pair{doctor, patient}] = c.ID
	s.Creates++

	return c, nil
}

func (s *MemStore) ConversationByPair(_ context.Context, doctor, patient int64) (storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pair{doctor, patient}]
	if !ok {
		return storage.Conversation{}, storage.ErrConversationNotExist
	}
	return s.conversations[id], nil
}

func (s *MemStore) ConversationByID(_ context.Context, id int64) (storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return storage.Conversation{}, storage.ErrConversationNotExist
	}
	return c, nil
}

func (s *MemStore) ConversationsByUserID(_ context.Context, user int64) ([]storage.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []storage.Conversation{}
	for id := int64(1); id <= s.lastID; id++ {
		if c, ok := s.conversations[id]; ok && c.HasMember(user) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemStore) CreateMessage(ctx context.Context, conversation, sender int64, text string) (storage.Message, error) {
	s.mu.Lock()
	hold, waiting := s.hold, s.waiting
	s.mu.Unlock()

	if hold != nil {
		select {
		case waiting <- struct{}{}:
		default:
		}
		select {
		case <-hold:
		case <-ctx.Done():
			return storage.Message{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.MessageErr != nil {
		return storage.Message{}, s.MessageErr
	}
	if _, ok := s.conversations[conversation]; !ok {
		return storage.Message{}, storage.ErrConversationNotExist
	}

	sentAt := time.Now()
	if msgs := s.messages[conversation]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].SentAt; sentAt.Before(last) {
			sentAt = last
		}
	}

	s.lastMessageID++
	m := storage.Message{
		ID:             s.lastMessageID,
		ConversationID: conversation,
		SenderUserID:   sender,
		Text:           text,
		SentAt:         sentAt,
	}
	s.messages[conversation] = append(s.messages[conversation], m)

	return m, nil
}

func (s *MemStore) MarkDelivered(_ context.Context, message int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conv, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == message {
				delivered := true
				s.messages[conv][i].Delivered = &delivered
				return nil
			}
		}
	}
	return storage.ErrMessageNotExist
}

func (s *MemStore) MessagesByConversationID(_ context.Context, conversation int64) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversation]; !ok {
		return nil, storage.ErrConversationNotExist
	}

	out := make([]storage.Message, len(s.messages[conversation]))
	copy(out, s.messages[conversation])
	return out, nil
}

func (s *MemStore) Close() {}
