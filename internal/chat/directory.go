package chat

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"medfinder-chat/internal/storage"
)

// createAttempts bounds lookup/insert rounds of GetOrCreate. Two rounds suffice when
// a concurrent insert wins; the third guards against a row vanishing in between.
const createAttempts = 3

// ConversationStore is the part of storage.Store used by Directory
type ConversationStore interface {
	IsDoctor(ctx context.Context, user int64) (bool, error)
	IsPatient(ctx context.Context, user int64) (bool, error)
	CreateConversation(ctx context.Context, doctor, patient int64) (storage.Conversation, error)
	ConversationByPair(ctx context.Context, doctor, patient int64) (storage.Conversation, error)
	ConversationByID(ctx context.Context, id int64) (storage.Conversation, error)
	ConversationsByUserID(ctx context.Context, user int64) ([]storage.Conversation, error)
}

// Directory resolves doctor/patient pairs and owns conversation membership
type Directory struct {
	logger *zap.SugaredLogger
	store  ConversationStore
}

func NewDirectory(logger *zap.SugaredLogger, store ConversationStore) *Directory {
	return &Directory{logger: logger, store: store}
}

// ResolvePair classifies a and b and returns them as (doctor, patient).
// ErrInvalidPairing is returned unless exactly one of them is a doctor and the other a patient.
func (d *Directory) ResolvePair(ctx context.Context, a, b int64) (doctor, patient int64, err error) {
	if a == b {
		return 0, 0, ErrInvalidPairing
	}

	aDoctor, aPatient, err := d.roles(ctx, a)
	if err != nil {
		return 0, 0, err
	}
	bDoctor, bPatient, err := d.roles(ctx, b)
	if err != nil {
		return 0, 0, err
	}

	// a user holding both roles breaks the role invariant and is rejected as well
	switch {
	case aDoctor && !aPatient && bPatient && !bDoctor:
		return a, b, nil
	case bDoctor && !bPatient && aPatient && !aDoctor:
		return b, a, nil
	default:
		return 0, 0, ErrInvalidPairing
	}
}

func (d *Directory) roles(ctx context.Context, user int64) (isDoctor, isPatient bool, err error) {
	if isDoctor, err = d.store.IsDoctor(ctx, user); err != nil {
		return false, false, newError(KindPersistence, "role lookup failed", err)
	}
	if isPatient, err = d.store.IsPatient(ctx, user); err != nil {
		return false, false, newError(KindPersistence, "role lookup failed", err)
	}
	return isDoctor, isPatient, nil
}

// GetOrCreate returns conversation of the pair, creating it when missing. created reports
// whether this call inserted it. Concurrent callers for the same pair race on the
// unique pair constraint; losers re-read the winner's row.
func (d *Directory) GetOrCreate(ctx context.Context, doctor, patient int64) (c storage.Conversation, created bool, err error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		c, err = d.store.ConversationByPair(ctx, doctor, patient)
		if err == nil {
			return c, false, nil
		}
		if !errors.Is(err, storage.ErrConversationNotExist) {
			return storage.Conversation{}, false, newError(KindPersistence, "conversation lookup failed", err)
		}

		c, err = d.store.CreateConversation(ctx, doctor, patient)
		switch {
		case err == nil:
			d.logger.Infof("Created conversation (id: %d) for doctor (id: %d) and patient (id: %d)", c.ID, doctor, patient)
			return c, true, nil
		case errors.Is(err, storage.ErrConversationExists):
			d.logger.Debugf("Conversation for doctor (id: %d) and patient (id: %d) created concurrently, retrying lookup", doctor, patient)
			continue
		case errors.Is(err, storage.ErrConversationBadMembers):
			return storage.Conversation{}, false, ErrInvalidPairing
		default:
			return storage.Conversation{}, false, newError(KindPersistence, "conversation insert failed", err)
		}
	}

	return storage.Conversation{}, false, newError(KindPersistence, "conversation insert kept conflicting", storage.ErrConversationExists)
}

// StartConversation resolves roles of a and b and returns their conversation
func (d *Directory) StartConversation(ctx context.Context, a, b int64) (storage.Conversation, bool, error) {
	doctor, patient, err := d.ResolvePair(ctx, a, b)
	if err != nil {
		return storage.Conversation{}, false, err
	}
	return d.GetOrCreate(ctx, doctor, patient)
}

// Conversation returns conversation by id or ErrNotFound
func (d *Directory) Conversation(ctx context.Context, id int64) (storage.Conversation, error) {
	c, err := d.store.ConversationByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotExist) {
			return storage.Conversation{}, ErrNotFound
		}
		return storage.Conversation{}, newError(KindPersistence, "conversation lookup failed", err)
	}
	return c, nil
}

// Counterparty returns the other member of conversation for user.
// A missing conversation has no members, so both cases yield ErrNotMember.
func (d *Directory) Counterparty(ctx context.Context, conversation, user int64) (int64, error) {
	c, err := d.Conversation(ctx, conversation)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotMember
		}
		return 0, err
	}
	other, ok := c.Counterparty(user)
	if !ok {
		return 0, ErrNotMember
	}
	return other, nil
}

// IsMember reports whether user is the doctor or the patient of conversation
func (d *Directory) IsMember(ctx context.Context, conversation, user int64) (bool, error) {
	if _, err := d.Counterparty(ctx, conversation, user); err != nil {
		if errors.Is(err, ErrNotMember) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ConversationsByUser lists conversations user participates in
func (d *Directory) ConversationsByUser(ctx context.Context, user int64) ([]storage.Conversation, error) {
	conversations, err := d.store.ConversationsByUserID(ctx, user)
	if err != nil {
		return nil, newError(KindPersistence, "conversation listing failed", err)
	}
	return conversations, nil
}
