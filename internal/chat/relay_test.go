package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medfinder-chat/internal/storage"
	mytesting "medfinder-chat/internal/testing"
)

type relayFixture struct {
	relay        *Relay
	registry     *Registry
	store        *mytesting.MemStore
	conversation storage.Conversation
	doctor       int64
	patient      int64
}

func bootstrapRelay(t *testing.T, cfg Config) *relayFixture {
	logger := zaptest.NewLogger(t).Sugar()
	store := mytesting.NewMemStore()
	doctor, patient := mytesting.NewUserID(), mytesting.NewUserID()
	store.AddDoctors(doctor)
	store.AddPatients(patient)

	dir := NewDirectory(logger, store)
	c, _, err := dir.GetOrCreate(context.Background(), doctor, patient)
	require.NoError(t, err)

	registry := NewRegistry(logger)

	f := &relayFixture{
		relay:        NewRelay(logger, dir, store, registry, cfg),
		registry:     registry,
		store:        store,
		conversation: c,
		doctor:       doctor,
		patient:      patient,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.relay.Shutdown(ctx)
	})

	return f
}

// connect serves ch for user and waits until it is registered
func (f *relayFixture) connect(t *testing.T, user int64, ch *fakeChannel) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- f.relay.Serve(context.Background(), f.conversation.ID, user, ch)
	}()
	require.Eventually(t, func() bool {
		return registered(f.registry, user, ch)
	}, 5*time.Second, 5*time.Millisecond)
	return done
}

func registered(r *Registry, user int64, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[user] == ch
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func decodeAck(t *testing.T, data []byte) Ack {
	t.Helper()
	var ack Ack
	require.NoError(t, json.Unmarshal(data, &ack))
	require.Equal(t, "sent", ack.Status)
	return ack
}

func decodeError(t *testing.T, data []byte) ErrorFrame {
	t.Helper()
	var frame ErrorFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.NotEmpty(t, frame.Error)
	return frame
}

func TestRelay_BothOnline(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	doctorCh, patientCh := newFakeChannel(), newFakeChannel()
	f.connect(t, f.doctor, doctorCh)
	f.connect(t, f.patient, patientCh)

	doctorCh.write(t, `{"texto":"Como está se sentindo?"}`)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(patientCh.next(t), &envelope))
	require.Equal(t, f.conversation.ID, envelope.ConversationID)
	require.Equal(t, f.doctor, envelope.SenderID)
	require.Equal(t, "Como está se sentindo?", envelope.Text)

	ack := decodeAck(t, doctorCh.next(t))
	require.Equal(t, envelope.ID, ack.ID)
	require.True(t, ack.Delivered)
	require.True(t, ack.SentAt.Equal(envelope.SentAt))

	messages, err := f.relay.History(context.Background(), f.conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.NotNil(t, messages[0].Delivered)
	require.True(t, *messages[0].Delivered)
}

func TestRelay_CounterpartyOffline(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	patientCh := newFakeChannel()
	f.connect(t, f.patient, patientCh)

	text := mytesting.RandString(32)
	patientCh.write(t, `{"texto":"`+text+`"}`)

	ack := decodeAck(t, patientCh.next(t))
	require.False(t, ack.Delivered)

	messages, err := f.relay.History(context.Background(), f.conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, text, messages[0].Text)
	require.Equal(t, f.patient, messages[0].SenderUserID)
	require.Nil(t, messages[0].Delivered)
}

func TestRelay_IgnoresClientRecipient(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	outsider := mytesting.NewUserID()
	doctorCh, patientCh, outsiderCh := newFakeChannel(), newFakeChannel(), newFakeChannel()
	f.registry.Register(outsider, outsiderCh)
	f.connect(t, f.doctor, doctorCh)
	f.connect(t, f.patient, patientCh)

	doctorCh.write(t, fmt.Sprintf(`{"texto":"oi","destinatario_id":%d}`, outsider))

	decodeAck(t, doctorCh.next(t))
	patientCh.next(t)
	outsiderCh.requireSilent(t)
}

func TestRelay_InvalidFrames(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	doctorCh, patientCh := newFakeChannel(), newFakeChannel()
	f.connect(t, f.doctor, doctorCh)
	f.connect(t, f.patient, patientCh)

	for _, frame := range []string{`not json`, `{}`, `{"texto":""}`, `{"texto":"   "}`, `{"texto":5}`, "{\"texto\":\"ol\xffa\"}"} {
		doctorCh.write(t, frame)
		require.Equal(t, KindValidation, decodeError(t, doctorCh.next(t)).Code, frame)
	}
	patientCh.requireSilent(t)
	require.Equal(t, 0, f.store.MessageCount(f.conversation.ID))

	// connection survives rejected frames
	doctorCh.write(t, `{"texto":"ok"}`)
	decodeAck(t, doctorCh.next(t))
	require.Equal(t, 1, f.store.MessageCount(f.conversation.ID))
}

func TestRelay_NotMember(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	outsider := mytesting.NewUserID()
	outsiderCh, patientCh := newFakeChannel(), newFakeChannel()
	f.connect(t, f.patient, patientCh)
	f.connect(t, outsider, outsiderCh)

	outsiderCh.write(t, `{"texto":"oi"}`)

	frame := decodeError(t, outsiderCh.next(t))
	require.Equal(t, KindAuthorization, frame.Code)
	require.Equal(t, "Acesso não autorizado", frame.Error)
	patientCh.requireSilent(t)
	require.Equal(t, 0, f.store.MessageCount(f.conversation.ID))
}

func TestRelay_Authorize(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	ctx := context.Background()

	require.NoError(t, f.relay.Authorize(ctx, f.conversation.ID, f.doctor))
	require.NoError(t, f.relay.Authorize(ctx, f.conversation.ID, f.patient))
	require.ErrorIs(t, f.relay.Authorize(ctx, f.conversation.ID, mytesting.NewUserID()), ErrNotMember)
	require.ErrorIs(t, f.relay.Authorize(ctx, f.conversation.ID+1000, f.doctor), ErrNotFound)
}

func TestRelay_PersistenceFailure(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	doctorCh, patientCh := newFakeChannel(), newFakeChannel()
	f.connect(t, f.doctor, doctorCh)
	f.connect(t, f.patient, patientCh)

	f.store.SetMessageErr(errors.New("connection refused"))
	doctorCh.write(t, `{"texto":"oi"}`)

	require.Equal(t, KindPersistence, decodeError(t, doctorCh.next(t)).Code)
	patientCh.requireSilent(t)

	f.store.SetMessageErr(nil)
	doctorCh.write(t, `{"texto":"oi de novo"}`)
	require.True(t, decodeAck(t, doctorCh.next(t)).Delivered)
}

func TestRelay_Ordering(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	doctorCh, patientCh := newFakeChannel(), newFakeChannel()
	f.connect(t, f.doctor, doctorCh)
	f.connect(t, f.patient, patientCh)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			select {
			case doctorCh.in <- []byte(fmt.Sprintf(`{"texto":"mensagem %d"}`, i)):
			case <-doctorCh.closed:
				return
			}
		}
	}()

	var prev Envelope
	for i := 0; i < n; i++ {
		var envelope Envelope
		require.NoError(t, json.Unmarshal(patientCh.next(t), &envelope))
		require.Equal(t, fmt.Sprintf("mensagem %d", i), envelope.Text)
		if i > 0 {
			require.Greater(t, envelope.ID, prev.ID)
			require.False(t, envelope.SentAt.Before(prev.SentAt))
		}
		prev = envelope
	}

	messages, err := f.relay.History(context.Background(), f.conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, n)
	for i, m := range messages {
		require.Equal(t, fmt.Sprintf("mensagem %d", i), m.Text)
	}
}

func TestRelay_Disconnect(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	ch := newFakeChannel()
	done := f.connect(t, f.doctor, ch)
	require.Equal(t, 1, f.relay.Sessions())

	_ = ch.Close()

	require.ErrorIs(t, waitServe(t, done), ErrChannelClosed)
	require.False(t, f.registry.Online(f.doctor))
	require.Equal(t, 0, f.relay.Sessions())
}

func TestRelay_Reconnect(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	first, second, patientCh := newFakeChannel(), newFakeChannel(), newFakeChannel()
	firstDone := f.connect(t, f.doctor, first)
	f.connect(t, f.doctor, second)
	f.connect(t, f.patient, patientCh)

	// the replaced connection ends without unregistering its successor
	waitServe(t, firstDone)
	require.True(t, first.isClosed())
	require.True(t, f.registry.Online(f.doctor))

	patientCh.write(t, `{"texto":"oi"}`)
	require.True(t, decodeAck(t, patientCh.next(t)).Delivered)
	second.next(t)
}

func TestRelay_ContextCancel(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	ch := newFakeChannel()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.relay.Serve(ctx, f.conversation.ID, f.doctor, ch) }()
	require.Eventually(t, func() bool { return registered(f.registry, f.doctor, ch) }, 5*time.Second, 5*time.Millisecond)

	cancel()
	waitServe(t, done)
	require.True(t, ch.isClosed())
	require.False(t, f.registry.Online(f.doctor))
}

func TestRelay_IdleTimeout(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig
	cfg.IdleTimeout = 100 * time.Millisecond
	f := bootstrapRelay(t, cfg)
	ch := newFakeChannel()
	done := f.connect(t, f.doctor, ch)

	// activity postpones the deadline
	for i := 0; i < 3; i++ {
		time.Sleep(50 * time.Millisecond)
		ch.write(t, `{"texto":"ainda aqui"}`)
		decodeAck(t, ch.next(t))
	}

	waitServe(t, done)
	require.True(t, ch.isClosed())
	require.False(t, f.registry.Online(f.doctor))
}

func TestRelay_Shutdown(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	doctorCh, patientCh := newFakeChannel(), newFakeChannel()
	doctorDone := f.connect(t, f.doctor, doctorCh)
	patientDone := f.connect(t, f.patient, patientCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.relay.Shutdown(ctx))

	waitServe(t, doctorDone)
	waitServe(t, patientDone)
	require.Equal(t, 0, f.registry.Len())
	require.Equal(t, 0, f.relay.Sessions())

	late := newFakeChannel()
	err := f.relay.Serve(context.Background(), f.conversation.ID, f.doctor, late)
	require.ErrorIs(t, err, ErrShuttingDown)
	require.True(t, late.isClosed())
}

func TestRelay_ShutdownWaitsForPersist(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)
	doctorCh := newFakeChannel()
	done := f.connect(t, f.doctor, doctorCh)

	waiting, release := f.store.HoldMessages()
	defer release()

	doctorCh.write(t, `{"texto":"salvando"}`)
	select {
	case <-waiting:
	case <-time.After(5 * time.Second):
		t.Fatal("message was not being persisted")
	}

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- f.relay.Shutdown(ctx)
	}()

	// the channel is closed at once but the persist in progress keeps both Shutdown and Serve waiting
	require.Eventually(t, doctorCh.isClosed, 5*time.Second, 5*time.Millisecond)
	select {
	case err := <-shutdown:
		t.Fatalf("Shutdown returned before the message was stored: %v", err)
	case err := <-done:
		t.Fatalf("Serve returned before the message was stored: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, 0, f.store.MessageCount(f.conversation.ID))

	release()

	select {
	case err := <-shutdown:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	waitServe(t, done)

	messages, err := f.relay.History(context.Background(), f.conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "salvando", messages[0].Text)
	require.Equal(t, f.doctor, messages[0].SenderUserID)
}

func TestRelay_History(t *testing.T) {
	t.Parallel()

	f := bootstrapRelay(t, DefaultConfig)

	messages, err := f.relay.History(context.Background(), f.conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 0)

	_, err = f.relay.History(context.Background(), f.conversation.ID+1000)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "connecting", Connecting.String())
	require.Equal(t, "open", Open.String())
	require.Equal(t, "closing", Closing.String())
	require.Equal(t, "closed", Closed.String())
	require.Equal(t, "unknown", State(42).String())
}
