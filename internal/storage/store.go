package storage

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"medfinder-chat/internal/storage/zapadapter"
)

var (
	ErrConversationExists     = errors.New("conversation already exists")
	ErrConversationNotExist   = errors.New("conversation does not exist")
	ErrConversationBadMembers = errors.New("conversation members must be two distinct users")
	ErrMessageNotExist        = errors.New("message does not exist")
)

//go:embed schema.sql
var schema string

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, dsn string, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes all pooled connections
func (s *Store) Close() {
	s.db.Close()
}

// Ping performs a database round trip
func (s *Store) Ping(ctx context.Context) error {
	var i int8
	return s.db.QueryRow(ctx, "select 1").Scan(&i)
}

// Migrate creates conversations and messages tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	s.logger.Debug("Applying chat schema")
	_, err := s.db.Exec(ctx, schema)
	return err
}

// IsDoctor reports whether user is registered in the doctors relation
func (s *Store) IsDoctor(ctx context.Context, user int64) (bool, error) {
	return s.exists(ctx, "select exists(select 1 from doctors where user_id = $1)", user)
}

// IsPatient reports whether user is registered in the patients relation
func (s *Store) IsPatient(ctx context.Context, user int64) (bool, error) {
	return s.exists(ctx, "select exists(select 1 from patients where user_id = $1)", user)
}

func (s *Store) exists(ctx context.Context, sql string, user int64) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, sql, user).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// CreateConversation inserts conversation for the doctor/patient pair.
// ErrConversationExists is returned when the pair already has one.
func (s *Store) CreateConversation(ctx context.Context, doctor, patient int64) (Conversation, error) {
	s.logger.Debugf("Creating conversation for doctor (id: %d) and patient (id: %d)", doctor, patient)

	c := Conversation{DoctorUserID: doctor, PatientUserID: patient}
	sql := `insert into conversations (doctor_user_id, patient_user_id, created_at)
			values ($1, $2, $3)
			returning id, created_at`
	err := s.db.QueryRow(ctx, sql, doctor, patient, time.Now()).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return Conversation{}, ErrConversationExists
			case pgerrcode.CheckViolation:
				return Conversation{}, ErrConversationBadMembers
			}
		}
		return Conversation{}, err
	}

	s.logger.Debugf("Created conversation with id %d", c.ID)

	return c, nil
}

// ConversationByPair returns conversation of the doctor/patient pair
func (s *Store) ConversationByPair(ctx context.Context, doctor, patient int64) (Conversation, error) {
	sql := `select id, doctor_user_id, patient_user_id, created_at
			  from conversations
			 where doctor_user_id = $1 and patient_user_id = $2`
	return s.conversation(ctx, sql, doctor, patient)
}

// ConversationByID returns conversation with its two members
func (s *Store) ConversationByID(ctx context.Context, id int64) (Conversation, error) {
	sql := `select id, doctor_user_id, patient_user_id, created_at
			  from conversations
			 where id = $1`
	return s.conversation(ctx, sql, id)
}

func (s *Store) conversation(ctx context.Context, sql string, args ...interface{}) (Conversation, error) {
	var c Conversation
	err := s.db.QueryRow(ctx, sql, args...).Scan(&c.ID, &c.DoctorUserID, &c.PatientUserID, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrConversationNotExist
		}
		return Conversation{}, err
	}
	return c, nil
}

// ConversationsByUserID returns all conversations user participates in, oldest first
func (s *Store) ConversationsByUserID(ctx context.Context, user int64) ([]Conversation, error) {
	s.logger.Debugf("Retrieving conversations for user (id: %d)", user)

	sql := `select id, doctor_user_id, patient_user_id, created_at
			  from conversations
			 where doctor_user_id = $1 or patient_user_id = $1
			 order by id asc`
	rows, err := s.db.Query(ctx, sql, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conversations := []Conversation{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.DoctorUserID, &c.PatientUserID, &c.CreatedAt); err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d conversations", len(conversations))

	return conversations, nil
}

// CreateMessage appends message to conversation and returns it with server assigned id and timestamp.
// The conversation row is locked for the duration of the insert so sent_at never decreases within it.
func (s *Store) CreateMessage(ctx context.Context, conversation, sender int64, text string) (Message, error) {
	s.logger.Debugf("Creating message from user (id: %d) in conversation (id: %d)", sender, conversation)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	// error handling can be omitted for rollback according docs
	defer tx.Rollback(context.Background())

	var i int8
	sql := "select 1 from conversations where id = $1 for update"
	if err := tx.QueryRow(ctx, sql, conversation).Scan(&i); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrConversationNotExist
		}
		return Message{}, err
	}

	m := Message{
		ConversationID: conversation,
		SenderUserID:   sender,
		Text:           text,
	}
	sql = `insert into messages (conversation_id, sender_user_id, text, sent_at)
		   select $1, $2, $3, greatest(clock_timestamp(), coalesce(max(sent_at), clock_timestamp()))
			 from messages
			where conversation_id = $1
		returning id, sent_at`
	if err := tx.QueryRow(ctx, sql, conversation, sender, text).Scan(&m.ID, &m.SentAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return Message{}, ErrConversationNotExist
		}
		return Message{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, err
	}

	s.logger.Debugf("Created message with id %d", m.ID)

	return m, nil
}

// MarkDelivered sets delivered flag of the message
func (s *Store) MarkDelivered(ctx context.Context, message int64) error {
	tag, err := s.db.Exec(ctx, "update messages set delivered = true where id = $1", message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotExist
	}
	return nil
}

// MessagesByConversationID returns list of all conversation messages with all fields, sorted by message sending time
// (from earliest to latest)
func (s *Store) MessagesByConversationID(ctx context.Context, conversation int64) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for conversation (id: %d)", conversation)

	// check if conversation exists
	var i int8
	sql := "select 1 from conversations where id = $1"
	err := s.db.QueryRow(ctx, sql, conversation).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotExist
		}
		return nil, err
	}

	sql = `select id,
				  conversation_id,
				  sender_user_id,
				  text,
				  sent_at,
				  delivered
			 from messages
			where conversation_id = $1
			order by sent_at asc, id asc`

	rows, err := s.db.Query(ctx, sql, conversation)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m         Message
			delivered pgtype.Bool
		)
		err = rows.Scan(&m.ID, &m.ConversationID, &m.SenderUserID, &m.Text, &m.SentAt, &delivered)
		if err != nil {
			return nil, err
		}
		if delivered.Status == pgtype.Present {
			d := delivered.Bool
			m.Delivered = &d
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}
