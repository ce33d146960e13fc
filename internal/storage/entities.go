package storage

import "time"

// Conversation pairs exactly one doctor with exactly one patient
type Conversation struct {
	ID            int64     `json:"conversa_id"`
	DoctorUserID  int64     `json:"medico_usuario_id"`
	PatientUserID int64     `json:"paciente_usuario_id"`
	CreatedAt     time.Time `json:"criada_em"`
}

// HasMember reports whether userID is the doctor or the patient of the conversation
func (c Conversation) HasMember(userID int64) bool {
	return userID == c.DoctorUserID || userID == c.PatientUserID
}

// Counterparty returns the member that is not userID. ok is false when userID is not a member.
func (c Conversation) Counterparty(userID int64) (id int64, ok bool) {
	switch userID {
	case c.DoctorUserID:
		return c.PatientUserID, true
	case c.PatientUserID:
		return c.DoctorUserID, true
	default:
		return 0, false
	}
}

// Message is an immutable chat entry; only Delivered changes after insert.
// Delivered is nil until the relay hands the message to the live counterparty.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversa_id"`
	SenderUserID   int64     `json:"remetente_id"`
	Text           string    `json:"texto"`
	SentAt         time.Time `json:"data_envio"`
	Delivered      *bool     `json:"entregue"`
}
