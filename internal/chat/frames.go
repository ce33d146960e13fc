package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/valyala/fastjson"

	"medfinder-chat/internal/storage"
)

// Envelope is pushed to the counterparty for every relayed message
type Envelope struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversa_id"`
	SenderID       int64     `json:"remetente_id"`
	Text           string    `json:"texto"`
	SentAt         time.Time `json:"data_envio"`
}

// Ack confirms to the sender that the message is durably stored
type Ack struct {
	Status         string    `json:"status"`
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversa_id"`
	SentAt         time.Time `json:"data_envio"`
	Delivered      bool      `json:"entregue"`
}

// ErrorFrame reports a rejected inbound frame; the connection stays open
type ErrorFrame struct {
	Error string `json:"error"`
	Code  Kind   `json:"code"`
}

func envelopeOf(m storage.Message) Envelope {
	return Envelope{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderUserID,
		Text:           m.Text,
		SentAt:         m.SentAt,
	}
}

func errorFrameOf(err error) ErrorFrame {
	var e *Error
	if errors.As(err, &e) {
		return ErrorFrame{Error: e.Reason, Code: e.Kind}
	}
	return ErrorFrame{Error: "internal error", Code: KindPersistence}
}

func encode(v interface{}) []byte {
	// frames hold only strings, numbers and times
	b, _ := json.Marshal(v)
	return b
}

// parseText extracts message text from inbound frame {"texto": "..."}.
// Any other field, including a client supplied destinatario_id, is ignored.
func parseText(pool *fastjson.ParserPool, data []byte, maxLen int) (string, error) {
	parser := pool.Get()
	defer pool.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil {
		return "", newError(KindValidation, "Malformed JSON", err)
	}

	if v.Type() != fastjson.TypeObject {
		return "", newError(KindValidation, "Frame must be a JSON object", nil)
	}

	if !v.Exists("texto") {
		return "", newError(KindValidation, "Missing Field \"texto\"", nil)
	}

	textValue := v.Get("texto")
	if textValue.Type() != fastjson.TypeString {
		return "", newError(KindValidation, "Field \"texto\" must be a string", nil)
	}

	raw, _ := textValue.StringBytes()
	if !utf8.Valid(raw) {
		return "", newError(KindValidation, "Field \"texto\" must be valid UTF-8", nil)
	}
	text := string(raw)
	if len(strings.TrimSpace(text)) == 0 {
		return "", newError(KindValidation, "Field \"texto\" must have non-zero length", nil)
	}

	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return "", newError(KindValidation, "Field \"texto\" is too long", nil)
	}

	return text, nil
}
