package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"medfinder-chat/internal/chat"
	"medfinder-chat/internal/metrics"
	"medfinder-chat/internal/socket"
	"medfinder-chat/internal/storage"
)

// Store is the persistence backend used by Server
type Store interface {
	chat.ConversationStore
	chat.MessageStore
	Ping(ctx context.Context) error
	Close()
}

type parsers struct {
	createConversationPool fastjson.ParserPool
}

type handler struct {
	logger    *zap.SugaredLogger
	store     Store
	directory *chat.Directory
	registry  *chat.Registry
	relay     *chat.Relay
	parsers   parsers
}

// createConversation handles HTTP requests on "/conversations" endpoint
func (h *handler) createConversation(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	parser := h.parsers.createConversationPool.Get()
	defer h.parsers.createConversationPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	var ids [2]int64
	for i, field := range []string{"id_usuario1", "id_usuario2"} {
		if !v.Exists(field) {
			http.Error(w, "Missing Field \""+field+"\"", http.StatusBadRequest)
			return
		}

		id, err := v.Get(field).Int64()
		if err != nil {
			http.Error(w, "Field \""+field+"\" must be a 64-bit integer value", http.StatusBadRequest)
			return
		}

		if id < 1 {
			http.Error(w, "Field \""+field+"\" must be a valid user id greater than zero", http.StatusBadRequest)
			return
		}
		ids[i] = id
	}

	c, created, err := h.directory.StartConversation(r.Context(), ids[0], ids[1])
	if err != nil {
		if errors.Is(err, chat.ErrInvalidPairing) {
			metrics.ConversationsRequested.WithLabelValues("rejected").Inc()
			http.Error(w, "Conversation requires one doctor and one patient", http.StatusBadRequest)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	status, code := "existing", http.StatusOK
	if created {
		status, code = "created", http.StatusCreated
	}
	metrics.ConversationsRequested.WithLabelValues(status).Inc()

	payload := []byte(`{"conversa_id":` + strconv.FormatInt(c.ID, 10) + `,"status":"` + status + `"}`)
	h.write(w, code, payload)
}

// messagesByConversationID handles HTTP requests on "/conversations/{conversationID}/messages" endpoint
func (h *handler) messagesByConversationID(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}

	messages, err := h.relay.History(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			http.Error(w, "Conversation does not exist", http.StatusNotFound)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []storage.Message{}
	}

	h.writeJSON(w, http.StatusOK, messages)
}

// conversationsByUserID handles HTTP requests on "/users/{userID}/conversations" endpoint
func (h *handler) conversationsByUserID(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	conversations, err := h.directory.ConversationsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if conversations == nil {
		conversations = []storage.Conversation{}
	}

	h.writeJSON(w, http.StatusOK, conversations)
}

// health handles HTTP requests on "/health" endpoint
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	online := strconv.Itoa(h.registry.Len())
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Errorf("Store ping: %v", err)
		h.write(w, http.StatusServiceUnavailable, []byte(`{"status":"unavailable","online":`+online+`}`))
		return
	}

	h.write(w, http.StatusOK, []byte(`{"status":"ok","online":`+online+`}`))
}

// ws handles websocket handshakes on "/ws/{conversationID}/{userID}" endpoint.
// Membership is checked before the upgrade so rejected clients get a plain HTTP status.
func (h *handler) ws(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := pathID(w, r, "conversationID")
	if !ok {
		return
	}
	userID, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	if err := h.relay.Authorize(r.Context(), conversationID, userID); err != nil {
		switch {
		case errors.Is(err, chat.ErrNotFound):
			http.Error(w, "Conversation does not exist", http.StatusNotFound)
		case errors.Is(err, chat.ErrNotMember):
			http.Error(w, "Acesso não autorizado", http.StatusForbidden)
		default:
			h.logger.Error(err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	conn, err := socket.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		h.logger.Debugf("Upgrading to websocket: %v", err)
		return
	}

	err = h.relay.Serve(r.Context(), conversationID, userID, socket.New(h.logger, conn))
	h.logger.Debugf("Connection of user (id: %d) in conversation (id: %d) ended: %v", userID, conversationID, err)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id < 1 {
		http.Error(w, "Path parameter \""+param+"\" must be a positive 64-bit integer value", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.write(w, code, payload)
}

func (h *handler) write(w http.ResponseWriter, code int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}
