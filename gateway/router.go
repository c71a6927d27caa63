package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/engine"
)

// NewRouter builds the HTTP surface: websocket chat, one-shot turns,
// approval verdicts and a health probe.
func NewRouter(eng *engine.Engine, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	// The websocket route stays outside the timeout middleware: a chat
	// session lives as long as the connection, and a request deadline
	// would expire every engine call after it fires.
	r.Get("/chat", func(w http.ResponseWriter, req *http.Request) {
		HandleChat(w, req, eng)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))

		r.Post("/turn", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				ConversationID string `json:"conversation_id"`
				Utterance      string `json:"utterance"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
				return
			}
			if body.ConversationID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "conversation_id is required"})
				return
			}
			result := eng.ProcessTurn(req.Context(), body.ConversationID, body.Utterance)
			writeJSON(w, http.StatusOK, result)
		})

		r.Post("/approval", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				ConversationID string `json:"conversation_id"`
				Approved       bool   `json:"approved"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
				return
			}
			if body.ConversationID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "conversation_id is required"})
				return
			}
			result := eng.ResolveApproval(req.Context(), body.ConversationID, body.Approved)
			writeJSON(w, http.StatusOK, result)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("Failed to encode response", zap.Error(err))
	}
}
