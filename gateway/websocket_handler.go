// Package gateway exposes the engine to front-ends: a websocket chat
// protocol for interactive shells and a small HTTP surface for one-shot
// turns.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/verba-labs/verba-core/engine"
	"github.com/verba-labs/verba-core/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Front-ends connect from local origins and overlays
	},
}

// ChatMessage is one inbound websocket frame.
type ChatMessage struct {
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Approved  *bool     `json:"approved,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ChatReply is one outbound websocket frame.
type ChatReply struct {
	Type      string                      `json:"type"`
	Result    *models.OrchestrationResult `json:"result,omitempty"`
	Data      map[string]any              `json:"data,omitempty"`
	Timestamp time.Time                   `json:"timestamp"`
}

// ChatSession is one front-end connection bound to a conversation id.
type ChatSession struct {
	ID     string
	conn   *websocket.Conn
	engine *engine.Engine
	logger *zap.Logger
}

// HandleChat upgrades the connection and runs the session read loop.
func HandleChat(w http.ResponseWriter, r *http.Request, eng *engine.Engine) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Error("Failed to upgrade to websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	// A reconnecting front-end may resume its conversation.
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	session := &ChatSession{
		ID:     conversationID,
		conn:   conn,
		engine: eng,
		logger: zap.L().With(zap.String("conversation_id", conversationID)),
	}
	session.logger.Info("Chat session started")
	session.send("session_started", nil, map[string]any{"conversation_id": conversationID})

	// The session outlives the upgrade request: engine calls must not
	// inherit any per-request deadline or cancellation.
	session.listen(context.WithoutCancel(r.Context()))
	session.logger.Info("Chat session ended")
}

func (s *ChatSession) listen(ctx context.Context) {
	for {
		var msg ChatMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "utterance":
			result := s.engine.ProcessTurn(ctx, s.ID, msg.Text)
			s.send("result", result, nil)

		case "approval":
			approved := msg.Approved != nil && *msg.Approved
			result := s.engine.ResolveApproval(ctx, s.ID, approved)
			s.send("result", result, nil)

		case "ping":
			s.send("pong", nil, nil)

		case "stop":
			s.logger.Info("Received stop command from client")
			// A dangling approval would block the next session on this
			// conversation, so treat stop as a rejection.
			if s.engine.PendingApproval(s.ID) {
				s.engine.ResolveApproval(ctx, s.ID, false)
			}
			s.send("stop_confirmation", nil, map[string]any{"conversation_id": s.ID})
			return

		default:
			s.logger.Warn("Unknown message type", zap.String("type", msg.Type))
		}
	}
}

func (s *ChatSession) send(msgType string, result *models.OrchestrationResult, data map[string]any) {
	reply := ChatReply{
		Type:      msgType,
		Result:    result,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := s.conn.WriteJSON(reply); err != nil {
		s.logger.Error("Failed to send websocket message",
			zap.Error(err),
			zap.String("type", msgType))
	}
}
