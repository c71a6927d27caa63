// Package bus wraps the NATS message bus with the typed request/response
// contract every backend service speaks: a subject, a JSON payload and a
// per-request timeout. All consumers see responses normalized to the same
// shape regardless of whether the backend answered with a structured
// object or a bare string.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// The three failure modes surfaced to callers. They must stay
// distinguishable in logs but collapse to the same fallback behavior in
// the engine.
var (
	ErrTimeout   = errors.New("bus: request timed out")
	ErrTransport = errors.New("bus: transport failure")
	ErrMalformed = errors.New("bus: malformed response")
)

// ServiceResponse is the normalized backend reply. Content always holds a
// usable string; Fields holds the decoded object when the backend sent one.
type ServiceResponse struct {
	Content string
	Fields  map[string]any
}

// Field returns a string-valued field, or "" when absent.
func (r *ServiceResponse) Field(key string) string {
	if r.Fields == nil {
		return ""
	}
	s, _ := r.Fields[key].(string)
	return s
}

// DecodeField re-decodes a structured field (lists, nested objects) into v.
func (r *ServiceResponse) DecodeField(key string, v any) error {
	raw, ok := r.Fields[key]
	if !ok {
		return fmt.Errorf("%w: missing field %q", ErrMalformed, key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrMalformed, key, err)
	}
	return nil
}

// ServiceBus is the request/response surface the engine depends on.
// Implementations must be safe for concurrent use across conversations.
type ServiceBus interface {
	Request(ctx context.Context, subject string, payload any, timeout time.Duration) (*ServiceResponse, error)
}

// NATSBus is the production ServiceBus backed by a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect dials the bus and verifies the connection.
func Connect(url string, logger *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("verba-core"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to message bus", zap.String("url", conn.ConnectedUrl()))
	return &NATSBus{conn: conn, logger: logger}, nil
}

// Request publishes payload on subject and waits for a single reply.
func (b *NATSBus) Request(ctx context.Context, subject string, payload any, timeout time.Duration) (*ServiceResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			b.logger.Warn("Bus request timed out",
				zap.String("subject", subject),
				zap.Duration("timeout", timeout))
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, subject, timeout)
		}
		b.logger.Error("Bus request failed",
			zap.String("subject", subject),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %v", ErrTransport, subject, err)
	}

	resp, err := Normalize(msg.Data)
	if err != nil {
		b.logger.Error("Bus response malformed",
			zap.String("subject", subject),
			zap.Int("bytes", len(msg.Data)))
		return nil, err
	}

	b.logger.Debug("Bus request completed",
		zap.String("subject", subject),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

// Close drains the connection so in-flight replies are delivered.
func (b *NATSBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Failed to drain bus connection", zap.Error(err))
		b.conn.Close()
	}
}

// Normalize accepts either a structured JSON object or a raw string body
// and collapses both into a ServiceResponse. Backends are not required to
// agree on a content key, so the common ones are tried in order.
func Normalize(data []byte) (*ServiceResponse, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	switch trimmed[0] {
	case '{':
		var fields map[string]any
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		resp := &ServiceResponse{Fields: fields}
		for _, key := range []string{"content", "response", "output", "text"} {
			if s, ok := fields[key].(string); ok && s != "" {
				resp.Content = s
				break
			}
		}
		if resp.Content == "" {
			resp.Content = string(trimmed)
		}
		return resp, nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &ServiceResponse{Content: s}, nil
	default:
		return &ServiceResponse{Content: string(trimmed)}, nil
	}
}
